package logging

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
)

// AuditLogger records full request and response payloads of transactions.
// Writes are best-effort and never surface errors to the caller.
type AuditLogger struct {
	log    *logrus.Logger
	mu     sync.Mutex
	closer io.Closer
}

// NewAuditLogger opens path in append mode. An empty path or an unopenable
// file falls back to stderr.
func NewAuditLogger(path string) *AuditLogger {
	l := logrus.New()
	l.SetFormatter(&logrus.JSONFormatter{})
	l.SetLevel(logrus.InfoLevel)
	l.SetOutput(os.Stderr)

	a := &AuditLogger{log: l}
	if path == "" {
		return a
	}

	if dir := filepath.Dir(path); dir != "" {
		_ = os.MkdirAll(dir, 0o755)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		l.WithError(err).WithField("path", path).Warn("audit log file unavailable, using stderr")
		return a
	}
	l.SetOutput(f)
	a.closer = f
	return a
}

// NewAuditLoggerWriter writes audit records to w.
func NewAuditLoggerWriter(w io.Writer) *AuditLogger {
	l := logrus.New()
	l.SetFormatter(&logrus.JSONFormatter{})
	l.SetOutput(w)
	return &AuditLogger{log: l}
}

// Record writes one audit entry. kind is "request" or "response".
func (a *AuditLogger) Record(transaction, globalID, kind string, payload interface{}) {
	if a == nil {
		return
	}
	defer func() {
		// a marshaller panic must not escape into the transaction
		_ = recover()
	}()

	data, err := json.Marshal(payload)
	if err != nil {
		a.log.WithError(err).Debug("audit payload not serializable")
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.log.WithFields(logrus.Fields{
		"transaction": transaction,
		"global_id":   globalID,
		"kind":        kind,
		"payload":     string(data),
	}).Info("transaction audit")
}

// Close releases the underlying file, if any.
func (a *AuditLogger) Close() error {
	if a == nil || a.closer == nil {
		return nil
	}
	return a.closer.Close()
}
