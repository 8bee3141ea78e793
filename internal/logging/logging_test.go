package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_LevelAndFormat(t *testing.T) {
	l := New("gateway", "debug", "text")
	assert.Equal(t, "debug", l.GetLevel().String())
	assert.Equal(t, "gateway", l.Service())

	l = New("gateway", "bogus", "json")
	assert.Equal(t, "info", l.GetLevel().String())
}

func TestWithContext_CarriesIDs(t *testing.T) {
	var buf bytes.Buffer
	l := New("gateway", "info", "json")
	l.SetOutput(&buf)

	ctx := WithTraceID(context.Background(), "trace-1")
	ctx = WithGlobalID(ctx, "G-1")
	ctx = WithUserID(ctx, "op01")
	l.WithContext(ctx).Info("hello")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "gateway", entry["service"])
	assert.Equal(t, "trace-1", entry["trace_id"])
	assert.Equal(t, "G-1", entry["global_id"])
	assert.Equal(t, "op01", entry["user_id"])
}

func TestContextHelpers_Empty(t *testing.T) {
	assert.Empty(t, GetTraceID(context.Background()))
	assert.Empty(t, GetGlobalID(context.Background()))
	assert.NotEmpty(t, NewTraceID())
}

func TestAuditLogger_Record(t *testing.T) {
	var buf bytes.Buffer
	a := NewAuditLoggerWriter(&buf)
	a.Record("APP|PRJ|TRN|S01", "G-1", "request", map[string]string{"k": "v"})

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "APP|PRJ|TRN|S01", entry["transaction"])
	assert.Equal(t, "request", entry["kind"])
	assert.Equal(t, `{"k":"v"}`, entry["payload"])
}

func TestAuditLogger_UnserializablePayloadIsSwallowed(t *testing.T) {
	var buf bytes.Buffer
	a := NewAuditLoggerWriter(&buf)
	assert.NotPanics(t, func() {
		a.Record("t", "g", "response", make(chan int))
	})
	assert.Zero(t, buf.Len())

	var nilAudit *AuditLogger
	assert.NotPanics(t, func() { nilAudit.Record("t", "g", "request", nil) })
}

func TestAuditLogger_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit", "tx.log")
	a := NewAuditLogger(path)
	a.Record("t", "g", "request", "payload")
	require.NoError(t, a.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "transaction audit")
}
