// Package testutil provides test doubles shared by the gateway packages.
package testutil

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/tidwall/gjson"
)

// Call is one request received by a MockBackend.
type Call struct {
	Seq         int64
	ID          string
	Path        string
	ContentType string
	TraceID     string
	Body        []byte
	ReceivedAt  time.Time
}

// Field returns the value at the gjson path of a JSON request body.
func (c Call) Field(path string) gjson.Result {
	return gjson.GetBytes(c.Body, path)
}

// ReplyFunc produces the status code and JSON body answered for a call.
type ReplyFunc func(call Call) (int, interface{})

// MockBackend is an HTTP server standing in for the transaction backends.
// Every request is recorded; replies come from the handler registered for
// the request path, or the default reply.
type MockBackend struct {
	*httptest.Server

	calls CallLog

	mu       sync.RWMutex
	handlers map[string]ReplyFunc
	fallback ReplyFunc
}

// NewMockBackend starts a backend that acknowledges every call with an empty
// result set.
func NewMockBackend() *MockBackend {
	b := &MockBackend{
		handlers: make(map[string]ReplyFunc),
		fallback: func(Call) (int, interface{}) { return http.StatusOK, Acknowledged(nil) },
	}
	b.Server = httptest.NewServer(http.HandlerFunc(b.serve))
	return b
}

// Handle registers the reply for one path, for example "/dynamic".
func (b *MockBackend) Handle(path string, fn ReplyFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[path] = fn
}

// Default replaces the reply used for unregistered paths.
func (b *MockBackend) Default(fn ReplyFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fallback = fn
}

// Calls returns the recorded calls in arrival order.
func (b *MockBackend) Calls() []Call {
	return b.calls.All()
}

// CallCount returns the number of recorded calls.
func (b *MockBackend) CallCount() int {
	return b.calls.Len()
}

// LastCall returns the most recent call.
func (b *MockBackend) LastCall() (Call, bool) {
	return b.calls.Last()
}

// Reset forgets the recorded calls; registered replies are kept.
func (b *MockBackend) Reset() {
	b.calls.Reset()
}

func (b *MockBackend) serve(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	call := b.calls.Append(Call{
		Path:        r.URL.Path,
		ContentType: r.Header.Get("Content-Type"),
		TraceID:     r.Header.Get("X-Trace-ID"),
		Body:        body,
	})

	b.mu.RLock()
	fn, ok := b.handlers[call.Path]
	if !ok {
		fn = b.fallback
	}
	b.mu.RUnlock()

	status, reply := fn(call)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(reply)
}

// Acknowledged builds a successful reply carrying ResultJson.
func Acknowledged(result interface{}) map[string]interface{} {
	if result == nil {
		result = []interface{}{}
	}
	return map[string]interface{}{"Acknowledge": 1, "ResultJson": result}
}

// Rejected builds a negative acknowledge with the backend's exception text.
func Rejected(text string) map[string]interface{} {
	return map[string]interface{}{"Acknowledge": 0, "ExceptionText": text}
}

// ResultSet builds one FieldID/Value entry of a ResultJson array.
func ResultSet(fieldID string, rows ...map[string]interface{}) map[string]interface{} {
	if rows == nil {
		rows = []map[string]interface{}{}
	}
	return map[string]interface{}{"FieldID": fieldID, "Value": rows}
}
