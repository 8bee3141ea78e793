package testutil

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// CallLog is an append-only, concurrency-safe record of backend calls.
type CallLog struct {
	mu    sync.Mutex
	calls []Call
}

// Append stamps call with an id, sequence number and arrival time, then
// records it.
func (l *CallLog) Append(call Call) Call {
	l.mu.Lock()
	defer l.mu.Unlock()
	call.Seq = int64(len(l.calls) + 1)
	call.ID = uuid.NewString()
	call.ReceivedAt = time.Now().UTC()
	l.calls = append(l.calls, call)
	return call
}

// All returns a copy of the recorded calls in arrival order.
func (l *CallLog) All() []Call {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Call, len(l.calls))
	copy(out, l.calls)
	return out
}

// Len returns the number of recorded calls.
func (l *CallLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.calls)
}

// Last returns the most recent call.
func (l *CallLog) Last() (Call, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.calls) == 0 {
		return Call{}, false
	}
	return l.calls[len(l.calls)-1], true
}

// Reset forgets every recorded call.
func (l *CallLog) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = nil
}
