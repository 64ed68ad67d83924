// Package auditlog implements the bounded per-request event buffer that is
// attached to every enclave response.
//
// Events are short free-form strings describing what the enclave did (which
// key ids were resolved, which checks passed, where a request failed). They
// must never contain key material. The buffer keeps the most recent events
// that fit in a fixed byte budget and records whether older events were
// dropped.
package auditlog

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
)

// HeaderName is the response header carrying the encoded buffer.
const HeaderName = "X-Wsm-Audit-Log"

// DefaultBudget is the default byte budget of a buffer.
const DefaultBudget = 1024

// Buffer is an append-only, size-capped event log for a single request.
type Buffer struct {
	mu        sync.Mutex
	budget    int
	size      int
	events    []string
	truncated bool
}

// New creates an empty buffer. A non-positive budget selects DefaultBudget.
func New(budget int) *Buffer {
	if budget <= 0 {
		budget = DefaultBudget
	}
	return &Buffer{budget: budget}
}

// Append records an event, dropping the oldest events while the buffer is
// over budget. An event larger than the whole budget is cut to fit.
func (b *Buffer) Append(format string, args ...any) {
	event := fmt.Sprintf(format, args...)

	b.mu.Lock()
	defer b.mu.Unlock()

	if len(event) > b.budget {
		event = event[len(event)-b.budget:]
		b.truncated = true
	}

	b.events = append(b.events, event)
	b.size += len(event)
	for b.size > b.budget {
		b.size -= len(b.events[0])
		b.events[0] = ""
		b.events = b.events[1:]
		b.truncated = true
	}
}

// Events returns a copy of the retained events, oldest first.
func (b *Buffer) Events() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.events))
	copy(out, b.events)
	return out
}

// Truncated reports whether any event has been dropped or cut.
func (b *Buffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}

// Size returns the number of bytes currently retained.
func (b *Buffer) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

type wireBuffer struct {
	Events    []string `json:"events"`
	Truncated bool     `json:"truncated"`
}

// Encode serializes the buffer as base64-encoded JSON, suitable for HeaderName.
func (b *Buffer) Encode() string {
	b.mu.Lock()
	snapshot := wireBuffer{Events: make([]string, len(b.events)), Truncated: b.truncated}
	copy(snapshot.Events, b.events)
	b.mu.Unlock()

	raw, err := json.Marshal(snapshot)
	if err != nil {
		// A []string and a bool always marshal.
		return ""
	}
	return base64.StdEncoding.EncodeToString(raw)
}

// Decode parses a value produced by Encode. Used by callers and tests.
func Decode(header string) (events []string, truncated bool, err error) {
	raw, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return nil, false, fmt.Errorf("invalid audit log encoding: %w", err)
	}
	var w wireBuffer
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, false, fmt.Errorf("invalid audit log payload: %w", err)
	}
	return w.Events, w.Truncated, nil
}
