package models

import (
	"encoding/json"
	"time"
)

// DefaultActivityLogCap is the number of entries kept per data source.
const DefaultActivityLogCap = 10

// ActivityLevel classifies an activity log entry.
type ActivityLevel string

const (
	ActivityLevelInfo    ActivityLevel = "info"
	ActivityLevelSuccess ActivityLevel = "success"
	ActivityLevelError   ActivityLevel = "error"
)

// ActivityLogEntry is a single line in a data source's activity log.
type ActivityLogEntry struct {
	Timestamp time.Time     `json:"timestamp"`
	Level     ActivityLevel `json:"level"`
	Message   string        `json:"message"`
}

// ActivityLog is a fixed-capacity ring of entries. Appending beyond the
// capacity overwrites the oldest entry. Not safe for concurrent use.
type ActivityLog struct {
	entries []ActivityLogEntry
	start   int // index of the oldest entry
	size    int
}

// NewActivityLog returns an empty log holding at most capacity entries.
// A non-positive capacity falls back to DefaultActivityLogCap.
func NewActivityLog(capacity int) *ActivityLog {
	if capacity <= 0 {
		capacity = DefaultActivityLogCap
	}
	return &ActivityLog{entries: make([]ActivityLogEntry, capacity)}
}

// Cap returns the maximum number of entries retained.
func (l *ActivityLog) Cap() int {
	return len(l.entries)
}

// Len returns the number of entries currently held.
func (l *ActivityLog) Len() int {
	return l.size
}

// Append adds an entry, evicting the oldest when the log is full.
func (l *ActivityLog) Append(e ActivityLogEntry) {
	if l.size < len(l.entries) {
		l.entries[(l.start+l.size)%len(l.entries)] = e
		l.size++
		return
	}
	l.entries[l.start] = e
	l.start = (l.start + 1) % len(l.entries)
}

// Entries returns entries oldest first.
func (l *ActivityLog) Entries() []ActivityLogEntry {
	out := make([]ActivityLogEntry, l.size)
	for i := 0; i < l.size; i++ {
		out[i] = l.entries[(l.start+i)%len(l.entries)]
	}
	return out
}

// Recent returns up to n entries, newest first.
func (l *ActivityLog) Recent(n int) []ActivityLogEntry {
	if n > l.size {
		n = l.size
	}
	if n < 0 {
		n = 0
	}
	out := make([]ActivityLogEntry, n)
	for i := 0; i < n; i++ {
		out[i] = l.entries[(l.start+l.size-1-i)%len(l.entries)]
	}
	return out
}

// MarshalJSON encodes the log as a JSON array, oldest first.
func (l *ActivityLog) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.Entries())
}

// UnmarshalJSON decodes a JSON array into the log. The capacity already set
// on the receiver is kept; when decoding more entries than fit, only the
// newest survive.
func (l *ActivityLog) UnmarshalJSON(data []byte) error {
	var entries []ActivityLogEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return err
	}
	capacity := len(l.entries)
	if capacity == 0 {
		capacity = DefaultActivityLogCap
	}
	*l = *NewActivityLog(capacity)
	for _, e := range entries {
		l.Append(e)
	}
	return nil
}
