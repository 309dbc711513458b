// Package session owns long-lived client sessions: one ordered outbound
// event stream per client, one running pipeline request at a time, and
// reconnect-with-replay over an append-only event log.
package session

import (
	"sync"
	"time"

	"auditchat/internal/agents"
	"auditchat/internal/auditerr"
)

// EventType names one outbound stream event.
type EventType string

const (
	EventStageProgress EventType = "stage_progress"
	EventStageResult   EventType = "stage_result"
	EventError         EventType = "error"
	EventDone          EventType = "done"
)

// Event is one entry in a client's ordered outbound stream. Seq is
// assigned at append time and is strictly increasing per client.
type Event struct {
	Type      EventType           `json:"type"`
	Seq       uint64              `json:"seq"`
	Timestamp time.Time           `json:"timestamp"`
	RequestID string              `json:"request_id,omitempty"`
	Stage     agents.Stage        `json:"stage,omitempty"`
	Result    *agents.StageResult `json:"result,omitempty"`
	Outcome   *agents.Outcome     `json:"outcome,omitempty"`
	Message   string              `json:"message,omitempty"`
}

// eventLog is a per-client append-only log with a base offset and a
// delivered cursor. Entries at or below the cursor are pruned; the
// undelivered backlog is bounded and overflowing it is the caller's
// signal to fail the session.
type eventLog struct {
	mu        sync.Mutex
	base      uint64 // sequence number of events[0]
	delivered uint64 // highest sequence confirmed written to a transport
	nextSeq   uint64
	events    []Event
	capacity  int
}

// newEventLog starts sequencing at next, so a recreated session continues
// where its archived predecessor stopped.
func newEventLog(capacity int, next uint64) *eventLog {
	if capacity <= 0 {
		capacity = 256
	}
	if next == 0 {
		next = 1
	}
	return &eventLog{base: next, nextSeq: next, capacity: capacity}
}

// Append assigns the next sequence number and stores the event. Returns
// ErrQueueOverflow when the undelivered backlog has reached capacity.
func (l *eventLog) Append(ev Event) (Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.events) >= l.capacity {
		return Event{}, auditerr.ErrQueueOverflow
	}
	ev.Seq = l.nextSeq
	l.nextSeq++
	l.events = append(l.events, ev)
	return ev, nil
}

// Pending returns the undelivered events in sequence order.
func (l *eventLog) Pending() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	start := int(l.delivered+1) - int(l.base)
	if start < 0 {
		start = 0
	}
	if start >= len(l.events) {
		return nil
	}
	out := make([]Event, len(l.events)-start)
	copy(out, l.events[start:])
	return out
}

// MarkDelivered advances the cursor and prunes everything at or below it.
func (l *eventLog) MarkDelivered(seq uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if seq <= l.delivered {
		return
	}
	l.delivered = seq
	drop := int(seq+1) - int(l.base)
	if drop <= 0 {
		return
	}
	if drop > len(l.events) {
		drop = len(l.events)
	}
	l.events = l.events[drop:]
	l.base = seq + 1
}

// Backlog reports how many events await delivery.
func (l *eventLog) Backlog() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	start := int(l.delivered+1) - int(l.base)
	if start < 0 {
		start = 0
	}
	if start > len(l.events) {
		return 0
	}
	return len(l.events) - start
}
