package events

import (
	"fmt"
	"time"
)

const (
	PlanCreated        = "PLAN_CREATED"
	BlockerAdded       = "BLOCKER_ADDED"
	ReleaseDrafted     = "RELEASE_DRAFTED"
	StakeholderSummary = "STAKEHOLDER_SUMMARY"
	RunCompleted       = "RUN_COMPLETED"

	// Wildcard subscribers receive every event after the named subscribers.
	Wildcard = "*"
)

type Payload map[string]any

type Record struct {
	Event     string  `json:"event"`
	Timestamp string  `json:"timestamp"`
	Payload   Payload `json:"payload"`
}

type Handler func(Record) error

// Bus is a synchronous, single-goroutine publish/subscribe dispatcher.
// Emit returns only after every handler has run, and a failing handler
// stops dispatch and is returned to the caller.
type Bus struct {
	Now     func() time.Time
	subs    map[string][]Handler
	history []Record
}

func NewBus() *Bus {
	return &Bus{Now: time.Now, subs: map[string][]Handler{}}
}

func (b *Bus) now() time.Time {
	if b.Now != nil {
		return b.Now()
	}
	return time.Now()
}

// Subscribe registers h for event; handlers run in subscription order.
func (b *Bus) Subscribe(event string, h Handler) {
	if b.subs == nil {
		b.subs = map[string][]Handler{}
	}
	b.subs[event] = append(b.subs[event], h)
}

// Emit records the event in history and then invokes its handlers.
func (b *Bus) Emit(event string, payload Payload) error {
	if payload == nil {
		payload = Payload{}
	}
	rec := Record{Event: event, Timestamp: b.now().UTC().Format(time.RFC3339Nano), Payload: payload}
	b.history = append(b.history, rec)
	for _, h := range b.subs[event] {
		if err := h(rec); err != nil {
			return fmt.Errorf("%s handler: %w", event, err)
		}
	}
	if event == Wildcard {
		return nil
	}
	for _, h := range b.subs[Wildcard] {
		if err := h(rec); err != nil {
			return fmt.Errorf("%s handler: %w", event, err)
		}
	}
	return nil
}

// History returns a copy of every emitted record in emission order.
func (b *Bus) History() []Record {
	out := make([]Record, len(b.history))
	copy(out, b.history)
	return out
}
