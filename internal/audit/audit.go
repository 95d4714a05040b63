// Package audit emits structured processing events. Emission is
// best-effort: a full buffer drops the event rather than blocking a task.
package audit

import (
	"context"
	"log/slog"
	"time"
)

// Event is one audit record.
type Event struct {
	Name       string
	DocumentID string
	PageNumber int // 0 when not page-scoped
	Detail     string
	At         time.Time
}

// Emitter fans audit events to a logger from a buffered channel.
type Emitter struct {
	logger *slog.Logger
	events chan Event
}

// NewEmitter creates an emitter with the given buffer size.
func NewEmitter(logger *slog.Logger, buffer int) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	if buffer <= 0 {
		buffer = 256
	}
	return &Emitter{
		logger: logger,
		events: make(chan Event, buffer),
	}
}

// Run drains the event buffer until ctx is cancelled. Call in a goroutine.
func (e *Emitter) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-e.events:
			e.logger.Info("audit",
				"event", ev.Name,
				"document_id", ev.DocumentID,
				"page", ev.PageNumber,
				"detail", ev.Detail,
				"at", ev.At,
			)
		}
	}
}

// Emit records an event. Never blocks; drops when the buffer is full.
func (e *Emitter) Emit(name, documentID string, pageNumber int, detail string) {
	ev := Event{
		Name:       name,
		DocumentID: documentID,
		PageNumber: pageNumber,
		Detail:     detail,
		At:         time.Now().UTC(),
	}
	select {
	case e.events <- ev:
	default:
		e.logger.Debug("audit buffer full, dropping event", "event", name)
	}
}

// Pending returns the number of buffered events. Used by tests.
func (e *Emitter) Pending() int {
	return len(e.events)
}
