// Package tracker buffers session events and sends them in batches through
// the tracking webservice.
package tracker

import (
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/sdk-runtime/internal/logging"
	"github.com/ChuLiYu/sdk-runtime/internal/webservice"
	"github.com/ChuLiYu/sdk-runtime/pkg/types"
)

// DefaultMaxEvents bounds the buffer; the oldest events are dropped first.
const DefaultMaxEvents = 500

// Sender sends one event batch.
type Sender interface {
	TrackEvents(events []types.Event) *webservice.Future
}

// Tracker is the session event buffer.
type Tracker struct {
	sender    Sender
	maxEvents int
	log       *slog.Logger

	mu     sync.Mutex
	events []types.Event
}

// New creates a tracker. maxEvents <= 0 means DefaultMaxEvents.
func New(sender Sender, maxEvents int, log *slog.Logger) *Tracker {
	if maxEvents <= 0 {
		maxEvents = DefaultMaxEvents
	}
	return &Tracker{
		sender:    sender,
		maxEvents: maxEvents,
		log:       logging.Or(log),
	}
}

// Track appends one event.
func (t *Tracker) Track(name, sessionID string, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = append(t.events, types.Event{Name: name, SessionID: sessionID, At: at})
	t.trimLocked()
}

// SessionStarted records a session start event.
func (t *Tracker) SessionStarted(sessionID string, at time.Time) {
	t.Track(types.EventSessionStart, sessionID, at)
}

// SessionStopped records a session stop event.
func (t *Tracker) SessionStopped(sessionID string, at time.Time) {
	t.Track(types.EventSessionStop, sessionID, at)
}

// Pending returns a copy of the buffered events.
func (t *Tracker) Pending() []types.Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]types.Event(nil), t.events...)
}

// Flush sends every buffered event. On failure the batch goes back in front
// of events tracked in the meantime.
func (t *Tracker) Flush() *webservice.Future {
	t.mu.Lock()
	batch := t.events
	t.events = nil
	t.mu.Unlock()

	f := t.sender.TrackEvents(batch)
	f.Then(func(_ *webservice.ResponseSet, err error) {
		if err == nil || len(batch) == 0 {
			return
		}
		t.log.Warn("Failed to send events, keeping them for the next flush", "count", len(batch), "error", err)
		t.restore(batch)
	})
	return f
}

func (t *Tracker) restore(batch []types.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = append(append([]types.Event(nil), batch...), t.events...)
	t.trimLocked()
}

func (t *Tracker) trimLocked() {
	if over := len(t.events) - t.maxEvents; over > 0 {
		t.log.Warn("Event buffer full, dropping oldest events", "dropped", over)
		t.events = append([]types.Event(nil), t.events[over:]...)
	}
}
