// Package events is the in-process publish/subscribe bus shared by the
// schedulers and the push layer.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"livestock_backend/models"
	"livestock_backend/services/clock"
)

type Kind string

const (
	KindProgress          Kind = "progress"
	KindDataUpdate        Kind = "dataUpdate"
	KindPauseStateChanged Kind = "pauseStateChanged"
	KindTopMovers         Kind = "topMovers"
)

// Event is one bus message. Symbol is set for data updates only.
type Event struct {
	Kind   Kind        `json:"type"`
	Symbol string      `json:"symbol,omitempty"`
	Data   interface{} `json:"data"`
	Time   time.Time   `json:"time"`
}

// Publisher is what producers depend on.
type Publisher interface {
	Publish(ev Event)
}

// Pauser toggles the advisory pause flag.
type Pauser interface {
	SetPaused(paused bool, reason string) bool
}

// Bus fans events out to subscribers. Sends never block: a subscriber whose
// buffer is full misses the event.
type Bus struct {
	clock clock.Clock

	subsMu    sync.RWMutex
	subs      map[int]chan Event
	nextSubID int

	pauseMu sync.RWMutex
	pause   models.PauseState

	dropped atomic.Int64
}

func NewBus(clk clock.Clock) *Bus {
	if clk == nil {
		clk = clock.Real()
	}
	return &Bus{clock: clk, subs: make(map[int]chan Event)}
}

// Subscribe creates a new subscription channel.
func (b *Bus) Subscribe(bufSize int) (id int, ch <-chan Event) {
	b.subsMu.Lock()
	defer b.subsMu.Unlock()
	id = b.nextSubID
	b.nextSubID++
	c := make(chan Event, bufSize)
	b.subs[id] = c
	return id, c
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(id int) {
	b.subsMu.Lock()
	defer b.subsMu.Unlock()
	if ch, ok := b.subs[id]; ok {
		close(ch)
		delete(b.subs, id)
	}
}

func (b *Bus) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = b.clock.Now()
	}
	b.subsMu.RLock()
	defer b.subsMu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped is the number of sends skipped because a subscriber was full.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// SetPaused records the pause flag and publishes a pauseStateChanged event on
// transitions. It reports whether the state changed. Resuming clears the
// reason.
func (b *Bus) SetPaused(paused bool, reason string) bool {
	b.pauseMu.Lock()
	if b.pause.Paused == paused {
		b.pauseMu.Unlock()
		return false
	}
	now := b.clock.Now()
	if paused {
		b.pause = models.PauseState{Paused: true, Reason: reason, PausedAt: &now}
	} else {
		b.pause = models.PauseState{Paused: false}
	}
	state := b.pause
	b.pauseMu.Unlock()

	b.Publish(Event{Kind: KindPauseStateChanged, Data: state, Time: now})
	return true
}

// PauseState returns the current pause flag for late joiners.
func (b *Bus) PauseState() models.PauseState {
	b.pauseMu.RLock()
	defer b.pauseMu.RUnlock()
	return b.pause
}
