package scan

import (
	"log/slog"
	"sync"
	"time"
)

// Progress is published after every processed asset, match or not.
type Progress struct {
	SessionID string    `json:"session_id"`
	Processed int       `json:"processed"`
	Total     int       `json:"total"`
	Matches   int       `json:"matches"`
	Match     *ScanItem `json:"-"`
}

// Warning reports an asset that could not be classified and was counted as
// safe.
type Warning struct {
	SessionID string `json:"session_id"`
	AssetID   string `json:"asset_id"`
	Message   string `json:"message"`
}

// Finished is the terminal event of a session.
type Finished struct {
	SessionID  string     `json:"session_id"`
	State      State      `json:"state"`
	Total      int        `json:"total"`
	Processed  int        `json:"processed"`
	Matches    []ScanItem `json:"-"`
	Warnings   int        `json:"warnings"`
	Err        string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt time.Time  `json:"finished_at"`
}

// Observer receives session events from the scan worker goroutine. Calls are
// never concurrent and arrive in order; implementations must not block for
// long.
type Observer interface {
	OnProgress(Progress)
	OnWarning(Warning)
	OnFinished(Finished)
}

// ObserverFuncs adapts plain functions to Observer. Nil fields are skipped.
type ObserverFuncs struct {
	Progress func(Progress)
	Warning  func(Warning)
	Finished func(Finished)
}

func (f ObserverFuncs) OnProgress(p Progress) {
	if f.Progress != nil {
		f.Progress(p)
	}
}

func (f ObserverFuncs) OnWarning(w Warning) {
	if f.Warning != nil {
		f.Warning(w)
	}
}

func (f ObserverFuncs) OnFinished(e Finished) {
	if f.Finished != nil {
		f.Finished(e)
	}
}

type EventType string

const (
	EventProgress EventType = "progress"
	EventWarning  EventType = "warning"
	EventFinished EventType = "finished"
)

// Event is one immutable notification delivered over a Broadcaster channel.
type Event struct {
	Type     EventType
	Progress *Progress
	Warning  *Warning
	Finished *Finished
}

const subscriberBuffer = 256

// Broadcaster fans events out to channel subscribers. Progress and warnings
// are dropped for a subscriber whose buffer is full; the terminal event always
// gets through.
type Broadcaster struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[chan Event]struct{})}
}

// Subscribe returns a channel of events and a function that releases it.
func (b *Broadcaster) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, ch)
			b.mu.Unlock()
		})
	}
}

func (b *Broadcaster) OnProgress(p Progress) {
	b.publish(Event{Type: EventProgress, Progress: &p}, false)
}

func (b *Broadcaster) OnWarning(w Warning) {
	b.publish(Event{Type: EventWarning, Warning: &w}, false)
}

func (b *Broadcaster) OnFinished(f Finished) {
	b.publish(Event{Type: EventFinished, Finished: &f}, true)
}

func (b *Broadcaster) publish(ev Event, mustDeliver bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for ch := range b.subs {
		select {
		case ch <- ev:
			continue
		default:
		}

		if !mustDeliver {
			slog.Debug("scan: subscriber lagging, event dropped", "type", string(ev.Type))
			continue
		}

		// Make room by discarding the oldest queued event.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- ev:
		default:
		}
	}
}

var _ Observer = (*Broadcaster)(nil)
