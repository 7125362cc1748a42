// Package runlog fans run log entries out to live subscribers. The durable
// copy lives in the store; this broadcaster only serves attached streams,
// with a bounded replay buffer so a late subscriber sees recent lines.
package runlog

import (
	"sync"

	"github.com/opencivic/spendmatch/internal/model"
)

// EventType discriminates stream events.
type EventType string

const (
	EventLog      EventType = "log"
	EventComplete EventType = "complete"
)

// Event is one item delivered to a subscriber.
type Event struct {
	Type   EventType       `json:"type"`
	Entry  *model.LogEntry `json:"entry,omitempty"`
	Status string          `json:"status,omitempty"`
}

// replaySize bounds the per-run replay buffer. Older lines are only
// available from the durable store.
const replaySize = 256

// subscriber channels are buffered; a subscriber that stops draining loses
// events rather than blocking the publisher. The buffer holds a full replay
// plus the terminal event with headroom for live lines before the first read.
const subscriberBuffer = replaySize + 64

type runState struct {
	ring     []Event
	terminal *Event
	subs     map[chan Event]struct{}
}

// Broadcaster is a per-run fan-out of log events. Safe for concurrent use.
type Broadcaster struct {
	mu   sync.Mutex
	runs map[string]*runState
}

// New creates an empty Broadcaster.
func New() *Broadcaster {
	return &Broadcaster{runs: make(map[string]*runState)}
}

// Subscribe attaches to a run's live stream. Buffered recent events are
// replayed onto the channel before any new ones; if the run already finished
// the terminal event follows immediately. The returned cancel func detaches
// and closes the channel; it is safe to call more than once.
func (b *Broadcaster) Subscribe(runID string) (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	b.mu.Lock()
	st := b.state(runID)
	for _, ev := range st.ring {
		select {
		case ch <- ev:
		default:
		}
	}
	if st.terminal != nil {
		select {
		case ch <- *st.terminal:
		default:
		}
	}
	st.subs[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			if st, ok := b.runs[runID]; ok {
				delete(st.subs, ch)
			}
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Publish delivers a log entry to the run's subscribers and records it in
// the replay buffer. Slow subscribers drop rather than block.
func (b *Broadcaster) Publish(runID string, entry model.LogEntry) {
	ev := Event{Type: EventLog, Entry: &entry}

	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.state(runID)
	st.ring = append(st.ring, ev)
	if len(st.ring) > replaySize {
		st.ring = st.ring[len(st.ring)-replaySize:]
	}
	for ch := range st.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Complete marks the run terminal and notifies subscribers. Further
// subscribers get the terminal event straight after replay.
func (b *Broadcaster) Complete(runID string, status model.RunStatus) {
	ev := Event{Type: EventComplete, Status: string(status)}

	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.state(runID)
	st.terminal = &ev
	for ch := range st.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Forget drops a run's in-memory state once no subscriber needs it, e.g.
// after deletion. Durable logs are unaffected.
func (b *Broadcaster) Forget(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.runs, runID)
}

// state returns the run's state, creating it. Caller holds b.mu.
func (b *Broadcaster) state(runID string) *runState {
	st, ok := b.runs[runID]
	if !ok {
		st = &runState{subs: make(map[chan Event]struct{})}
		b.runs[runID] = st
	}
	return st
}
