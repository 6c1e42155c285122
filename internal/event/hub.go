package event

import (
	"sync"

	"github.com/fentz26/airlock/internal/logging"
)

// subscriberBuffer is how far a live subscriber may fall behind before it is
// dropped.
const subscriberBuffer = 256

// maxFinished is the number of finished task histories kept for replay.
const maxFinished = 512

// Hub drains task streams, keeps their history and fans events out to
// subscribers. Events are numbered per task in arrival order.
type Hub struct {
	mu       sync.Mutex
	feeds    map[string]*feed
	finished []string
	logger   *logging.Logger
}

type feed struct {
	history []Event
	subs    map[int]chan Event
	nextSub int
	live    bool
	done    bool
}

// NewHub creates an empty hub.
func NewHub(logger *logging.Logger) *Hub {
	return &Hub{feeds: make(map[string]*feed), logger: logger.WithComponent("events")}
}

// Attach starts draining s. A task whose previous stream finished starts a
// fresh history; subscribers waiting on it stay attached.
func (h *Hub) Attach(s *Stream) {
	h.mu.Lock()
	f := h.feed(s.TaskID())
	if f.done {
		f.history = nil
		f.done = false
		h.unfinish(s.TaskID())
	}
	f.live = true
	h.mu.Unlock()

	go h.pump(s)
}

func (h *Hub) pump(s *Stream) {
	taskID := s.TaskID()
	for e := range s.Events() {
		h.mu.Lock()
		f := h.feed(taskID)
		e.Seq = uint64(len(f.history) + 1)
		f.history = append(f.history, e)
		for id, ch := range f.subs {
			select {
			case ch <- e:
			default:
				close(ch)
				delete(f.subs, id)
				h.logger.WithTask(taskID).Warn("dropped slow event subscriber", "subscriber", id)
			}
		}
		h.mu.Unlock()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	f := h.feed(taskID)
	f.live = false
	f.done = true
	for id, ch := range f.subs {
		close(ch)
		delete(f.subs, id)
	}
	h.finished = append(h.finished, taskID)
	for len(h.finished) > maxFinished {
		old := h.finished[0]
		h.finished = h.finished[1:]
		if of, ok := h.feeds[old]; ok && of.done && len(of.subs) == 0 {
			delete(h.feeds, old)
		}
	}
}

// Subscribe returns the events of taskID with Seq >= fromSeq, followed by
// live events. The channel is closed when the stream ends, when the
// subscriber falls too far behind, or after cancel is called. Subscribing to
// a task with no stream yet waits for one to be attached.
func (h *Hub) Subscribe(taskID string, fromSeq uint64) (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	f := h.feed(taskID)
	var replay []Event
	for _, e := range f.history {
		if e.Seq >= fromSeq {
			replay = append(replay, e)
		}
	}
	ch := make(chan Event, len(replay)+subscriberBuffer)
	for _, e := range replay {
		ch <- e
	}
	if f.done {
		close(ch)
		return ch, func() {}
	}

	id := f.nextSub
	f.nextSub++
	f.subs[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if sub, ok := f.subs[id]; ok {
				close(sub)
				delete(f.subs, id)
			}
		})
	}
}

// History returns a copy of the recorded events of taskID.
func (h *Hub) History(taskID string) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	f, ok := h.feeds[taskID]
	if !ok {
		return nil
	}
	return append([]Event(nil), f.history...)
}

// Live reports whether taskID has an attached, unfinished stream.
func (h *Hub) Live(taskID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	f, ok := h.feeds[taskID]
	return ok && f.live
}

func (h *Hub) feed(taskID string) *feed {
	f, ok := h.feeds[taskID]
	if !ok {
		f = &feed{subs: make(map[int]chan Event)}
		h.feeds[taskID] = f
	}
	return f
}

func (h *Hub) unfinish(taskID string) {
	for i, id := range h.finished {
		if id == taskID {
			h.finished = append(h.finished[:i], h.finished[i+1:]...)
			return
		}
	}
}
