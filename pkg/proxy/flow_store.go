package proxy

import (
	"errors"
	"sync"

	"github.com/fidiego/hookproxy/pkg/message"
)

// ErrNotFound is returned for history ids the store does not hold, either
// never assigned or already evicted.
var ErrNotFound = errors.New("history entry not found")

// History gives scripts run on demand access to captured traffic.
type History interface {
	// Message returns the live message of history entry id. Callers that
	// hand it to scripts should clone it first.
	Message(id int64) (*message.Message, error)
	// LastID returns the most recently assigned history id, or 0.
	LastID() int64
}

// FlowStore is a thread-safe, fixed-capacity ring buffer of flows with pub/sub.
// It assigns each flow a history id that is never reused.
type FlowStore struct {
	mu          sync.RWMutex
	flows       []*Flow
	index       map[string]*Flow
	byHistory   map[int64]*Flow
	lastID      int64
	capacity    int
	head        int // next write position
	count       int // current number of stored flows
	subscribers []chan FlowEvent
}

var _ History = (*FlowStore)(nil)

// NewFlowStore creates a store with the given capacity. Oldest flows are evicted when full.
func NewFlowStore(capacity int) *FlowStore {
	if capacity <= 0 {
		capacity = 1000
	}
	return &FlowStore{
		flows:     make([]*Flow, capacity),
		index:     make(map[string]*Flow),
		byHistory: make(map[int64]*Flow),
		capacity:  capacity,
	}
}

// Add stores a new flow and notifies subscribers.
func (s *FlowStore) Add(f *Flow) {
	s.mu.Lock()
	if s.count == s.capacity {
		// Evict the oldest entry.
		old := s.flows[s.head]
		if old != nil {
			delete(s.index, old.ID)
			delete(s.byHistory, old.HistoryID)
		}
	} else {
		s.count++
	}
	s.lastID++
	f.HistoryID = s.lastID
	s.flows[s.head] = f
	s.index[f.ID] = f
	s.byHistory[f.HistoryID] = f
	s.head = (s.head + 1) % s.capacity
	subs := s.copySubscribers()
	s.mu.Unlock()

	s.broadcast(subs, FlowEvent{Type: FlowEventNew, Flow: f})
}

// Update notifies subscribers of a change to an existing flow.
func (s *FlowStore) Update(f *Flow, eventType FlowEventType) {
	s.mu.RLock()
	subs := s.copySubscribers()
	s.mu.RUnlock()
	s.broadcast(subs, FlowEvent{Type: eventType, Flow: f})
}

// Get returns the flow with the given ID, or nil if not found.
func (s *FlowStore) Get(id string) *Flow {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.index[id]
}

// ByHistoryID returns the flow with the given history id, or nil.
func (s *FlowStore) ByHistoryID(id int64) *Flow {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byHistory[id]
}

// Message implements History.
func (s *FlowStore) Message(id int64) (*message.Message, error) {
	f := s.ByHistoryID(id)
	if f == nil {
		return nil, ErrNotFound
	}
	return f.Message, nil
}

// LastID implements History.
func (s *FlowStore) LastID() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastID
}

// Tag adds tags to a flow and notifies subscribers. Unknown ids are ignored,
// since the flow may have been evicted while a scan was running.
func (s *FlowStore) Tag(flowID string, tags ...string) {
	f := s.Get(flowID)
	if f == nil || len(tags) == 0 {
		return
	}
	f.AddTags(tags...)
	s.Update(f, FlowEventUpdate)
}

// All returns flows in insertion order (oldest first).
func (s *FlowStore) All() []*Flow {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.count == 0 {
		return nil
	}
	result := make([]*Flow, 0, s.count)
	if s.count < s.capacity {
		for i := 0; i < s.count; i++ {
			if s.flows[i] != nil {
				result = append(result, s.flows[i])
			}
		}
	} else {
		for i := 0; i < s.capacity; i++ {
			idx := (s.head + i) % s.capacity
			if s.flows[idx] != nil {
				result = append(result, s.flows[idx])
			}
		}
	}
	return result
}

// Clear removes all flows from the store.
func (s *FlowStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flows = make([]*Flow, s.capacity)
	s.index = make(map[string]*Flow)
	s.byHistory = make(map[int64]*Flow)
	s.head = 0
	s.count = 0
}

// Count returns the number of flows currently held.
func (s *FlowStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.count
}

// Subscribe returns a channel that receives FlowEvents. The channel is
// buffered; slow consumers will have events dropped.
func (s *FlowStore) Subscribe() chan FlowEvent {
	ch := make(chan FlowEvent, 128)
	s.mu.Lock()
	s.subscribers = append(s.subscribers, ch)
	s.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes a subscription channel.
func (s *FlowStore) Unsubscribe(ch chan FlowEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, sub := range s.subscribers {
		if sub == ch {
			s.subscribers = append(s.subscribers[:i], s.subscribers[i+1:]...)
			close(ch)
			return
		}
	}
}

// copySubscribers returns a snapshot of the current subscriber list.
// Must be called with at least a read lock held.
func (s *FlowStore) copySubscribers() []chan FlowEvent {
	cp := make([]chan FlowEvent, len(s.subscribers))
	copy(cp, s.subscribers)
	return cp
}

func (s *FlowStore) broadcast(subs []chan FlowEvent, evt FlowEvent) {
	for _, ch := range subs {
		select {
		case ch <- evt:
		default:
			// Slow subscriber; drop the event rather than blocking.
		}
	}
}
