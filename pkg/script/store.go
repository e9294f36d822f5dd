package script

import (
	"context"
	"fmt"
	"iter"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
)

// State is the persisted part of a unit: whether it is enabled and where it
// sits in its hook type's order.
type State struct {
	Type    HookType
	Name    string
	Enabled bool
	Order   int
}

// StateStore persists unit state across restarts.
type StateStore interface {
	LoadStates(ctx context.Context) ([]State, error)
	SaveStates(ctx context.Context, states ...State) error
	DeleteState(ctx context.Context, t HookType, name string) error
}

// Snapshot is the ordered set of enabled units of one hook type, fixed at
// the time it was taken.
type Snapshot struct {
	units []*Unit
}

// All yields the units in order. It can be ranged over any number of times.
func (s Snapshot) All() iter.Seq[*Unit] {
	return func(yield func(*Unit) bool) {
		for _, u := range s.units {
			if !yield(u) {
				return
			}
		}
	}
}

// Len returns the number of units in the snapshot.
func (s Snapshot) Len() int { return len(s.units) }

// Store is the process-wide collection of script units, keyed by hook type
// and name. Writes are serialized; reads hand out immutable slices.
type Store struct {
	mu      sync.RWMutex
	units   map[HookType][]*Unit // every unit, in order
	enabled map[HookType][]*Unit // rebuilt on each write; never mutated in place
	state   StateStore
	saved   map[HookType]map[string]State
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithStateStore persists enable flags and order through st. Previously
// saved state is applied to units as they are added.
func WithStateStore(st StateStore) StoreOption {
	return func(s *Store) { s.state = st }
}

// NewStore returns an empty Store. When a state store is configured, the
// saved states are read once here.
func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		units:   make(map[HookType][]*Unit),
		enabled: make(map[HookType][]*Unit),
		saved:   make(map[HookType]map[string]State),
	}
	for _, o := range opts {
		o(s)
	}
	if s.state != nil {
		states, err := s.state.LoadStates(context.Background())
		if err != nil {
			log.Warn().Err(err).Msg("could not load saved script state")
		}
		for _, st := range states {
			if s.saved[st.Type] == nil {
				s.saved[st.Type] = make(map[string]State)
			}
			s.saved[st.Type][st.Name] = st
		}
	}
	return s
}

// Add registers u. It fails with ErrDuplicateName when a unit with the same
// hook type and name is already present.
func (s *Store) Add(u *Unit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.units[u.hook] {
		if existing.name == u.name {
			return loadError(u.name, u.hook, ErrDuplicateName, nil)
		}
	}

	if st, ok := s.saved[u.hook][u.name]; ok {
		u.enabled.Store(st.Enabled)
		u.order.Store(int64(st.Order))
	} else {
		u.order.Store(int64(s.nextOrder(u.hook)))
	}

	units := append(cloneUnits(s.units[u.hook]), u)
	sort.SliceStable(units, func(i, j int) bool { return units[i].Order() < units[j].Order() })
	s.units[u.hook] = units
	s.rebuild(u.hook)
	s.persist(stateOf(u))
	return nil
}

// Remove drops the named unit.
func (s *Store) Remove(t HookType, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.index(t, name)
	if i < 0 {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, t, name)
	}
	old := s.units[t]
	units := make([]*Unit, 0, len(old)-1)
	units = append(units, old[:i]...)
	units = append(units, old[i+1:]...)
	s.units[t] = units
	s.rebuild(t)
	delete(s.saved[t], name)

	if s.state != nil {
		if err := s.state.DeleteState(context.Background(), t, name); err != nil {
			log.Warn().Err(err).Str("script", name).Msg("could not delete saved script state")
		}
	}
	return nil
}

// SetEnabled toggles the named unit. Snapshots already taken are not
// affected.
func (s *Store) SetEnabled(t HookType, name string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.index(t, name)
	if i < 0 {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, t, name)
	}
	u := s.units[t][i]
	u.enabled.Store(enabled)
	s.rebuild(t)
	s.persist(stateOf(u))
	return nil
}

// Move places the named unit at position index within its hook type and
// renumbers the rest. Out of range indexes are clamped.
func (s *Store) Move(t HookType, name string, index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.index(t, name)
	if i < 0 {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, t, name)
	}
	units := cloneUnits(s.units[t])
	u := units[i]
	units = append(units[:i], units[i+1:]...)
	index = max(0, min(index, len(units)))
	units = append(units[:index], append([]*Unit{u}, units[index:]...)...)

	states := make([]State, len(units))
	for n, unit := range units {
		unit.order.Store(int64(n))
		states[n] = stateOf(unit)
	}
	s.units[t] = units
	s.rebuild(t)
	s.persist(states...)
	return nil
}

// Get returns the named unit.
func (s *Store) Get(t HookType, name string) (*Unit, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i := s.index(t, name)
	if i < 0 {
		return nil, false
	}
	return s.units[t][i], true
}

// List returns every unit of hook type t, enabled or not, in order.
func (s *Store) List(t HookType) []*Unit {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneUnits(s.units[t])
}

// ListEnabled takes a snapshot of the enabled units of hook type t.
func (s *Store) ListEnabled(t HookType) Snapshot {
	s.mu.RLock()
	units := s.enabled[t]
	s.mu.RUnlock()
	return Snapshot{units: units}
}

// Len returns the total number of units in the store.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, units := range s.units {
		n += len(units)
	}
	return n
}

// Infos returns a view of every unit, grouped by hook type in registry order.
func (s *Store) Infos() []Info {
	var infos []Info
	for _, t := range HookTypes() {
		for _, u := range s.List(t) {
			infos = append(infos, u.Info())
		}
	}
	return infos
}

// index finds a unit. Must be called with the lock held.
func (s *Store) index(t HookType, name string) int {
	for i, u := range s.units[t] {
		if u.name == name {
			return i
		}
	}
	return -1
}

// nextOrder returns one past the highest order in use for t.
// Must be called with the lock held.
func (s *Store) nextOrder(t HookType) int {
	next := 0
	for _, u := range s.units[t] {
		if o := u.Order(); o >= next {
			next = o + 1
		}
	}
	for _, st := range s.saved[t] {
		if st.Order >= next {
			next = st.Order + 1
		}
	}
	return next
}

// rebuild replaces the enabled slice for t. Must be called with the write
// lock held.
func (s *Store) rebuild(t HookType) {
	var enabled []*Unit
	for _, u := range s.units[t] {
		if u.Enabled() {
			enabled = append(enabled, u)
		}
	}
	s.enabled[t] = enabled
}

// persist saves states. Must be called with the write lock held, which
// keeps saves in the same order as the writes.
func (s *Store) persist(states ...State) {
	for _, st := range states {
		if s.saved[st.Type] == nil {
			s.saved[st.Type] = make(map[string]State)
		}
		s.saved[st.Type][st.Name] = st
	}
	if s.state == nil {
		return
	}
	if err := s.state.SaveStates(context.Background(), states...); err != nil {
		log.Warn().Err(err).Int("count", len(states)).Msg("could not save script state")
	}
}

func stateOf(u *Unit) State {
	return State{Type: u.hook, Name: u.name, Enabled: u.Enabled(), Order: u.Order()}
}

func cloneUnits(units []*Unit) []*Unit {
	cp := make([]*Unit, len(units))
	copy(cp, units)
	return cp
}
