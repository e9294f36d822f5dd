package script_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fidiego/hookproxy/pkg/script"
	"github.com/fidiego/hookproxy/pkg/script/native"
)

func passUnit(name string) *script.Unit {
	return native.Script{
		script.ProxyRequest:  func(context.Context, ...any) (any, error) { return true, nil },
		script.ProxyResponse: func(context.Context, ...any) (any, error) { return true, nil },
	}.Unit(name, script.Proxy)
}

func names(s script.Snapshot) []string {
	var out []string
	for u := range s.All() {
		out = append(out, u.Name())
	}
	return out
}

func TestStore_AddKeepsInsertionOrder(t *testing.T) {
	s := script.NewStore()
	require.NoError(t, s.Add(passUnit("one")))
	require.NoError(t, s.Add(passUnit("two")))
	require.NoError(t, s.Add(passUnit("three")))

	assert.Equal(t, []string{"one", "two", "three"}, names(s.ListEnabled(script.Proxy)))
	assert.Equal(t, 3, s.Len())
}

func TestStore_DuplicateName(t *testing.T) {
	s := script.NewStore()
	require.NoError(t, s.Add(passUnit("dup")))

	err := s.Add(passUnit("dup"))
	assert.ErrorIs(t, err, script.ErrDuplicateName)

	// The same name under another hook type is fine.
	other := native.Script{
		script.InvokeWith: func(context.Context, ...any) (any, error) { return nil, nil },
	}.Unit("dup", script.Targeted)
	assert.NoError(t, s.Add(other))
}

func TestStore_SnapshotUnaffectedByLaterWrites(t *testing.T) {
	s := script.NewStore()
	require.NoError(t, s.Add(passUnit("a")))
	require.NoError(t, s.Add(passUnit("b")))

	snap := s.ListEnabled(script.Proxy)
	require.NoError(t, s.SetEnabled(script.Proxy, "a", false))
	require.NoError(t, s.Add(passUnit("c")))
	require.NoError(t, s.Remove(script.Proxy, "b"))

	assert.Equal(t, []string{"a", "b"}, names(snap))
	assert.Equal(t, []string{"c"}, names(s.ListEnabled(script.Proxy)))
}

func TestStore_ConcurrentToggleAndSnapshot(t *testing.T) {
	s := script.NewStore()
	for _, n := range []string{"a", "b", "c", "d"} {
		require.NoError(t, s.Add(passUnit(n)))
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := range 500 {
			_ = s.SetEnabled(script.Proxy, "b", i%2 == 0)
		}
	}()
	go func() {
		defer wg.Done()
		for range 500 {
			got := names(s.ListEnabled(script.Proxy))
			// Either b is in its slot or it is absent; order never changes.
			if len(got) == 4 {
				assert.Equal(t, []string{"a", "b", "c", "d"}, got)
			} else {
				assert.Equal(t, []string{"a", "c", "d"}, got)
			}
		}
	}()
	wg.Wait()
}

func TestStore_Move(t *testing.T) {
	s := script.NewStore()
	for _, n := range []string{"a", "b", "c"} {
		require.NoError(t, s.Add(passUnit(n)))
	}

	require.NoError(t, s.Move(script.Proxy, "c", 0))
	assert.Equal(t, []string{"c", "a", "b"}, names(s.ListEnabled(script.Proxy)))

	require.NoError(t, s.Move(script.Proxy, "c", 99))
	assert.Equal(t, []string{"a", "b", "c"}, names(s.ListEnabled(script.Proxy)))

	u, ok := s.Get(script.Proxy, "b")
	require.True(t, ok)
	assert.Equal(t, 1, u.Order())

	assert.ErrorIs(t, s.Move(script.Proxy, "zzz", 0), script.ErrNotFound)
}

func TestStore_RemoveMissing(t *testing.T) {
	s := script.NewStore()
	assert.ErrorIs(t, s.Remove(script.Proxy, "nope"), script.ErrNotFound)
	assert.ErrorIs(t, s.SetEnabled(script.Proxy, "nope", true), script.ErrNotFound)
}

func TestStore_AppliesSavedState(t *testing.T) {
	st := &memStates{states: []script.State{
		{Type: script.Proxy, Name: "late", Enabled: true, Order: 0},
		{Type: script.Proxy, Name: "early", Enabled: false, Order: 5},
	}}
	s := script.NewStore(script.WithStateStore(st))

	early := passUnit("early")
	require.NoError(t, s.Add(early))
	require.NoError(t, s.Add(passUnit("late")))
	require.NoError(t, s.Add(passUnit("new")))

	assert.False(t, early.Enabled())
	all := s.List(script.Proxy)
	require.Len(t, all, 3)
	assert.Equal(t, "late", all[0].Name())
	assert.Equal(t, "early", all[1].Name())
	assert.Equal(t, "new", all[2].Name())
	assert.Equal(t, 6, all[2].Order())

	require.NoError(t, s.SetEnabled(script.Proxy, "early", true))
	saved := st.get(script.Proxy, "early")
	assert.True(t, saved.Enabled)

	require.NoError(t, s.Remove(script.Proxy, "new"))
	assert.Contains(t, st.deleted, "new")
}

func TestStore_Infos(t *testing.T) {
	s := script.NewStore()
	require.NoError(t, s.Add(passUnit("p")))
	infos := s.Infos()
	require.Len(t, infos, 1)
	assert.Equal(t, "p", infos[0].Name)
	assert.True(t, infos[0].Enabled)
	assert.Equal(t, native.RuntimeName, infos[0].Runtime)
}

type memStates struct {
	mu      sync.Mutex
	states  []script.State
	deleted []string
}

func (m *memStates) LoadStates(context.Context) ([]script.State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]script.State(nil), m.states...), nil
}

func (m *memStates) SaveStates(_ context.Context, states ...script.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, st := range states {
		replaced := false
		for i := range m.states {
			if m.states[i].Type == st.Type && m.states[i].Name == st.Name {
				m.states[i] = st
				replaced = true
			}
		}
		if !replaced {
			m.states = append(m.states, st)
		}
	}
	return nil
}

func (m *memStates) DeleteState(_ context.Context, _ script.HookType, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, name)
	return nil
}

func (m *memStates) get(t script.HookType, name string) script.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, st := range m.states {
		if st.Type == t && st.Name == name {
			return st
		}
	}
	return script.State{}
}
