package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fidiego/hookproxy/pkg/pscan"
	"github.com/fidiego/hookproxy/pkg/script"
	"github.com/fidiego/hookproxy/pkg/script/native"
)

func openTemp(t *testing.T) (*DB, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hookproxy.db")
	db, err := Open(context.Background(), path)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db, path
}

func TestScriptStateRoundTrip(t *testing.T) {
	db, _ := openTemp(t)
	ctx := context.Background()

	require.NoError(t, db.SaveStates(ctx,
		script.State{Type: script.Proxy, Name: "a", Enabled: true, Order: 1},
		script.State{Type: script.Proxy, Name: "b", Enabled: false, Order: 0},
	))
	require.NoError(t, db.SaveStates(ctx, script.State{Type: script.Proxy, Name: "a", Enabled: false, Order: 2}))

	states, err := db.LoadStates(ctx)
	require.NoError(t, err)
	assert.Equal(t, []script.State{
		{Type: script.Proxy, Name: "b", Enabled: false, Order: 0},
		{Type: script.Proxy, Name: "a", Enabled: false, Order: 2},
	}, states)

	require.NoError(t, db.DeleteState(ctx, script.Proxy, "b"))
	states, err = db.LoadStates(ctx)
	require.NoError(t, err)
	assert.Len(t, states, 1)
}

// TestStoreStateSurvivesRestart checks enable flags and order outlive the
// store through the database.
func TestStoreStateSurvivesRestart(t *testing.T) {
	_, path := openTemp(t)
	ctx := context.Background()
	unit := func(name string) *script.Unit {
		return native.Script{
			script.InvokeWith: func(context.Context, ...any) (any, error) { return nil, nil },
		}.Unit(name, script.Targeted)
	}

	db1, err := Open(ctx, path)
	require.NoError(t, err)
	s1 := script.NewStore(script.WithStateStore(db1))
	require.NoError(t, s1.Add(unit("first")))
	require.NoError(t, s1.Add(unit("second")))
	require.NoError(t, s1.SetEnabled(script.Targeted, "first", false))
	require.NoError(t, s1.Move(script.Targeted, "second", 0))
	require.NoError(t, db1.Close())

	db2, err := Open(ctx, path)
	require.NoError(t, err)
	defer db2.Close()
	s2 := script.NewStore(script.WithStateStore(db2))
	require.NoError(t, s2.Add(unit("first")))
	require.NoError(t, s2.Add(unit("second")))

	all := s2.List(script.Targeted)
	require.Len(t, all, 2)
	assert.Equal(t, "second", all[0].Name())
	assert.Equal(t, "first", all[1].Name())
	assert.False(t, all[1].Enabled())
	assert.True(t, all[0].Enabled())
}

func TestAlerts(t *testing.T) {
	db, _ := openTemp(t)
	ctx := context.Background()
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	for i, name := range []string{"first", "second"} {
		require.NoError(t, db.SaveAlert(ctx, pscan.Alert{
			HistoryID: int64(i + 1), Script: "s", Name: name, Risk: pscan.RiskHigh,
			Confidence: pscan.ConfidenceMedium, URI: "http://x/", CWEID: 200, RaisedAt: at,
		}))
	}

	alerts, err := db.Alerts(ctx, 0)
	require.NoError(t, err)
	require.Len(t, alerts, 2)
	assert.Equal(t, "second", alerts[0].Name)
	assert.EqualValues(t, 2, alerts[0].ID)
	assert.Equal(t, 200, alerts[0].CWEID)
	assert.True(t, at.Equal(alerts[0].RaisedAt))

	alerts, err = db.Alerts(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, alerts, 1)
}

func TestOpenMemory(t *testing.T) {
	db, err := Open(context.Background(), ":memory:")
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, db.SaveAlert(context.Background(), pscan.Alert{Name: "m"}))
	alerts, err := db.Alerts(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, alerts, 1)
}
