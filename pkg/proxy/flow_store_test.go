package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fidiego/hookproxy/pkg/message"
)

func testFlow(id string) *Flow {
	return &Flow{
		ID:      id,
		Message: message.New(&message.Request{Method: "GET", URL: "http://example.com/" + id, Headers: http.Header{}}),
		State:   FlowStateActive,
	}
}

func TestFlowStore_HistoryIDsAndEviction(t *testing.T) {
	s := NewFlowStore(2)
	for _, id := range []string{"a", "b", "c"} {
		s.Add(testFlow(id))
	}

	assert.EqualValues(t, 3, s.LastID())
	assert.Equal(t, 2, s.Count())
	assert.Nil(t, s.Get("a"))

	_, err := s.Message(1)
	assert.ErrorIs(t, err, ErrNotFound)

	m, err := s.Message(3)
	require.NoError(t, err)
	assert.Equal(t, "http://example.com/c", m.Request.URL)

	var ids []string
	for _, f := range s.All() {
		ids = append(ids, f.ID)
	}
	assert.Equal(t, []string{"b", "c"}, ids)

	s.Clear()
	s.Add(testFlow("d"))
	assert.EqualValues(t, 4, s.ByHistoryID(4).HistoryID)
}

func TestFlowStore_TagNotifiesSubscribers(t *testing.T) {
	s := NewFlowStore(10)
	f := testFlow("a")
	s.Add(f)
	ch := s.Subscribe()
	defer s.Unsubscribe(ch)

	s.Tag("a", "sqli", "sqli", "")
	s.Tag("missing", "x")

	ev := <-ch
	assert.Equal(t, FlowEventUpdate, ev.Type)
	assert.Equal(t, []string{"sqli"}, f.TagList())
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event %v", ev.Type)
	default:
	}
}

func TestFlow_InterceptEndsWithContext(t *testing.T) {
	f := testFlow("a")
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	paused := false
	ok := f.Intercept(ctx, func() { paused = true })
	assert.False(t, ok)
	assert.True(t, paused)
	assert.True(t, f.Killed())
	assert.True(t, f.WasIntercepted())
}

func TestFlow_KilledFlowIsNotPaused(t *testing.T) {
	f := testFlow("a")
	f.Kill()
	assert.False(t, f.Intercept(context.Background(), nil))
	assert.False(t, f.WasIntercepted())
}

// TestFlow_MarshalWhileEdited encodes a flow while tags and the message
// change underneath it. Run with -race.
func TestFlow_MarshalWhileEdited(t *testing.T) {
	s := NewFlowStore(10)
	f := testFlow("a")
	s.Add(f)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		for i := range 200 {
			s.Tag("a", fmt.Sprintf("t%d", i))
		}
	}()
	go func() {
		defer wg.Done()
		for i := range 200 {
			f.SetRequestBody([]byte(fmt.Sprintf("body %d", i)))
			f.AddNote("n")
		}
	}()
	go func() {
		defer wg.Done()
		for range 200 {
			_, err := json.Marshal(f)
			assert.NoError(t, err)
		}
	}()
	wg.Wait()

	data, err := json.Marshal(FlowEvent{Type: FlowEventUpdate, Flow: f})
	require.NoError(t, err)
	var got struct {
		Flow struct {
			ID      string `json:"id"`
			Tags    []string
			Request struct {
				Body []byte `json:"body"`
			} `json:"request"`
		} `json:"flow"`
	}
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "a", got.Flow.ID)
	assert.Len(t, got.Flow.Tags, 200)
	assert.Equal(t, "body 199", string(got.Flow.Request.Body))
}
