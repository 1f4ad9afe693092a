package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func deltaFrame(s string) string {
	b, _ := json.Marshal(map[string]any{
		"choices": []any{map[string]any{"delta": map[string]any{"content": s}}},
	})
	return "data: " + string(b) + "\n\n"
}

type fakeRelay struct {
	t *testing.T

	mu       sync.Mutex
	requests []ChatRequest
	stored   []Message

	chat func(w http.ResponseWriter, r *http.Request)
}

func (f *fakeRelay) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	assert.Equal(f.t, "Bearer tok", r.Header.Get("Authorization"))
	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/chat":
		var req ChatRequest
		require.NoError(f.t, json.NewDecoder(r.Body).Decode(&req))
		f.mu.Lock()
		f.requests = append(f.requests, req)
		f.mu.Unlock()
		f.chat(w, r)
	case r.Method == http.MethodGet && r.URL.Path == "/conversations/c1/messages":
		f.mu.Lock()
		defer f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]any{"messages": f.stored})
	default:
		http.NotFound(w, r)
	}
}

func streamFrames(frames ...string) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, f := range frames {
			_, _ = w.Write([]byte(f))
			w.(http.Flusher).Flush()
		}
	}
}

type recordedNote struct{ title, message string }

type notes struct {
	mu  sync.Mutex
	all []recordedNote
}

func (n *notes) Notify(title, message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.all = append(n.all, recordedNote{title, message})
}

func newSession(t *testing.T, relay *fakeRelay, reconcile bool, onDelta func(*Session, string)) (*Session, *notes) {
	t.Helper()
	relay.t = t
	srv := httptest.NewServer(relay)
	t.Cleanup(srv.Close)

	n := &notes{}
	var s *Session
	s = NewSession(Options{
		Client:         New(srv.URL, "tok"),
		ConversationID: "c1",
		Model:          "m1",
		Reconcile:      reconcile,
		Notifier:       n,
		OnDelta: func(d string) {
			if onDelta != nil {
				onDelta(s, d)
			}
		},
	})
	return s, n
}

func placeholders(msgs []Message) int {
	n := 0
	for _, m := range msgs {
		if m.ID == PlaceholderID {
			n++
		}
	}
	return n
}

func TestSend_StreamsAndReconciles(t *testing.T) {
	relay := &fakeRelay{
		chat: streamFrames(deltaFrame("Hel"), ": ping\n\n", deltaFrame("lo"), "data: [DONE]\n\n"),
		stored: []Message{
			{ID: "01A", ConversationID: "c1", Role: RoleUser, Content: "Hi"},
			{ID: "01B", ConversationID: "c1", Role: RoleAssistant, Content: "Hello"},
		},
	}

	var deltas []string
	s, n := newSession(t, relay, true, func(s *Session, d string) {
		deltas = append(deltas, d)
		msgs := s.Messages()
		assert.Equal(t, 1, placeholders(msgs))
		assert.Equal(t, PlaceholderID, msgs[len(msgs)-1].ID)
		assert.Equal(t, StatusStreaming, s.Status())
	})

	res, err := s.Send(context.Background(), "  Hi ")
	require.NoError(t, err)
	assert.True(t, res.Done)
	assert.False(t, res.Stopped)
	assert.Equal(t, "Hello", res.Content)
	assert.Equal(t, []string{"Hel", "lo"}, deltas)
	assert.Equal(t, StatusReady, s.Status())
	assert.Empty(t, n.all)

	// the placeholder was replaced by the stored copy, not duplicated
	assert.Equal(t, relay.stored, s.Messages())

	require.Len(t, relay.requests, 1)
	assert.Equal(t, ChatRequest{
		ConversationID: "c1",
		Model:          "m1",
		Messages:       []ChatMessage{{Role: RoleUser, Content: "Hi"}},
	}, relay.requests[0])
}

func TestSend_KeepsReplyWhenNotYetStored(t *testing.T) {
	relay := &fakeRelay{
		chat:   streamFrames(deltaFrame("Hello"), "data: [DONE]\n\n"),
		stored: []Message{{ID: "01A", ConversationID: "c1", Role: RoleUser, Content: "Hi"}},
	}
	s, _ := newSession(t, relay, true, nil)

	_, err := s.Send(context.Background(), "Hi")
	require.NoError(t, err)

	msgs := s.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "01A", msgs[0].ID)
	assert.Equal(t, RoleAssistant, msgs[1].Role)
	assert.Equal(t, "Hello", msgs[1].Content)
	assert.True(t, strings.HasPrefix(msgs[1].ID, "local-"))
	assert.Zero(t, placeholders(msgs))
}

func TestSend_SecondTurnCarriesHistory(t *testing.T) {
	relay := &fakeRelay{chat: streamFrames(deltaFrame("A1"), "data: [DONE]\n\n")}
	s, _ := newSession(t, relay, false, nil)

	_, err := s.Send(context.Background(), "Q1")
	require.NoError(t, err)
	_, err = s.Send(context.Background(), "Q2")
	require.NoError(t, err)

	require.Len(t, relay.requests, 2)
	assert.Equal(t, []ChatMessage{
		{Role: RoleUser, Content: "Q1"},
		{Role: RoleAssistant, Content: "A1"},
		{Role: RoleUser, Content: "Q2"},
	}, relay.requests[1].Messages)

	msgs := s.Messages()
	require.Len(t, msgs, 4)
	assert.Zero(t, placeholders(msgs))
}

func TestSend_ErrorBeforeStream(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		title  string
	}{
		{"rate limited", http.StatusTooManyRequests, `{"error":"Rate limit exceeded","retryAfter":60}`, "Slow down"},
		{"quota", http.StatusPaymentRequired, `{"error":"Payment required"}`, "Credits exhausted"},
		{"server", http.StatusInternalServerError, `{"error":"Failed to save message"}`, "Something went wrong"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			relay := &fakeRelay{chat: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}}
			s, n := newSession(t, relay, false, nil)

			_, err := s.Send(context.Background(), "Hi")
			var re *RequestError
			require.ErrorAs(t, err, &re)
			assert.Equal(t, tc.status, re.Status)

			assert.Equal(t, StatusError, s.Status())
			assert.Empty(t, s.Messages(), "optimistic user message must be removed")
			require.Len(t, n.all, 1)
			assert.Equal(t, tc.title, n.all[0].title)
		})
	}

	relay := &fakeRelay{chat: func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":"Rate limit exceeded","retryAfter":60}`))
	}}
	s, _ := newSession(t, relay, false, nil)
	_, err := s.Send(context.Background(), "Hi")
	var re *RequestError
	require.ErrorAs(t, err, &re)
	assert.True(t, re.RateLimited())
	assert.Equal(t, 60, re.RetryAfter)
}

func TestSend_StopMidStream(t *testing.T) {
	relay := &fakeRelay{chat: func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte(deltaFrame("The capital")))
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}}
	s, n := newSession(t, relay, true, func(s *Session, d string) {
		s.Stop()
	})

	res, err := s.Send(context.Background(), "Capital of France?")
	require.NoError(t, err)
	assert.True(t, res.Stopped)
	assert.Equal(t, "The capital", res.Content)
	assert.Equal(t, StatusReady, s.Status())
	assert.Empty(t, n.all)

	msgs := s.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "Capital of France?", msgs[0].Content)
	assert.Equal(t, "The capital", msgs[1].Content)
	assert.Zero(t, placeholders(msgs))
}

func TestSend_ConnectionDropKeepsPartial(t *testing.T) {
	relay := &fakeRelay{chat: func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte(deltaFrame("partial")))
		w.(http.Flusher).Flush()
		panic(http.ErrAbortHandler)
	}}
	s, n := newSession(t, relay, false, nil)

	res, err := s.Send(context.Background(), "Hi")
	require.Error(t, err)
	assert.Equal(t, "partial", res.Content)
	assert.Equal(t, StatusError, s.Status())
	require.Len(t, n.all, 1)

	msgs := s.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "partial", msgs[1].Content)
}

func TestReload_FiltersSystem(t *testing.T) {
	relay := &fakeRelay{stored: []Message{
		{ID: "01S", Role: "system", Content: "legacy"},
		{ID: "01A", Role: RoleUser, Content: "Hi"},
	}}
	s, _ := newSession(t, relay, false, nil)

	require.NoError(t, s.Reload(context.Background()))
	msgs := s.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "01A", msgs[0].ID)
}
