package client

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/suPer8Hu/chat-relay/internal/stream"
	"go.uber.org/zap"
)

type Status string

const (
	StatusReady     Status = "ready"
	StatusSubmitted Status = "submitted"
	StatusStreaming Status = "streaming"
	StatusError     Status = "error"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	roleSystem    = "system"
)

// PlaceholderID marks the assistant entry that is still being streamed.
const PlaceholderID = "streaming-assistant"

var ErrBusy = errors.New("client: a request is already in flight")

type Options struct {
	Client         *Client
	ConversationID string
	Model          string
	// Reconcile re-reads the stored conversation after a completed stream.
	Reconcile bool
	Notifier  Notifier
	// OnDelta is called with every non-empty delta, in order.
	OnDelta func(delta string)
	Logger  *zap.Logger
}

// Result describes how one Send ended.
type Result struct {
	Content string
	// Done is true when the relay's [DONE] arrived.
	Done bool
	// Stopped is true when Stop (or the caller's ctx) ended the stream.
	Stopped bool
}

// Session holds one conversation's local message list and drives at most one
// stream at a time. It is safe for concurrent use; Stop is typically called
// from another goroutine than Send.
type Session struct {
	opts Options

	mu       sync.Mutex
	messages []Message
	status   Status
	cancel   context.CancelFunc
	stopped  bool
}

func NewSession(o Options) *Session {
	if o.Notifier == nil {
		o.Notifier = nopNotifier{}
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return &Session{opts: o, status: StatusReady}
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Messages returns a copy of the local message list.
func (s *Session) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.messages...)
}

// Stop aborts the in-flight request. Content already rendered stays.
func (s *Session) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.stopped = true
		s.cancel()
	}
}

// Reload replaces the local list with the stored conversation.
func (s *Session) Reload(ctx context.Context) error {
	msgs, err := s.opts.Client.ListMessages(ctx, s.opts.ConversationID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.messages = visible(msgs)
	s.mu.Unlock()
	return nil
}

// Send appends text as a user turn and streams the assistant reply into the
// local list.
func (s *Session) Send(ctx context.Context, text string) (Result, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Result{}, errors.New("client: message content cannot be empty")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	if s.status == StatusSubmitted || s.status == StatusStreaming {
		s.mu.Unlock()
		return Result{}, ErrBusy
	}
	userMsg := Message{ID: localID(), ConversationID: s.opts.ConversationID, Role: RoleUser, Content: text}
	s.messages = append(s.messages, userMsg)
	req := ChatRequest{
		ConversationID: s.opts.ConversationID,
		Messages:       history(s.messages),
		Model:          s.opts.Model,
	}
	s.status = StatusSubmitted
	s.cancel = cancel
	s.stopped = false
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.cancel = nil
		s.mu.Unlock()
	}()

	resp, err := s.opts.Client.OpenChat(ctx, req)
	if err != nil {
		if s.wasStopped(ctx) {
			// the optimistic user turn stays
			s.setStatus(StatusReady)
			return Result{Stopped: true}, nil
		}
		s.mu.Lock()
		s.removeMessage(userMsg.ID)
		s.status = StatusError
		s.mu.Unlock()
		s.notify(err)
		return Result{}, err
	}
	defer resp.Body.Close()

	s.setStatus(StatusStreaming)

	var content strings.Builder
	res, err := stream.Pump(ctx, resp.Body, stream.SinkFunc(func(_ json.RawMessage, delta string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if delta == "" {
			return nil
		}
		content.WriteString(delta)
		s.upsertPlaceholder(content.String())
		if s.opts.OnDelta != nil {
			s.opts.OnDelta(delta)
		}
		return nil
	}))
	out := Result{Content: content.String(), Done: res.Done}

	switch {
	case s.wasStopped(ctx):
		out.Stopped = true
		s.mu.Lock()
		s.settlePlaceholder()
		s.status = StatusReady
		s.mu.Unlock()
		return out, nil

	case err != nil:
		// the connection dropped mid-stream: keep what arrived
		s.mu.Lock()
		s.settlePlaceholder()
		s.status = StatusError
		s.mu.Unlock()
		s.opts.Logger.Warn("stream interrupted", zap.Int("received", len(out.Content)), zap.Error(err))
		s.notify(err)
		return out, err
	}

	if s.opts.Reconcile {
		if err := s.reconcile(context.WithoutCancel(ctx), out.Content); err != nil {
			s.opts.Logger.Warn("reconcile failed", zap.Error(err))
		}
	}
	s.mu.Lock()
	s.settlePlaceholder()
	s.status = StatusReady
	s.mu.Unlock()
	return out, nil
}

// reconcile swaps the local list for the stored one. The assistant row is
// written in the background and may not be visible yet; in that case the
// streamed reply is kept after the stored messages.
func (s *Session) reconcile(ctx context.Context, content string) error {
	stored, err := s.opts.Client.ListMessages(ctx, s.opts.ConversationID)
	if err != nil {
		return err
	}
	stored = visible(stored)

	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(stored)
	persisted := n > 0 && stored[n-1].Role == RoleAssistant &&
		strings.TrimSpace(stored[n-1].Content) == strings.TrimSpace(content)
	if persisted || strings.TrimSpace(content) == "" {
		s.messages = stored
		return nil
	}
	if i := len(s.messages) - 1; i >= 0 && s.messages[i].ID == PlaceholderID {
		stored = append(stored, s.messages[i])
	}
	s.messages = stored
	return nil
}

// upsertPlaceholder keeps exactly one in-progress assistant entry, always last.
func (s *Session) upsertPlaceholder(content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := len(s.messages); n > 0 && s.messages[n-1].ID == PlaceholderID {
		s.messages[n-1].Content = content
		return
	}
	s.messages = append(s.messages, Message{
		ID:             PlaceholderID,
		ConversationID: s.opts.ConversationID,
		Role:           RoleAssistant,
		Content:        content,
	})
}

// settlePlaceholder gives a finished placeholder a local id so the next
// stream starts a fresh one. Callers hold mu.
func (s *Session) settlePlaceholder() {
	for i := range s.messages {
		if s.messages[i].ID == PlaceholderID {
			s.messages[i].ID = localID()
		}
	}
}

// removeMessage drops the message with id. Callers hold mu.
func (s *Session) removeMessage(id string) {
	for i := len(s.messages) - 1; i >= 0; i-- {
		if s.messages[i].ID == id {
			s.messages = append(s.messages[:i], s.messages[i+1:]...)
			return
		}
	}
}

func (s *Session) setStatus(st Status) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
}

// wasStopped reports a deliberate abort: Stop, or the caller cancelling ctx.
func (s *Session) wasStopped(ctx context.Context) bool {
	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()
	return stopped || errors.Is(ctx.Err(), context.Canceled)
}

func (s *Session) notify(err error) {
	title, msg := notification(err)
	s.opts.Notifier.Notify(title, msg)
}

func history(msgs []Message) []ChatMessage {
	out := make([]ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		if m.Role != RoleUser && m.Role != RoleAssistant {
			continue
		}
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		out = append(out, ChatMessage{Role: m.Role, Content: m.Content})
	}
	return out
}

func visible(msgs []Message) []Message {
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == roleSystem {
			continue
		}
		out = append(out, m)
	}
	return out
}

func localID() string { return "local-" + uuid.NewString() }
