package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/suPer8Hu/chat-relay/internal/ai"
	"github.com/suPer8Hu/chat-relay/internal/auth"
	"github.com/suPer8Hu/chat-relay/internal/common"
	"github.com/suPer8Hu/chat-relay/internal/observability"
	"github.com/suPer8Hu/chat-relay/internal/ratelimit"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Store is the conversation store the relay and the auxiliary endpoints use.
type Store interface {
	MessageInserter
	ListMessages(ctx context.Context, userID, conversationID string) ([]Message, error)
	CreateConversation(ctx context.Context, c *Conversation) error
}

type RateLimiter interface {
	Allow(ctx context.Context, userID string) ratelimit.Decision
}

type Options struct {
	Store        Store
	Gateway      ai.Gateway
	Identity     auth.IdentityProvider
	Limiter      RateLimiter
	Writer       BackgroundWriter
	SystemPrompt string
	DefaultModel string
	Logger       *zap.Logger
	Metrics      *observability.Metrics
}

type Service struct {
	store        Store
	gateway      ai.Gateway
	identity     auth.IdentityProvider
	limiter      RateLimiter
	writer       BackgroundWriter
	systemPrompt string
	defaultModel string
	logger       *zap.Logger
	metrics      *observability.Metrics
}

const defaultModel = "google/gemini-2.5-flash"

func NewService(o Options) *Service {
	if o.DefaultModel == "" {
		o.DefaultModel = defaultModel
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Metrics == nil {
		o.Metrics = observability.Nop()
	}
	return &Service{
		store:        o.Store,
		gateway:      o.Gateway,
		identity:     o.Identity,
		limiter:      o.Limiter,
		writer:       o.Writer,
		systemPrompt: o.SystemPrompt,
		defaultModel: o.DefaultModel,
		logger:       o.Logger.Named("relay"),
		metrics:      o.Metrics,
	}
}

// InboundMessage is one entry of the request's messages array. Content is
// kept raw because callers may send non-string values.
type InboundMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// Text is the content as a string: JSON strings are unquoted, null or
// missing is empty, anything else is its JSON text.
func (m InboundMessage) Text() string {
	raw := bytes.TrimSpace(m.Content)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
	}
	return string(raw)
}

type ChatRequest struct {
	ConversationID string
	Messages       []InboundMessage
	Model          string
}

// ParseChatRequest applies validation steps 1-4 in order.
func ParseChatRequest(body []byte) (*ChatRequest, error) {
	if !json.Valid(body) {
		return nil, validationError(MsgInvalidJSON)
	}

	// non-object bodies decode as an empty request and fail the field checks
	var raw struct {
		ConversationID any             `json:"conversationId"`
		Messages       json.RawMessage `json:"messages"`
		Model          any             `json:"model"`
	}
	_ = json.Unmarshal(body, &raw)

	convID, _ := raw.ConversationID.(string)
	if strings.TrimSpace(convID) == "" {
		return nil, validationError(MsgConversationID)
	}

	var msgs []InboundMessage
	if err := json.Unmarshal(raw.Messages, &msgs); err != nil || len(msgs) == 0 {
		return nil, validationError(MsgNoMessages)
	}
	if strings.TrimSpace(msgs[len(msgs)-1].Text()) == "" {
		return nil, validationError(MsgEmptyContent)
	}

	model, _ := raw.Model.(string)
	return &ChatRequest{
		ConversationID: convID,
		Messages:       msgs,
		Model:          strings.TrimSpace(model),
	}, nil
}

// Open validates and authenticates one chat request, persists the user turn
// and opens the upstream stream. The user-message write and the upstream
// call overlap, but a Relay is only returned once the write has succeeded.
// Every failure is a *Error and nothing has been sent to the caller yet.
func (s *Service) Open(ctx context.Context, body []byte, authorization string) (*Relay, error) {
	req, err := ParseChatRequest(body)
	if err != nil {
		s.countOutcome(err)
		return nil, err
	}

	principal, err := s.authenticate(ctx, authorization)
	if err != nil {
		s.countOutcome(err)
		return nil, err
	}

	if d := s.limiter.Allow(ctx, principal.ID); !d.Allowed {
		s.logger.Info("rate limited",
			zap.String("user_id", principal.ID),
			zap.Int64("count", d.Count))
		err := rateLimitError(MsgRateLimited, int(d.RetryAfter/time.Second))
		s.countOutcome(err)
		return nil, err
	}

	relay, err := s.open(ctx, principal, req)
	s.countOutcome(err)
	return relay, err
}

func (s *Service) authenticate(ctx context.Context, authorization string) (auth.Principal, error) {
	token, ok := auth.BearerToken(authorization)
	if !ok {
		return auth.Principal{}, authError(auth.ErrMissingToken)
	}
	p, err := s.identity.Verify(ctx, token)
	if err != nil {
		return auth.Principal{}, authError(err)
	}
	return p, nil
}

func (s *Service) open(ctx context.Context, principal auth.Principal, req *ChatRequest) (*Relay, error) {
	model := req.Model
	if model == "" {
		model = s.defaultModel
	}

	msgID, err := common.NewULID()
	if err != nil {
		return nil, persistenceError(err)
	}
	userMsg := &Message{
		ID:             msgID,
		ConversationID: req.ConversationID,
		UserID:         principal.ID,
		Role:           RoleUser,
		Content:        strings.TrimSpace(req.Messages[len(req.Messages)-1].Text()),
	}

	upstream := make([]ai.Message, 0, len(req.Messages)+1)
	upstream = append(upstream, ai.SystemMessage(s.systemPrompt))
	for _, m := range req.Messages {
		upstream = append(upstream, ai.Message{Role: m.Role, Content: m.Text()})
	}

	// the upstream context outlives Open: it is cancelled when the relay ends
	// or when persisting the user turn fails
	upCtx, cancelUp := context.WithCancel(ctx)

	var (
		g     errgroup.Group
		resp  *http.Response
		upErr error
	)
	g.Go(func() error {
		if err := s.store.InsertMessage(ctx, userMsg); err != nil {
			cancelUp()
			return err
		}
		return nil
	})
	g.Go(func() error {
		resp, upErr = s.gateway.OpenStream(upCtx, model, upstream)
		return nil
	})

	if err := g.Wait(); err != nil {
		if resp != nil {
			_ = resp.Body.Close()
		}
		cancelUp()
		s.logger.Error("persist user message failed",
			zap.String("conversation_id", req.ConversationID),
			zap.String("user_id", principal.ID),
			zap.Error(err))
		return nil, persistenceError(err)
	}

	if upErr != nil {
		cancelUp()
		s.logger.Error("gateway request failed", zap.String("model", model), zap.Error(upErr))
		return nil, upstreamError(upErr)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail := ai.ReadErrorBody(resp)
		_ = resp.Body.Close()
		cancelUp()
		s.logger.Warn("gateway returned error status",
			zap.Int("status", resp.StatusCode),
			zap.String("model", model),
			zap.String("body", detail))

		switch resp.StatusCode {
		case http.StatusTooManyRequests:
			return nil, rateLimitError(MsgUpstreamRateLimit, 60)
		case http.StatusPaymentRequired:
			return nil, quotaError()
		default:
			return nil, upstreamError(errors.New(detail))
		}
	}

	return &Relay{
		svc:            s,
		body:           resp.Body,
		cancel:         cancelUp,
		conversationID: req.ConversationID,
		userID:         principal.ID,
		model:          model,
		opened:         time.Now(),
	}, nil
}

func (s *Service) countOutcome(err error) {
	outcome := "ok"
	var e *Error
	if errors.As(err, &e) {
		outcome = string(e.Kind)
	} else if err != nil {
		outcome = "error"
	}
	s.metrics.RequestsTotal.WithLabelValues(outcome).Inc()
}

func (s *Service) ListMessages(ctx context.Context, userID, conversationID string) ([]Message, error) {
	return s.store.ListMessages(ctx, userID, conversationID)
}

func (s *Service) CreateConversation(ctx context.Context, userID, title string) (*Conversation, error) {
	c := &Conversation{UserID: userID, Title: DeriveTitle(title)}
	if err := s.store.CreateConversation(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// Identity exposes the identity provider to the HTTP auth middleware.
func (s *Service) Identity() auth.IdentityProvider { return s.identity }
