package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	gormsqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suPer8Hu/chat-relay/internal/ai"
	"github.com/suPer8Hu/chat-relay/internal/auth"
	"github.com/suPer8Hu/chat-relay/internal/ratelimit"
	"gorm.io/gorm"
)

const testSecret = "test-secret"

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(gormsqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&Conversation{}, &Message{}))
	return db
}

func bearer(t *testing.T, userID string) string {
	t.Helper()
	tok, err := auth.SignJWT(userID, "", testSecret, time.Hour)
	require.NoError(t, err)
	return "Bearer " + tok
}

func sseDelta(s string) string {
	b, _ := json.Marshal(map[string]any{
		"choices": []any{map[string]any{"delta": map[string]any{"content": s}}},
	})
	return "data: " + string(b) + "\n"
}

type fakeGateway struct {
	mu     sync.Mutex
	status int
	chunks []string
	err    error
	calls  int
	model  string
	msgs   []ai.Message
}

func (g *fakeGateway) OpenStream(ctx context.Context, model string, messages []ai.Message) (*http.Response, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	g.model = model
	g.msgs = append([]ai.Message(nil), messages...)
	if g.err != nil {
		return nil, g.err
	}
	status := g.status
	if status == 0 {
		status = http.StatusOK
	}
	readers := make([]io.Reader, 0, len(g.chunks))
	for _, c := range g.chunks {
		readers = append(readers, strings.NewReader(c))
	}
	return &http.Response{StatusCode: status, Body: io.NopCloser(io.MultiReader(readers...))}, nil
}

func (g *fakeGateway) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

type recordingWriter struct {
	mu   sync.Mutex
	msgs []*Message
}

func (w *recordingWriter) Submit(ctx context.Context, m *Message) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.msgs = append(w.msgs, m)
}

type frameRecorder struct {
	frames []string
	failAt int // fail the n-th write (1-based); 0 never fails
}

func (f *frameRecorder) WriteFrame(data []byte) error {
	if f.failAt > 0 && len(f.frames)+1 == f.failAt {
		return errors.New("client went away")
	}
	f.frames = append(f.frames, string(data))
	return nil
}

type failingStore struct {
	*Repo
}

func (failingStore) InsertMessage(context.Context, *Message) error {
	return errors.New("insert failed")
}

type fixture struct {
	db      *gorm.DB
	repo    *Repo
	gateway *fakeGateway
	writer  *recordingWriter
	limiter *ratelimit.Limiter
	svc     *Service
}

func newFixture(t *testing.T, store func(*Repo) Store) *fixture {
	t.Helper()
	db := openTestDB(t)
	repo := NewRepo(db)
	var st Store = repo
	if store != nil {
		st = store(repo)
	}
	f := &fixture{
		db:      db,
		repo:    repo,
		gateway: &fakeGateway{},
		writer:  &recordingWriter{},
		limiter: ratelimit.NewLimiter(ratelimit.NewMemoryLog(time.Minute), ratelimit.EventChatRequest, 20, time.Minute, nil),
	}
	f.svc = NewService(Options{
		Store:        st,
		Gateway:      f.gateway,
		Identity:     auth.NewJWTVerifier(testSecret),
		Limiter:      f.limiter,
		Writer:       f.writer,
		SystemPrompt: "be helpful",
		DefaultModel: "default-model",
	})
	t.Cleanup(f.limiter.Wait)
	return f
}

func (f *fixture) messages(t *testing.T) []Message {
	t.Helper()
	var msgs []Message
	require.NoError(t, f.db.Order("created_at ASC").Find(&msgs).Error)
	return msgs
}

func requireKind(t *testing.T, err error, kind Kind, status int) *Error {
	t.Helper()
	var e *Error
	require.True(t, errors.As(err, &e), "want *Error, got %v", err)
	assert.Equal(t, kind, e.Kind)
	assert.Equal(t, status, e.Status)
	return e
}

func TestParseChatRequest_ValidationOrder(t *testing.T) {
	cases := []struct {
		body string
		msg  string
	}{
		{`{not json`, MsgInvalidJSON},
		{``, MsgInvalidJSON},
		{`{"messages":[{"content":"hi"}]}`, MsgConversationID},
		{`{"conversationId":"","messages":[{"content":"hi"}]}`, MsgConversationID},
		{`{"conversationId":7,"messages":[{"content":"hi"}]}`, MsgConversationID},
		{`[]`, MsgConversationID},
		{`{"conversationId":"c1"}`, MsgNoMessages},
		{`{"conversationId":"c1","messages":[]}`, MsgNoMessages},
		{`{"conversationId":"c1","messages":"hi"}`, MsgNoMessages},
		{`{"conversationId":"c1","messages":[{"content":"hi"},{"content":"   "}]}`, MsgEmptyContent},
		{`{"conversationId":"c1","messages":[{"role":"user"}]}`, MsgEmptyContent},
		{`{"conversationId":"c1","messages":[{"content":null}]}`, MsgEmptyContent},
	}
	for _, tc := range cases {
		_, err := ParseChatRequest([]byte(tc.body))
		e := requireKind(t, err, KindValidation, http.StatusBadRequest)
		assert.Equal(t, tc.msg, e.Message, tc.body)
	}

	req, err := ParseChatRequest([]byte(`{"conversationId":"c1","messages":[{"role":"user","content":42}],"model":" m "}`))
	require.NoError(t, err)
	assert.Equal(t, "42", req.Messages[0].Text())
	assert.Equal(t, "m", req.Model)
}

func TestOpen_RelaysDeltasAndPersists(t *testing.T) {
	f := newFixture(t, nil)
	f.gateway.chunks = []string{
		sseDelta("Hel"),
		"\n" + sseDelta("lo") + "\ndata: [DONE]\n\n",
	}

	body := `{"conversationId":"c1","messages":[{"role":"user","content":"Hi"}]}`
	relay, err := f.svc.Open(context.Background(), []byte(body), bearer(t, "u1"))
	require.NoError(t, err)

	out := &frameRecorder{}
	res := relay.Run(context.Background(), out)

	require.Len(t, out.frames, 3)
	assert.JSONEq(t, strings.TrimPrefix(strings.TrimSpace(sseDelta("Hel")), "data: "), out.frames[0])
	assert.JSONEq(t, strings.TrimPrefix(strings.TrimSpace(sseDelta("lo")), "data: "), out.frames[1])
	assert.Equal(t, "[DONE]", out.frames[2])
	assert.Equal(t, "Hello", res.Content)

	// upstream got the preamble, the conversation and the default model
	assert.Equal(t, "default-model", f.gateway.model)
	require.Len(t, f.gateway.msgs, 2)
	assert.Equal(t, ai.Message{Role: "system", Content: "be helpful"}, f.gateway.msgs[0])
	assert.Equal(t, ai.Message{Role: "user", Content: "Hi"}, f.gateway.msgs[1])

	msgs := f.messages(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, RoleUser, msgs[0].Role)
	assert.Equal(t, "Hi", msgs[0].Content)
	assert.Equal(t, "c1", msgs[0].ConversationID)
	assert.Equal(t, "u1", msgs[0].UserID)

	require.Len(t, f.writer.msgs, 1)
	assert.Equal(t, &Message{ConversationID: "c1", UserID: "u1", Role: RoleAssistant, Content: "Hello"}, f.writer.msgs[0])
}

func TestOpen_UsesRequestedModel(t *testing.T) {
	f := newFixture(t, nil)
	f.gateway.chunks = []string{"data: [DONE]\n"}

	relay, err := f.svc.Open(context.Background(),
		[]byte(`{"conversationId":"c1","model":"other/model","messages":[{"role":"user","content":"  Hi  "}]}`),
		bearer(t, "u1"))
	require.NoError(t, err)
	out := &frameRecorder{}
	relay.Run(context.Background(), out)

	assert.Equal(t, "other/model", f.gateway.model)
	assert.Equal(t, []string{"[DONE]"}, out.frames)
	// nothing streamed, nothing to persist for the assistant
	assert.Empty(t, f.writer.msgs)
	assert.Equal(t, "Hi", f.messages(t)[0].Content)
}

func TestOpen_MissingAuthorization(t *testing.T) {
	f := newFixture(t, nil)
	body := `{"conversationId":"c1","messages":[{"role":"user","content":"Hi"}]}`

	for _, h := range []string{"", "Bearer ", "Bearer garbage"} {
		_, err := f.svc.Open(context.Background(), []byte(body), h)
		e := requireKind(t, err, KindAuth, http.StatusUnauthorized)
		assert.Equal(t, MsgUnauthorized, e.Message)
	}
	assert.Empty(t, f.messages(t))
	assert.Zero(t, f.gateway.Calls())
}

func TestOpen_EmptyMessagesNeverReachesUpstream(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.svc.Open(context.Background(), []byte(`{"conversationId":"c1","messages":[]}`), bearer(t, "u1"))
	e := requireKind(t, err, KindValidation, http.StatusBadRequest)
	assert.Equal(t, MsgNoMessages, e.Message)
	assert.Zero(t, f.gateway.Calls())
	assert.Empty(t, f.messages(t))
}

func TestOpen_PaymentRequired(t *testing.T) {
	f := newFixture(t, nil)
	f.gateway.status = http.StatusPaymentRequired
	f.gateway.chunks = []string{`{"error":"out of credits"}`}

	_, err := f.svc.Open(context.Background(), []byte(`{"conversationId":"c1","messages":[{"content":"Hi"}]}`), bearer(t, "u1"))
	e := requireKind(t, err, KindQuota, http.StatusPaymentRequired)
	assert.Equal(t, MsgPaymentRequired, e.Message)

	// the user turn was committed before the upstream status was known
	msgs := f.messages(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, RoleUser, msgs[0].Role)
	assert.Empty(t, f.writer.msgs)
}

func TestOpen_UpstreamStatusMapping(t *testing.T) {
	cases := []struct {
		status int
		kind   Kind
		want   int
		retry  int
	}{
		{http.StatusTooManyRequests, KindRateLimit, http.StatusTooManyRequests, 60},
		{http.StatusBadGateway, KindUpstream, http.StatusInternalServerError, 0},
		{http.StatusBadRequest, KindUpstream, http.StatusInternalServerError, 0},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprint(tc.status), func(t *testing.T) {
			f := newFixture(t, nil)
			f.gateway.status = tc.status
			_, err := f.svc.Open(context.Background(), []byte(`{"conversationId":"c1","messages":[{"content":"Hi"}]}`), bearer(t, "u1"))
			e := requireKind(t, err, tc.kind, tc.want)
			assert.Equal(t, tc.retry, e.RetryAfter)
		})
	}
}

func TestOpen_GatewayUnreachable(t *testing.T) {
	f := newFixture(t, nil)
	f.gateway.err = errors.New("dial tcp: connection refused")

	_, err := f.svc.Open(context.Background(), []byte(`{"conversationId":"c1","messages":[{"content":"Hi"}]}`), bearer(t, "u1"))
	requireKind(t, err, KindUpstream, http.StatusInternalServerError)
	assert.Len(t, f.messages(t), 1)
}

func TestOpen_PersistenceFailureGatesStream(t *testing.T) {
	f := newFixture(t, func(r *Repo) Store { return failingStore{r} })
	f.gateway.chunks = []string{sseDelta("never shown"), "data: [DONE]\n"}

	relay, err := f.svc.Open(context.Background(), []byte(`{"conversationId":"c1","messages":[{"content":"Hi"}]}`), bearer(t, "u1"))
	assert.Nil(t, relay)
	requireKind(t, err, KindPersistence, http.StatusInternalServerError)
	assert.Empty(t, f.writer.msgs)
}

func TestOpen_RateLimited(t *testing.T) {
	f := newFixture(t, nil)
	f.gateway.chunks = []string{"data: [DONE]\n"}
	body := []byte(`{"conversationId":"c1","messages":[{"content":"Hi"}]}`)

	for i := 0; i < 20; i++ {
		relay, err := f.svc.Open(context.Background(), body, bearer(t, "u1"))
		require.NoError(t, err, "request %d", i+1)
		relay.Close()
		f.limiter.Wait()
	}

	_, err := f.svc.Open(context.Background(), body, bearer(t, "u1"))
	e := requireKind(t, err, KindRateLimit, http.StatusTooManyRequests)
	assert.Equal(t, 60, e.RetryAfter)
	assert.Equal(t, MsgRateLimited, e.Message)
	assert.Equal(t, 20, f.gateway.Calls())
}

func TestRelay_ClientDisconnectStillPersistsPartial(t *testing.T) {
	f := newFixture(t, nil)
	f.gateway.chunks = []string{sseDelta("The capital"), sseDelta(" is Paris"), "data: [DONE]\n"}

	relay, err := f.svc.Open(context.Background(), []byte(`{"conversationId":"c1","messages":[{"content":"Capital of France?"}]}`), bearer(t, "u1"))
	require.NoError(t, err)

	out := &frameRecorder{failAt: 2}
	res := relay.Run(context.Background(), out)

	assert.Equal(t, "The capital is Paris", res.Content)
	require.Len(t, f.writer.msgs, 1)
	assert.Equal(t, "The capital is Paris", f.writer.msgs[0].Content)
}

func TestRelay_UpstreamDropStillEndsWithDone(t *testing.T) {
	f := newFixture(t, nil)
	f.gateway.chunks = []string{sseDelta("partial "), "data: {\"choices\":[{\"delta\""}

	relay, err := f.svc.Open(context.Background(), []byte(`{"conversationId":"c1","messages":[{"content":"Hi"}]}`), bearer(t, "u1"))
	require.NoError(t, err)

	out := &frameRecorder{}
	res := relay.Run(context.Background(), out)

	require.Len(t, out.frames, 2)
	assert.Equal(t, "[DONE]", out.frames[1])
	assert.Equal(t, 1, res.Anomalies)
	require.Len(t, f.writer.msgs, 1)
	assert.Equal(t, "partial", f.writer.msgs[0].Content)
}

func TestRepo_ListAndTitle(t *testing.T) {
	db := openTestDB(t)
	repo := NewRepo(db)
	ctx := context.Background()

	conv := &Conversation{UserID: "u1"}
	require.NoError(t, repo.CreateConversation(ctx, conv))
	require.NotEmpty(t, conv.ID)

	long := strings.Repeat("word ", 20)
	require.NoError(t, repo.InsertMessage(ctx, &Message{ConversationID: conv.ID, UserID: "u1", Role: RoleSystem, Content: "legacy"}))
	require.NoError(t, repo.InsertMessage(ctx, &Message{ConversationID: conv.ID, UserID: "u1", Role: RoleUser, Content: long}))
	require.NoError(t, repo.InsertMessage(ctx, &Message{ConversationID: conv.ID, UserID: "u1", Role: RoleAssistant, Content: "answer"}))
	require.NoError(t, repo.InsertMessage(ctx, &Message{ConversationID: conv.ID, UserID: "u1", Role: RoleUser, Content: "second question"}))
	require.NoError(t, repo.InsertMessage(ctx, &Message{ConversationID: conv.ID, UserID: "u2", Role: RoleUser, Content: "not mine"}))

	msgs, err := repo.ListMessages(ctx, "u1", conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, []string{RoleUser, RoleAssistant, RoleUser}, []string{msgs[0].Role, msgs[1].Role, msgs[2].Role})

	got, err := repo.GetConversation(ctx, "u1", conv.ID)
	require.NoError(t, err)
	assert.Equal(t, DeriveTitle(long), got.Title)
	assert.True(t, strings.HasSuffix(got.Title, "..."))

	// inserting into a conversation that has no row is fine
	require.NoError(t, repo.InsertMessage(ctx, &Message{ConversationID: "nope", UserID: "u1", Role: RoleUser, Content: "x"}))
}

func TestDeriveTitle(t *testing.T) {
	assert.Equal(t, "Hello there", DeriveTitle("  Hello \n there "))
	title := DeriveTitle(strings.Repeat("é", 60))
	assert.Equal(t, strings.Repeat("é", 50)+"...", title)
}

func TestPersistFromQueue_Redelivery(t *testing.T) {
	repo := NewRepo(openTestDB(t))
	ctx := context.Background()
	job := NewPersistJob(&Message{ID: "01JOBMESSAGE0000000000000A", ConversationID: "c1", UserID: "u1", Role: RoleAssistant, Content: "hi"})

	require.NoError(t, repo.PersistFromQueue(ctx, job))
	require.NoError(t, repo.PersistFromQueue(ctx, job))

	msgs, err := repo.ListMessages(ctx, "u1", "c1")
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}
