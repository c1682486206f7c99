package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/z-tavern/agentchat/internal/model/agent"
	"github.com/zhouzirui/z-tavern/agentchat/internal/model/chat"
	"github.com/zhouzirui/z-tavern/agentchat/internal/stream"
	"github.com/zhouzirui/z-tavern/agentchat/internal/transport"
)

type fakeTransport struct {
	mu sync.Mutex

	models      []agent.Model
	agents      map[string]agent.Agent
	history     []chat.Message
	streamID    string
	upsertErr   error
	modelsErr   error
	startErr    error
	postErr     error
	abortErr    error
	postEntered chan struct{}
	postGate    chan struct{}

	upserts  int
	starts   int
	posts    []string
	aborts   []string
	sessions int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		models: []agent.Model{{Key: "mock-markdown", Label: "Mock"}},
		agents: map[string]agent.Agent{},
	}
}

func (f *fakeTransport) ListModels(context.Context) ([]agent.Model, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.models, f.modelsErr
}

func (f *fakeTransport) GetAgent(_ context.Context, id string) (agent.Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.agents[id]
	if !ok {
		return agent.Agent{}, &transport.APIError{Method: "GET", Path: "/agents/" + id + "/", Status: 404, Detail: "agent not found"}
	}
	return a, nil
}

func (f *fakeTransport) UpsertAgent(_ context.Context, cfg agent.Agent) (agent.Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts++
	if f.upsertErr != nil {
		return agent.Agent{}, f.upsertErr
	}
	if cfg.ID == "" {
		cfg.ID = fmt.Sprintf("agent-%d", f.upserts)
	}
	f.agents[cfg.ID] = cfg
	return cfg, nil
}

func (f *fakeTransport) StartSession(context.Context, string) (transport.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	if f.startErr != nil {
		return transport.Conversation{}, f.startErr
	}
	f.sessions++
	return transport.Conversation{ID: fmt.Sprintf("s-%d", f.sessions), History: chat.Clone(f.history)}, nil
}

func (f *fakeTransport) PostMessage(_ context.Context, sessionID, content string) (transport.PostResult, error) {
	f.mu.Lock()
	f.posts = append(f.posts, content)
	entered, gate := f.postEntered, f.postGate
	err, id := f.postErr, f.streamID
	f.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if gate != nil {
		<-gate
	}
	if err != nil {
		return transport.PostResult{}, err
	}
	return transport.PostResult{StreamID: id}, nil
}

func (f *fakeTransport) AbortSession(_ context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborts = append(f.aborts, sessionID)
	return f.abortErr
}

type fakeHandle struct {
	key     string
	cb      stream.Callbacks
	log     *[]string
	mu      *sync.Mutex
	id      int
	cancels int
}

func (h *fakeHandle) Cancel() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cancels++
	*h.log = append(*h.log, fmt.Sprintf("cancel:%d", h.id))
}

func (h *fakeHandle) cancelCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cancels
}

type fakeOpener struct {
	mu      sync.Mutex
	handles []*fakeHandle
	log     []string
}

func (o *fakeOpener) Open(key string, cb stream.Callbacks) Canceler {
	o.mu.Lock()
	defer o.mu.Unlock()
	h := &fakeHandle{key: key, cb: cb, log: &o.log, mu: &o.mu, id: len(o.handles) + 1}
	o.handles = append(o.handles, h)
	o.log = append(o.log, fmt.Sprintf("open:%d", h.id))
	return h
}

func (o *fakeOpener) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.handles)
}

func (o *fakeOpener) handle(t *testing.T, i int) *fakeHandle {
	t.Helper()
	o.mu.Lock()
	defer o.mu.Unlock()
	require.Greater(t, len(o.handles), i)
	return o.handles[i]
}

func (o *fakeOpener) events() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.log...)
}

func newTestEngine() (*Engine, *fakeTransport, *fakeOpener) {
	tr := newFakeTransport()
	op := &fakeOpener{}
	return New(tr, op), tr, op
}

func TestSendMessageStreamsReply(t *testing.T) {
	e, tr, op := newTestEngine()
	ctx := context.Background()

	require.NoError(t, e.SendMessage(ctx, "Hi"))

	st := e.Snapshot()
	require.Equal(t, "s-1", st.SessionID)
	require.True(t, st.IsStreaming)
	require.False(t, st.IsLoading)
	require.Equal(t, []chat.Message{chat.UserMessage("Hi")}, st.Messages)
	require.Equal(t, "agent-1", st.Agent.ID)
	require.Equal(t, 1, tr.upserts)
	require.Equal(t, []string{"Hi"}, tr.posts)

	h := op.handle(t, 0)
	require.Equal(t, "s-1", h.key)

	h.cb.OnChunk("Hel")
	h.cb.OnChunk("lo")
	h.cb.OnChunk(chat.EndSentinel)
	h.cb.OnComplete()

	st = e.Snapshot()
	require.False(t, st.IsStreaming)
	require.Nil(t, st.LastError)
	require.Equal(t, []chat.Message{
		chat.UserMessage("Hi"),
		chat.AssistantMessage("Hello"),
	}, st.Messages)
	require.Equal(t, 1, h.cancelCount())
}

func TestSendMessagePrefersStreamID(t *testing.T) {
	e, tr, op := newTestEngine()
	tr.streamID = "stream-9"

	require.NoError(t, e.SendMessage(context.Background(), "Hi"))
	require.Equal(t, "stream-9", op.handle(t, 0).key)
}

func TestSendMessageIgnoresBlankContent(t *testing.T) {
	e, tr, op := newTestEngine()

	for _, content := range []string{"", "   ", "\n\t"} {
		require.NoError(t, e.SendMessage(context.Background(), content))
	}

	require.Zero(t, tr.upserts)
	require.Zero(t, tr.starts)
	require.Empty(t, tr.posts)
	require.Zero(t, op.count())
	require.Empty(t, e.Snapshot().Messages)
}

func TestSendMessageReusesSessionAndSeedsHistory(t *testing.T) {
	e, tr, op := newTestEngine()
	tr.history = []chat.Message{chat.AssistantMessage("welcome")}
	ctx := context.Background()

	require.NoError(t, e.SendMessage(ctx, "one"))
	op.handle(t, 0).cb.OnChunk("reply")
	op.handle(t, 0).cb.OnComplete()
	require.NoError(t, e.SendMessage(ctx, "two"))

	require.Equal(t, 1, tr.starts)
	require.Equal(t, []chat.Message{
		chat.AssistantMessage("welcome"),
		chat.UserMessage("one"),
		chat.AssistantMessage("reply"),
		chat.UserMessage("two"),
	}, e.Snapshot().Messages)
}

func TestSendMessageUpsertFailureLeavesStateUnchanged(t *testing.T) {
	e, tr, op := newTestEngine()
	tr.upsertErr = &transport.APIError{Method: "POST", Path: "/agents/", Status: 400, Detail: "name required"}

	err := e.SendMessage(context.Background(), "Hi")

	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)
	require.Equal(t, "save agent", reqErr.Op)

	st := e.Snapshot()
	require.Empty(t, st.SessionID)
	require.Empty(t, st.Messages)
	require.False(t, st.IsStreaming)
	require.False(t, st.IsLoading)
	require.Equal(t, "name required", st.ErrorMessage())
	require.Zero(t, tr.starts)
	require.Zero(t, op.count())
}

func TestSendMessageStartFailure(t *testing.T) {
	e, tr, op := newTestEngine()
	tr.startErr = errors.New("connection refused")

	err := e.SendMessage(context.Background(), "Hi")

	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)
	require.Equal(t, "start conversation", reqErr.Op)

	st := e.Snapshot()
	require.Empty(t, st.SessionID)
	require.Empty(t, st.Messages)
	require.False(t, st.IsStreaming)
	require.Empty(t, tr.posts)
	require.Zero(t, op.count())
}

func TestSendMessagePostFailure(t *testing.T) {
	e, tr, op := newTestEngine()
	tr.postErr = &transport.APIError{Method: "POST", Path: "/conversations/s-1/messages/", Status: 500, Detail: "boom"}

	err := e.SendMessage(context.Background(), "Hi")

	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)
	require.Equal(t, "send message", reqErr.Op)

	st := e.Snapshot()
	require.False(t, st.IsStreaming)
	require.Equal(t, "s-1", st.SessionID)
	require.Equal(t, []chat.Message{chat.UserMessage("Hi")}, st.Messages)
	require.Equal(t, "boom", st.ErrorMessage())
	require.Zero(t, op.count())
}

func TestStreamErrorIsRecordedNotReturned(t *testing.T) {
	e, _, op := newTestEngine()

	require.NoError(t, e.SendMessage(context.Background(), "Hi"))
	h := op.handle(t, 0)
	h.cb.OnChunk("partial")
	h.cb.OnError(errors.Wrap(stream.ErrInactivity, "no activity within 120000 milliseconds"))

	st := e.Snapshot()
	require.False(t, st.IsStreaming)
	require.Equal(t, 1, h.cancelCount())

	var streamErr *StreamError
	require.ErrorAs(t, st.LastError, &streamErr)
	require.True(t, streamErr.Timeout)
	require.Contains(t, st.ErrorMessage(), "timed out")
	require.Equal(t, []chat.Message{
		chat.UserMessage("Hi"),
		chat.AssistantMessage("partial"),
	}, st.Messages)
}

func TestStreamErrorGenericMessage(t *testing.T) {
	e, _, op := newTestEngine()

	require.NoError(t, e.SendMessage(context.Background(), "Hi"))
	op.handle(t, 0).cb.OnError(stream.ErrClosed)

	st := e.Snapshot()
	require.False(t, st.IsStreaming)
	require.Equal(t, "The reply stream failed, please retry later.", st.ErrorMessage())
}

func TestNewSendCancelsPriorStreamFirst(t *testing.T) {
	e, _, op := newTestEngine()
	ctx := context.Background()

	require.NoError(t, e.SendMessage(ctx, "one"))
	first := op.handle(t, 0)
	first.cb.OnChunk("a")

	require.NoError(t, e.SendMessage(ctx, "two"))
	second := op.handle(t, 1)

	require.Equal(t, []string{"open:1", "cancel:1", "open:2"}, op.events())
	require.Equal(t, 1, first.cancelCount())
	require.Zero(t, second.cancelCount())

	// late callbacks of the replaced stream are dropped
	first.cb.OnChunk("stale")
	first.cb.OnError(errors.New("late failure"))
	first.cb.OnComplete()

	st := e.Snapshot()
	require.True(t, st.IsStreaming)
	require.Nil(t, st.LastError)
	require.Equal(t, []chat.Message{
		chat.UserMessage("one"),
		chat.AssistantMessage("a"),
		chat.UserMessage("two"),
	}, st.Messages)

	second.cb.OnChunk("b")
	second.cb.OnComplete()
	last, ok := e.Snapshot().LastMessage()
	require.True(t, ok)
	require.Equal(t, chat.AssistantMessage("b"), last)
}

func TestAbortTearsDownEvenWhenRequestFails(t *testing.T) {
	e, tr, op := newTestEngine()
	tr.abortErr = errors.New("backend unreachable")

	require.NoError(t, e.SendMessage(context.Background(), "Hi"))
	h := op.handle(t, 0)

	e.Abort(context.Background())

	require.Equal(t, []string{"s-1"}, tr.aborts)
	require.Equal(t, 1, h.cancelCount())
	require.False(t, e.Snapshot().IsStreaming)

	h.cb.OnChunk("after abort")
	require.Equal(t, []chat.Message{chat.UserMessage("Hi")}, e.Snapshot().Messages)
}

func TestAbortWithoutSessionIsNoop(t *testing.T) {
	e, tr, _ := newTestEngine()

	e.Abort(context.Background())

	require.Empty(t, tr.aborts)
	require.False(t, e.Snapshot().IsStreaming)
}

func TestResetConversation(t *testing.T) {
	e, tr, op := newTestEngine()
	ctx := context.Background()

	require.NoError(t, e.SendMessage(ctx, "Hi"))
	h := op.handle(t, 0)

	e.ResetConversation()

	st := e.Snapshot()
	require.Empty(t, st.SessionID)
	require.Empty(t, st.Messages)
	require.False(t, st.IsStreaming)
	require.Equal(t, 1, h.cancelCount())

	require.NoError(t, e.SendMessage(ctx, "again"))
	require.Equal(t, 2, tr.starts)
	require.Equal(t, "s-2", e.Snapshot().SessionID)
}

func TestConcurrentSendIsRejected(t *testing.T) {
	e, tr, op := newTestEngine()
	tr.postEntered = make(chan struct{})
	tr.postGate = make(chan struct{})

	errCh := make(chan error, 1)
	go func() { errCh <- e.SendMessage(context.Background(), "first") }()

	select {
	case <-tr.postEntered:
	case <-time.After(time.Second):
		t.Fatal("post never started")
	}

	require.ErrorIs(t, e.SendMessage(context.Background(), "second"), ErrSendInProgress)

	close(tr.postGate)
	require.NoError(t, <-errCh)
	require.Equal(t, 1, op.count())
	require.Equal(t, []string{"first"}, tr.posts)
}

func TestAbortDuringPostSkipsStream(t *testing.T) {
	e, tr, op := newTestEngine()
	tr.postEntered = make(chan struct{})
	tr.postGate = make(chan struct{})

	errCh := make(chan error, 1)
	go func() { errCh <- e.SendMessage(context.Background(), "Hi") }()
	<-tr.postEntered

	e.Abort(context.Background())
	close(tr.postGate)

	require.NoError(t, <-errCh)
	require.Zero(t, op.count())
	require.False(t, e.Snapshot().IsStreaming)
}

func TestResetDuringPostReportsReset(t *testing.T) {
	e, tr, op := newTestEngine()
	tr.postEntered = make(chan struct{})
	tr.postGate = make(chan struct{})

	errCh := make(chan error, 1)
	go func() { errCh <- e.SendMessage(context.Background(), "Hi") }()
	<-tr.postEntered

	e.ResetConversation()
	close(tr.postGate)

	require.ErrorIs(t, <-errCh, ErrConversationReset)
	require.Zero(t, op.count())
	require.Empty(t, e.Snapshot().Messages)
}

func TestBootstrap(t *testing.T) {
	e, tr, _ := newTestEngine()
	tr.agents["a-7"] = agent.Agent{ID: "a-7", Name: "Helper", Temperature: 0.2}

	e.Bootstrap(context.Background(), "a-7")

	st := e.Snapshot()
	require.True(t, st.IsBackendReachable)
	require.False(t, st.IsLoading)
	require.Equal(t, tr.models, st.Models)
	require.Equal(t, "a-7", st.Agent.ID)
	require.Equal(t, "mock-markdown", st.Agent.ModelKey)
}

func TestBootstrapWithoutAgentAppliesModelFallback(t *testing.T) {
	e, _, _ := newTestEngine()

	e.Bootstrap(context.Background(), "")

	st := e.Snapshot()
	require.True(t, st.IsBackendReachable)
	require.Empty(t, st.Agent.ID)
	require.Equal(t, "mock-markdown", st.Agent.ModelKey)
}

func TestBootstrapFailureMarksUnreachable(t *testing.T) {
	e, tr, _ := newTestEngine()
	tr.modelsErr = errors.New("dial tcp: connection refused")

	e.Bootstrap(context.Background(), "")

	st := e.Snapshot()
	require.False(t, st.IsBackendReachable)
	require.False(t, st.IsLoading)
	require.Empty(t, st.Models)
}

func TestLoadAgent(t *testing.T) {
	e, tr, op := newTestEngine()
	ctx := context.Background()
	tr.agents["a-1"] = agent.Agent{ID: "a-1", Name: "Loaded", ModelKey: "mock-echo", Temperature: 0.5}

	require.NoError(t, e.SendMessage(ctx, "Hi"))
	require.NoError(t, e.LoadAgent(ctx, "a-1"))

	st := e.Snapshot()
	require.Equal(t, "Loaded", st.Agent.Name)
	require.Empty(t, st.SessionID)
	require.Empty(t, st.Messages)
	require.Equal(t, 1, op.handle(t, 0).cancelCount())

	err := e.LoadAgent(ctx, "missing")
	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)
	require.Equal(t, "Loaded", e.Snapshot().Agent.Name)
	require.Equal(t, "agent not found", e.Snapshot().ErrorMessage())

	require.NoError(t, e.LoadAgent(ctx, ""))
	require.Empty(t, e.Snapshot().Agent.ID)
	require.Equal(t, agent.DefaultTemperature, e.Snapshot().Agent.Temperature)
}

func TestUpsertAgentResetsConversation(t *testing.T) {
	e, _, _ := newTestEngine()
	ctx := context.Background()

	require.NoError(t, e.SendMessage(ctx, "Hi"))
	before := e.Snapshot().Agent

	before.Name = "Renamed"
	saved, err := e.UpsertAgent(ctx, before)
	require.NoError(t, err)
	require.Equal(t, "Renamed", saved.Name)

	st := e.Snapshot()
	require.Equal(t, "Renamed", st.Agent.Name)
	require.Empty(t, st.SessionID)
	require.Empty(t, st.Messages)
}

func TestSnapshotIsIsolated(t *testing.T) {
	e, _, _ := newTestEngine()
	require.NoError(t, e.SendMessage(context.Background(), "Hi"))

	st := e.Snapshot()
	st.Messages[0].Content = "mutated"

	require.Equal(t, "Hi", e.Snapshot().Messages[0].Content)
}

func TestChangesSignals(t *testing.T) {
	e, _, op := newTestEngine()
	require.NoError(t, e.SendMessage(context.Background(), "Hi"))

	// drain whatever is pending
	select {
	case <-e.Changes():
	default:
	}

	op.handle(t, 0).cb.OnChunk("x")
	select {
	case <-e.Changes():
	case <-time.After(time.Second):
		t.Fatal("no change signal after chunk")
	}
}
