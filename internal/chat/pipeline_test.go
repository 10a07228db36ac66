package chat

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cart-inception/Yohan-Interface/internal/comms"
	"github.com/cart-inception/Yohan-Interface/internal/domain"
	"github.com/cart-inception/Yohan-Interface/internal/llm"
	"github.com/cart-inception/Yohan-Interface/internal/protocol"
	"github.com/cart-inception/Yohan-Interface/internal/situation"
	"github.com/cart-inception/Yohan-Interface/internal/store"
)

type recordingOutbound struct {
	mu      sync.Mutex
	frames  []protocol.Frame
	touched int
}

func (r *recordingOutbound) SendToSession(_ context.Context, _ string, f protocol.Frame) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, f)
	return true
}

func (r *recordingOutbound) Touch(string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.touched++
	return true
}

func (r *recordingOutbound) Count() int { return 2 }

func (r *recordingOutbound) types() []protocol.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]protocol.EventType, 0, len(r.frames))
	for _, f := range r.frames {
		out = append(out, f.EventType)
	}
	return out
}

func (r *recordingOutbound) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = nil
}

func (r *recordingOutbound) acks() []protocol.MessageAckPayload {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []protocol.MessageAckPayload
	for _, f := range r.frames {
		if p, ok := f.Payload.(protocol.MessageAckPayload); ok {
			out = append(out, p)
		}
	}
	return out
}

func (r *recordingOutbound) last(et protocol.EventType) (protocol.Frame, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.frames) - 1; i >= 0; i-- {
		if r.frames[i].EventType == et {
			return r.frames[i], true
		}
	}
	return protocol.Frame{}, false
}

type fakePongs struct {
	mu    sync.Mutex
	pongs []string
}

func (f *fakePongs) HandlePong(sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pongs = append(f.pongs, sessionID)
}

type stubContext struct {
	calls int
}

func (s *stubContext) Gather(context.Context) situation.Bundle {
	s.calls++
	return situation.Bundle{
		CurrentTime: time.Date(2025, 1, 6, 15, 4, 0, 0, time.UTC),
		Location:    "Des Moines, Iowa",
	}
}

type stubGenerator struct {
	mu   sync.Mutex
	reqs []llm.Request
	err  error
}

func (g *stubGenerator) Generate(_ context.Context, req llm.Request) (*llm.Result, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.reqs = append(g.reqs, req)
	if g.err != nil {
		return nil, g.err
	}
	return &llm.Result{
		Content: "Hello from Yohan",
		Usage:   llm.Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15},
		Model:   "test-model",
	}, nil
}

type pipelineFixture struct {
	out   *recordingOutbound
	pongs *fakePongs
	store *store.SQLiteStore
	ctx   *stubContext
	gen   *stubGenerator
	p     *Pipeline
	sess  comms.Session
}

func newFixture(t *testing.T) *pipelineFixture {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "yohan.db"))
	if err != nil {
		t.Fatalf("NewSQLite() error = %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	f := &pipelineFixture{
		out:   &recordingOutbound{},
		pongs: &fakePongs{},
		store: st,
		ctx:   &stubContext{},
		gen:   &stubGenerator{},
		sess:  comms.Session{SessionID: "sess-1", UserID: "u1", RemoteIP: "10.0.0.1", UserAgent: "test"},
	}
	f.p = NewPipeline(Deps{
		Outbound:  f.out,
		Heartbeat: f.pongs,
		Store:     st,
		Context:   f.ctx,
		Generator: f.gen,
	}, Config{})
	return f
}

func (f *pipelineFixture) query(t *testing.T, msg, id string) {
	t.Helper()
	data, err := json.Marshal(map[string]any{
		"event_type": "llm_query",
		"payload":    map[string]any{"message": msg, "messageId": id, "conversationId": "conv-1"},
	})
	if err != nil {
		t.Fatal(err)
	}
	f.p.HandleFrame(context.Background(), f.sess, data)
}

func equalTypes(got []protocol.EventType, want ...protocol.EventType) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func TestOnConnectSendsStatusAndRecordsSession(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	f.p.OnConnect(ctx, f.sess)

	if got := f.out.types(); !equalTypes(got, protocol.EventStatusUpdate) {
		t.Fatalf("frames = %v, want only status_update for a new session", got)
	}
	frame, _ := f.out.last(protocol.EventStatusUpdate)
	status := frame.Payload.(protocol.StatusUpdatePayload)
	if status.Status != "idle" || status.SessionID != "sess-1" || status.UserID != "u1" {
		t.Fatalf("unexpected status %+v", status)
	}

	session, err := f.store.GetSession(ctx, "sess-1")
	if err != nil || session == nil {
		t.Fatalf("GetSession() = %v, %v", session, err)
	}
	if !strings.HasPrefix(session.Title, "Chat Session ") {
		t.Fatalf("Title = %q", session.Title)
	}

	events, err := f.store.ListConnectionEvents(ctx, "sess-1")
	if err != nil {
		t.Fatalf("ListConnectionEvents() error = %v", err)
	}
	if len(events) != 1 || events[0].EventType != domain.ConnectionEventConnect || events[0].IPAddress != "10.0.0.1" {
		t.Fatalf("unexpected events %+v", events)
	}
}

func TestQueryLifecycle(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	f.p.OnConnect(ctx, f.sess)
	f.out.reset()

	f.query(t, "  What's the weather?  ", "m1")

	want := []protocol.EventType{
		protocol.EventMessageAck, protocol.EventMessageAck,
		protocol.EventLLMResponse, protocol.EventMessageAck,
	}
	if got := f.out.types(); !equalTypes(got, want...) {
		t.Fatalf("frames = %v, want %v", got, want)
	}
	acks := f.out.acks()
	for i, status := range []protocol.AckStatus{protocol.AckReceived, protocol.AckProcessing, protocol.AckDelivered} {
		if acks[i].Status != status || acks[i].MessageID != "m1" {
			t.Fatalf("ack %d = %+v, want %s", i, acks[i], status)
		}
	}

	frame, _ := f.out.last(protocol.EventLLMResponse)
	resp := frame.Payload.(protocol.LLMResponsePayload)
	if resp.Message != "Hello from Yohan" || resp.InReplyTo != "m1" || resp.ConversationID != "conv-1" {
		t.Fatalf("unexpected response %+v", resp)
	}
	if resp.Usage == nil || resp.Usage.TotalTokens != 15 || resp.MessageID == "" {
		t.Fatalf("response missing usage or id %+v", resp)
	}

	msgs, err := f.store.LoadRecentMessages(ctx, "sess-1", 10)
	if err != nil {
		t.Fatalf("LoadRecentMessages() error = %v", err)
	}
	var roles []domain.Role
	for _, m := range msgs {
		roles = append(roles, m.Role)
	}
	if len(roles) != 3 || roles[0] != domain.RoleUser || roles[1] != domain.RoleSystem || roles[2] != domain.RoleAssistant {
		t.Fatalf("stored roles = %v", roles)
	}
	if msgs[0].Content != "What's the weather?" {
		t.Fatalf("user message not trimmed: %q", msgs[0].Content)
	}
	if msgs[2].TokenCount == nil || *msgs[2].TokenCount != 15 || msgs[2].ModelUsed != "test-model" {
		t.Fatalf("assistant metadata missing: %+v", msgs[2])
	}
	if msgs[2].MessageID != resp.MessageID {
		t.Fatal("response messageId must be the stored assistant id")
	}

	req := f.gen.reqs[0]
	if len(req.History) != 1 || req.History[0].Role != domain.RoleSystem {
		t.Fatalf("first turn history = %+v, want the context system turn", req.History)
	}
	if !strings.Contains(req.History[0].Content, "Location: Des Moines, Iowa") {
		t.Fatalf("context not rendered: %q", req.History[0].Content)
	}
}

func TestContextInjectedOnlyOnFirstTurn(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	f.p.OnConnect(ctx, f.sess)

	f.query(t, "one", "m1")
	f.query(t, "two", "m2")

	if f.ctx.calls != 1 {
		t.Fatalf("Gather called %d times, want 1", f.ctx.calls)
	}
	n, err := f.store.CountMessages(ctx, "sess-1")
	if err != nil || n != 5 {
		t.Fatalf("CountMessages() = %d, %v; want 5", n, err)
	}

	second := f.gen.reqs[1]
	if second.Message != "two" {
		t.Fatalf("Message = %q", second.Message)
	}
	for _, turn := range second.History {
		if turn.Role == domain.RoleUser && turn.Content == "two" {
			t.Fatal("current message must not be repeated in history")
		}
	}
	if second.History[0].Role != domain.RoleUser || second.History[1].Role != domain.RoleSystem {
		t.Fatalf("history order = %+v", second.History)
	}
}

func TestGenerationFailureEmitsErrorAckThenError(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.gen.err = &llm.Error{Kind: llm.KindRateLimited, StatusCode: 429, Message: "slow down"}
	ctx := context.Background()
	f.p.OnConnect(ctx, f.sess)
	f.out.reset()

	f.query(t, "hi", "m1")

	want := []protocol.EventType{
		protocol.EventMessageAck, protocol.EventMessageAck,
		protocol.EventMessageAck, protocol.EventError,
	}
	if got := f.out.types(); !equalTypes(got, want...) {
		t.Fatalf("frames = %v, want %v", got, want)
	}
	acks := f.out.acks()
	if last := acks[len(acks)-1]; last.Status != protocol.AckError || last.ErrorMessage == "" {
		t.Fatalf("terminal ack = %+v", last)
	}
	frame, _ := f.out.last(protocol.EventError)
	if got := frame.Payload.(protocol.ErrorPayload).ErrorType; got != protocol.ErrorTypeLLM {
		t.Fatalf("errorType = %q", got)
	}

	msgs, err := f.store.LoadRecentMessages(ctx, "sess-1", 10)
	if err != nil {
		t.Fatal(err)
	}
	last := msgs[len(msgs)-1]
	if last.Role != domain.RoleAssistant || !strings.HasPrefix(last.Content, "Error: ") {
		t.Fatalf("failure not recorded: %+v", last)
	}
}

func TestQueryWithoutMessageIDIsNotAcknowledged(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.p.OnConnect(context.Background(), f.sess)
	f.out.reset()

	f.query(t, "hi", "")

	if got := f.out.types(); !equalTypes(got, protocol.EventLLMResponse) {
		t.Fatalf("frames = %v, want only llm_response", got)
	}
}

func TestRejectedFrames(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		data string
		want string
	}{
		{"not json", `{nope`, protocol.ErrorTypeInvalidJSON},
		{"no event type", `{"payload":{}}`, protocol.ErrorTypeInvalidFormat},
		{"unknown type", `{"event_type":"dance","payload":{}}`, protocol.ErrorTypeUnknownMessageType},
		{"empty message", `{"event_type":"llm_query","payload":{"message":"   "}}`, protocol.ErrorTypeValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			f.p.HandleFrame(context.Background(), f.sess, []byte(tt.data))

			frame, ok := f.out.last(protocol.EventError)
			if !ok {
				t.Fatalf("no error frame, got %v", f.out.types())
			}
			if got := frame.Payload.(protocol.ErrorPayload).ErrorType; got != tt.want {
				t.Fatalf("errorType = %q, want %q", got, tt.want)
			}
			if len(f.gen.reqs) != 0 {
				t.Fatal("rejected frame must not reach the generator")
			}
		})
	}
}

func TestPingPongAndStatusRequest(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	f.p.HandleFrame(ctx, f.sess, []byte(`{"event_type":"ping","payload":{"timestamp":12345}}`))
	frame, ok := f.out.last(protocol.EventPong)
	if !ok {
		t.Fatal("ping must be answered with pong")
	}
	if got := string(frame.Payload.(protocol.PingPayload).Timestamp); got != "12345" {
		t.Fatalf("pong timestamp = %s, want echo", got)
	}
	if f.out.touched != 1 {
		t.Fatal("ping must refresh liveness")
	}

	f.p.HandleFrame(ctx, f.sess, []byte(`{"event_type":"pong","payload":{}}`))
	if len(f.pongs.pongs) != 1 || f.pongs.pongs[0] != "sess-1" {
		t.Fatalf("pong not forwarded: %v", f.pongs.pongs)
	}

	f.p.HandleFrame(ctx, f.sess, []byte(`{"event_type":"status_request","payload":{}}`))
	frame, _ = f.out.last(protocol.EventStatusUpdate)
	status := frame.Payload.(protocol.StatusUpdatePayload)
	if status.Status != "connected" || status.Connections == nil || *status.Connections != 2 {
		t.Fatalf("unexpected status %+v", status)
	}
}

func TestFrameRateLimit(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.p = NewPipeline(Deps{Outbound: f.out, Store: f.store, Context: f.ctx, Generator: f.gen}, Config{FrameRate: 0.001, FrameBurst: 2})
	ctx := context.Background()
	f.p.OnConnect(ctx, f.sess)
	f.out.reset()

	for i := 0; i < 3; i++ {
		f.p.HandleFrame(ctx, f.sess, []byte(`{"event_type":"status_request","payload":{}}`))
	}
	frame, ok := f.out.last(protocol.EventError)
	if !ok || frame.Payload.(protocol.ErrorPayload).ErrorType != protocol.ErrorTypeRateLimited {
		t.Fatalf("third frame should be throttled, got %v", f.out.types())
	}
}

func TestOnDisconnectLogsEvents(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	f.p.OnConnect(ctx, f.sess)
	f.p.OnDisconnect(ctx, f.sess, errors.New("read: connection reset"))

	events, err := f.store.ListConnectionEvents(ctx, "sess-1")
	if err != nil {
		t.Fatal(err)
	}
	var kinds []domain.ConnectionEventType
	for _, e := range events {
		kinds = append(kinds, e.EventType)
	}
	if len(kinds) != 3 || kinds[1] != domain.ConnectionEventError || kinds[2] != domain.ConnectionEventDisconnect {
		t.Fatalf("events = %v", kinds)
	}
	if events[1].ErrorMessage != "read: connection reset" {
		t.Fatalf("ErrorMessage = %q", events[1].ErrorMessage)
	}
}

func TestReconnectReplaysHistory(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	f.p.OnConnect(ctx, f.sess)
	f.query(t, "hi", "m1")
	f.p.OnDisconnect(ctx, f.sess, nil)
	f.out.reset()

	f.p.OnConnect(ctx, f.sess)
	if got := f.out.types(); !equalTypes(got, protocol.EventStatusUpdate, protocol.EventChatHistory) {
		t.Fatalf("frames = %v", got)
	}
	frame, _ := f.out.last(protocol.EventChatHistory)
	history := frame.Payload.(protocol.ChatHistoryPayload)
	if len(history.Messages) != 3 || history.Messages[0].Content != "hi" {
		t.Fatalf("history = %+v", history.Messages)
	}
}

type countingReaper struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (c *countingReaper) DeactivateIdleSessions(context.Context, time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return 1, c.err
}

func (c *countingReaper) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func TestRetentionWorker(t *testing.T) {
	t.Parallel()

	if n := sweepIdleSessions(context.Background(), &countingReaper{err: errors.New("locked")}, time.Hour, nopLogger()); n != 0 {
		t.Fatalf("failed sweep reported %d", n)
	}

	reaper := &countingReaper{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	StartRetentionWorker(ctx, reaper, 5*time.Millisecond, time.Hour, nopLogger())

	deadline := time.Now().Add(2 * time.Second)
	for reaper.count() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("retention worker did not sweep")
		}
		time.Sleep(5 * time.Millisecond)
	}

	disabled := &countingReaper{}
	StartRetentionWorker(ctx, disabled, time.Millisecond, 0, nopLogger())
	time.Sleep(20 * time.Millisecond)
	if disabled.count() != 0 {
		t.Fatal("zero ttl must disable the worker")
	}
}

func TestSessionContextSurvivesHistoryWindow(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.p = NewPipeline(Deps{Outbound: f.out, Store: f.store, Context: f.ctx, Generator: f.gen}, Config{HistoryWindow: 4})
	ctx := context.Background()
	f.p.OnConnect(ctx, f.sess)

	const turns = 6
	for i := 0; i < turns; i++ {
		f.query(t, "question", "m"+string(rune('a'+i)))
	}
	if len(f.gen.reqs) != turns {
		t.Fatalf("generator called %d times, want %d", len(f.gen.reqs), turns)
	}
	for i, req := range f.gen.reqs {
		systems := 0
		for _, turn := range req.History {
			if turn.Role == domain.RoleSystem && strings.Contains(turn.Content, "Location: Des Moines, Iowa") {
				systems++
			}
		}
		if systems != 1 {
			t.Fatalf("turn %d offered %d session context messages, want 1 (history %+v)", i+1, systems, req.History)
		}
	}
	last := f.gen.reqs[turns-1].History
	if last[0].Role != domain.RoleSystem {
		t.Fatalf("context older than the window must lead the history, got %+v", last)
	}
}

func TestReplacedConnectionKeepsNewThrottle(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.p = NewPipeline(Deps{Outbound: f.out, Store: f.store, Context: f.ctx, Generator: f.gen}, Config{FrameRate: 0.001, FrameBurst: 2})
	ctx := context.Background()

	old, current := f.sess, f.sess
	old.ConnID, current.ConnID = 1, 2
	f.p.OnConnect(ctx, old)
	f.p.OnConnect(ctx, current)
	f.p.OnDisconnect(ctx, old, nil)
	f.out.reset()

	for i := 0; i < 3; i++ {
		f.p.HandleFrame(ctx, current, []byte(`{"event_type":"status_request","payload":{}}`))
	}
	frame, ok := f.out.last(protocol.EventError)
	if !ok || frame.Payload.(protocol.ErrorPayload).ErrorType != protocol.ErrorTypeRateLimited {
		t.Fatalf("teardown of the replaced connection disabled the throttle, got %v", f.out.types())
	}
}

type blockingGenerator struct {
	stubGenerator
	started chan struct{}
	release chan struct{}
	ctxErr  error
}

func (g *blockingGenerator) Generate(ctx context.Context, req llm.Request) (*llm.Result, error) {
	close(g.started)
	<-g.release
	g.ctxErr = ctx.Err()
	return g.stubGenerator.Generate(ctx, req)
}

func TestQueryCompletesAfterClientLeaves(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	gen := &blockingGenerator{started: make(chan struct{}), release: make(chan struct{})}
	f.p = NewPipeline(Deps{Outbound: f.out, Store: f.store, Context: f.ctx, Generator: gen}, Config{})
	f.p.OnConnect(context.Background(), f.sess)

	connCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.p.HandleFrame(connCtx, f.sess, []byte(`{"event_type":"llm_query","payload":{"message":"hi","messageId":"m1"}}`))
	}()

	<-gen.started
	cancel()
	f.p.OnDisconnect(context.Background(), f.sess, nil)
	close(gen.release)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("query did not finish after the client left")
	}
	if gen.ctxErr != nil {
		t.Fatalf("generation context was canceled: %v", gen.ctxErr)
	}

	msgs, err := f.store.LoadRecentMessages(context.Background(), "sess-1", 10)
	if err != nil {
		t.Fatal(err)
	}
	last := msgs[len(msgs)-1]
	if last.Role != domain.RoleAssistant || last.Content != "Hello from Yohan" {
		t.Fatalf("assistant turn not persisted, last message %+v", last)
	}
}
