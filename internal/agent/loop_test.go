package agent

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/haasonsaas/conductor/internal/contract"
	"github.com/haasonsaas/conductor/internal/provider"
	"github.com/haasonsaas/conductor/internal/pubsub"
	"github.com/haasonsaas/conductor/internal/tools"
	"github.com/haasonsaas/conductor/pkg/models"
)

func userText(text string) models.Message {
	return models.Message{
		Kind: models.KindText,
		Text: &models.TextPayload{Role: models.RoleUser, Text: text},
	}
}

func weatherRegistry(t *testing.T) *tools.Registry {
	t.Helper()
	reg := tools.NewRegistry()
	err := reg.Register(&contract.FunctionContract{
		Name:       "get_weather",
		Parameters: []contract.Parameter{{Name: "city", Type: "string", Required: true}},
	}, func(ctx context.Context, args map[string]any) (any, error) {
		switch args["city"] {
		case "SF":
			return `{"temp":72}`, nil
		default:
			return `{"temp":65}`, nil
		}
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	return reg
}

type fixture struct {
	loop *Loop
	pub  *pubsub.Publisher
	sub  *pubsub.Subscription
}

func newFixture(t *testing.T, p provider.Provider, cfg Config) *fixture {
	t.Helper()
	pub := pubsub.New(pubsub.Config{BufferSize: 4096})
	t.Cleanup(pub.Close)

	sub, err := pub.Subscribe("ses-1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	reg := cfg.Registry
	if reg == nil {
		reg = weatherRegistry(t)
	}
	cfg.ThreadID = "thr-1"
	cfg.SessionID = "ses-1"
	cfg.Provider = p
	cfg.Publisher = pub
	cfg.Registry = reg
	cfg.Executor = tools.NewExecutor(reg, tools.ExecutorConfig{})

	loop := NewLoop(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		loop.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		loop.Close()
		cancel()
		<-done
	})
	return &fixture{loop: loop, pub: pub, sub: sub}
}

// awaitRun reads the subscription until a non-fork RunCompleted arrives.
func awaitRun(t *testing.T, sub *pubsub.Subscription) []models.Message {
	t.Helper()
	var got []models.Message
	deadline := time.After(5 * time.Second)
	for {
		select {
		case msg, ok := <-sub.C():
			if !ok {
				t.Fatal("subscription closed before RunCompleted")
			}
			got = append(got, msg)
			if msg.Kind == models.KindRunCompleted && !msg.RunCompleted.WasForked {
				return got
			}
		case <-deadline:
			t.Fatalf("no RunCompleted after %d messages", len(got))
		}
	}
}

func kinds(msgs []models.Message) []models.MessageKind {
	out := make([]models.MessageKind, len(msgs))
	for i, m := range msgs {
		out[i] = m.Kind
	}
	return out
}

func TestLoop_SingleTurnText(t *testing.T) {
	p := provider.NewScripted(provider.ScriptTurn{TextDeltas: []string{"hello ", "there"}})
	f := newFixture(t, p, Config{})

	receipt, err := f.loop.Submit(context.Background(), UserInput{Messages: []models.Message{userText("hi")}})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if receipt.ReceiptID == "" {
		t.Fatal("empty receipt id")
	}

	got := awaitRun(t, f.sub)

	var assignment, joined, completed *models.Message
	updates := 0
	for i := range got {
		switch got[i].Kind {
		case models.KindRunAssignment:
			assignment = &got[i]
		case models.KindTextUpdate:
			updates++
		case models.KindText:
			if got[i].Text.Role == models.RoleAssistant {
				joined = &got[i]
			}
		case models.KindRunCompleted:
			completed = &got[i]
		}
	}

	if assignment == nil {
		t.Fatal("no RunAssignment")
	}
	if assignment.RunAssignment.WasInjected {
		t.Error("initial assignment marked injected")
	}
	if len(assignment.RunAssignment.InputIDs) != 1 || assignment.RunAssignment.InputIDs[0] != receipt.ReceiptID {
		t.Errorf("assignment inputs = %v, want [%s]", assignment.RunAssignment.InputIDs, receipt.ReceiptID)
	}
	if updates != 2 {
		t.Errorf("text updates = %d, want 2", updates)
	}
	if joined == nil || joined.Text.Text != "hello there" {
		t.Errorf("joined = %+v", joined)
	}
	if completed.RunCompleted.IsError {
		t.Errorf("run errored: %s", completed.RunCompleted.ErrorMessage)
	}
	if completed.RunCompleted.PendingMessageCount != 0 || completed.RunCompleted.HasPendingMessages {
		t.Errorf("pending = %+v", completed.RunCompleted)
	}
	if completed.RunID != assignment.RunID {
		t.Errorf("RunCompleted.RunID = %s, assignment = %s", completed.RunID, assignment.RunID)
	}
}

func TestLoop_ParallelToolCalls(t *testing.T) {
	p := provider.NewScripted(
		provider.ScriptTurn{ToolCalls: []provider.ScriptToolCall{
			{ID: "c1", Name: "get_weather", ArgsChunks: []string{`{"city":"SF"}`}},
			{ID: "c2", Name: "get_weather", ArgsChunks: []string{`{"city":"NYC"}`}},
		}},
		provider.ScriptTurn{TextDeltas: []string{"72 in SF, 65 in NYC"}},
	)
	f := newFixture(t, p, Config{})

	if _, err := f.loop.Submit(context.Background(), UserInput{Messages: []models.Message{userText("weather in SF and NYC?")}}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	got := awaitRun(t, f.sub)

	calls := map[string]models.Message{}
	results := map[string]models.Message{}
	var finalText string
	for _, m := range got {
		switch m.Kind {
		case models.KindToolCall:
			calls[m.ToolCallID] = m
		case models.KindToolResult:
			results[m.ToolCallID] = m
		case models.KindText:
			if m.Text.Role == models.RoleAssistant {
				finalText = m.Text.Text
			}
		}
	}

	if len(calls) != 2 {
		t.Fatalf("full tool calls = %d, want 2", len(calls))
	}
	indexes := map[int]bool{}
	for _, c := range calls {
		indexes[c.ToolCall.Index] = true
	}
	if !indexes[0] || !indexes[1] {
		t.Errorf("call indexes = %v, want {0,1}", indexes)
	}
	if len(results) != 2 {
		t.Fatalf("tool results = %d, want 2", len(results))
	}
	if !strings.Contains(results["c1"].ToolResult.Result, "72") {
		t.Errorf("c1 result = %s", results["c1"].ToolResult.Result)
	}
	if !strings.Contains(results["c2"].ToolResult.Result, "65") {
		t.Errorf("c2 result = %s", results["c2"].ToolResult.Result)
	}
	if !strings.Contains(finalText, "SF") || !strings.Contains(finalText, "NYC") {
		t.Errorf("final text = %q", finalText)
	}
}

// gateProvider holds the first generation until released, giving tests a
// window to queue inputs mid-run.
type gateProvider struct {
	inner   provider.Provider
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGateProvider(inner provider.Provider) *gateProvider {
	return &gateProvider{
		inner:   inner,
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (p *gateProvider) Name() string { return p.inner.Name() }

func (p *gateProvider) Capabilities(model string) contract.ModelCapabilities {
	return p.inner.Capabilities(model)
}

func (p *gateProvider) Stream(ctx context.Context, req *provider.Request) (<-chan models.Message, error) {
	p.once.Do(func() {
		close(p.started)
		<-p.release
	})
	return p.inner.Stream(ctx, req)
}

func TestLoop_MidRunInjection(t *testing.T) {
	scripted := provider.NewScripted(
		provider.ScriptTurn{ToolCalls: []provider.ScriptToolCall{
			{ID: "c1", Name: "get_weather", ArgsChunks: []string{`{"city":"SF"}`}},
		}},
		provider.ScriptTurn{TextDeltas: []string{"all done"}},
	)
	gated := newGateProvider(scripted)
	f := newFixture(t, gated, Config{})

	if _, err := f.loop.Submit(context.Background(), UserInput{Messages: []models.Message{userText("A")}}); err != nil {
		t.Fatalf("Submit A: %v", err)
	}

	<-gated.started
	receiptB, err := f.loop.Submit(context.Background(), UserInput{Messages: []models.Message{userText("B")}})
	if err != nil {
		t.Fatalf("Submit B: %v", err)
	}
	close(gated.release)

	got := awaitRun(t, f.sub)

	var initial, injected, completed *models.Message
	for i := range got {
		switch got[i].Kind {
		case models.KindRunAssignment:
			if got[i].RunAssignment.WasInjected {
				injected = &got[i]
			} else {
				initial = &got[i]
			}
		case models.KindRunCompleted:
			completed = &got[i]
		}
	}

	if initial == nil || injected == nil {
		t.Fatalf("assignments: initial=%v injected=%v", initial != nil, injected != nil)
	}
	if injected.RunID != initial.RunID {
		t.Errorf("injected RunID = %s, want %s", injected.RunID, initial.RunID)
	}
	if len(injected.RunAssignment.InputIDs) != 1 || injected.RunAssignment.InputIDs[0] != receiptB.ReceiptID {
		t.Errorf("injected inputs = %v", injected.RunAssignment.InputIDs)
	}
	if completed.RunCompleted.PendingMessageCount != 0 {
		t.Errorf("pending = %d, want 0", completed.RunCompleted.PendingMessageCount)
	}

	// "B" entered history before the second turn's output.
	time.Sleep(50 * time.Millisecond)
	history := f.loop.History()
	bIdx, finalIdx := -1, -1
	for i, m := range history {
		if m.Kind == models.KindText && m.Text.Text == "B" {
			bIdx = i
		}
		if m.Kind == models.KindText && m.Text.Text == "all done" {
			finalIdx = i
		}
	}
	if bIdx == -1 || finalIdx == -1 || bIdx > finalIdx {
		t.Errorf("history order: B at %d, final at %d", bIdx, finalIdx)
	}
}

func TestLoop_Fork(t *testing.T) {
	p := provider.NewScripted(
		provider.ScriptTurn{TextDeltas: []string{"first answer"}},
		provider.ScriptTurn{TextDeltas: []string{"edited answer"}},
	)
	f := newFixture(t, p, Config{})

	if _, err := f.loop.Submit(context.Background(), UserInput{Messages: []models.Message{userText("original")}}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	first := awaitRun(t, f.sub)
	r1 := first[0].RunID
	if r1 == "" {
		t.Fatal("no run id on first message")
	}

	if _, err := f.loop.Submit(context.Background(), UserInput{
		Messages:    []models.Message{userText("edit")},
		ParentRunID: r1,
	}); err != nil {
		t.Fatalf("Submit fork: %v", err)
	}

	var forkNotice, assignment *models.Message
	var second []models.Message
	deadline := time.After(5 * time.Second)
	for assignment == nil || forkNotice == nil || second == nil {
		select {
		case msg := <-f.sub.C():
			if msg.Kind == models.KindRunCompleted && msg.RunCompleted.WasForked {
				forkNotice = &msg
			}
			if msg.Kind == models.KindRunAssignment {
				assignment = &msg
			}
			if msg.Kind == models.KindRunCompleted && !msg.RunCompleted.WasForked {
				second = []models.Message{msg}
			}
		case <-deadline:
			t.Fatal("fork sequence incomplete")
		}
	}

	if forkNotice.RunCompleted.CompletedRunID != r1 {
		t.Errorf("fork completed run = %s, want %s", forkNotice.RunCompleted.CompletedRunID, r1)
	}
	r2 := forkNotice.RunCompleted.ForkedToRunID
	if r2 == "" || r2 == r1 {
		t.Errorf("forked-to run = %q", r2)
	}
	if assignment.RunID != r2 || assignment.ParentRunID != r1 {
		t.Errorf("assignment run = %s parent = %s", assignment.RunID, assignment.ParentRunID)
	}

	// History dropped r1's assistant output and replayed from the edit.
	time.Sleep(50 * time.Millisecond)
	history := f.loop.History()
	for _, m := range history {
		if m.Kind == models.KindText && m.Text.Text == "first answer" {
			t.Error("forked history still contains the first run's answer")
		}
	}
	var sawEdit, sawNew bool
	for _, m := range history {
		if m.Kind == models.KindText && m.Text.Text == "edit" {
			sawEdit = true
		}
		if m.Kind == models.KindText && m.Text.Text == "edited answer" {
			sawNew = true
		}
	}
	if !sawEdit || !sawNew {
		t.Errorf("history missing fork turn: edit=%v answer=%v", sawEdit, sawNew)
	}
}

func TestLoop_UnknownTool(t *testing.T) {
	p := provider.NewScripted(
		provider.ScriptTurn{ToolCalls: []provider.ScriptToolCall{
			{ID: "c1", Name: "bogus_tool", ArgsChunks: []string{`{}`}},
		}},
		provider.ScriptTurn{TextDeltas: []string{"let me try again"}},
	)
	f := newFixture(t, p, Config{})

	if _, err := f.loop.Submit(context.Background(), UserInput{Messages: []models.Message{userText("go")}}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	got := awaitRun(t, f.sub)

	var result, completed *models.Message
	for i := range got {
		switch got[i].Kind {
		case models.KindToolResult:
			result = &got[i]
		case models.KindRunCompleted:
			completed = &got[i]
		}
	}
	if result == nil {
		t.Fatalf("no tool result in %v", kinds(got))
	}
	if !result.ToolResult.IsError {
		t.Error("unknown tool result not marked as error")
	}
	if !strings.Contains(result.ToolResult.Result, "available_functions") {
		t.Errorf("result = %s", result.ToolResult.Result)
	}
	if completed.RunCompleted.IsError {
		t.Error("unknown tool failed the run")
	}
}

func TestLoop_ProviderErrorFailsRunOnly(t *testing.T) {
	p := provider.NewScripted(
		provider.ScriptTurn{ErrMessage: "upstream exploded"},
		provider.ScriptTurn{TextDeltas: []string{"recovered"}},
	)
	f := newFixture(t, p, Config{})

	if _, err := f.loop.Submit(context.Background(), UserInput{Messages: []models.Message{userText("one")}}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	got := awaitRun(t, f.sub)
	completed := got[len(got)-1]
	if !completed.RunCompleted.IsError {
		t.Fatal("run should have failed")
	}
	if !strings.Contains(completed.RunCompleted.ErrorMessage, "upstream exploded") {
		t.Errorf("error message = %q", completed.RunCompleted.ErrorMessage)
	}

	// The loop survives and serves the next run.
	if _, err := f.loop.Submit(context.Background(), UserInput{Messages: []models.Message{userText("two")}}); err != nil {
		t.Fatalf("Submit after failure: %v", err)
	}
	second := awaitRun(t, f.sub)
	if second[len(second)-1].RunCompleted.IsError {
		t.Error("second run should have succeeded")
	}
}

func TestLoop_MaxTurnsBoundary(t *testing.T) {
	p := provider.NewScripted(
		provider.ScriptTurn{ToolCalls: []provider.ScriptToolCall{
			{ID: "c1", Name: "get_weather", ArgsChunks: []string{`{"city":"SF"}`}},
		}},
		// Never reached with maxTurnsPerRun = 1.
		provider.ScriptTurn{TextDeltas: []string{"unreachable"}},
	)
	f := newFixture(t, p, Config{MaxTurnsPerRun: 1})

	if _, err := f.loop.Submit(context.Background(), UserInput{Messages: []models.Message{userText("go")}}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	got := awaitRun(t, f.sub)
	completed := got[len(got)-1]
	if completed.RunCompleted.IsError {
		t.Errorf("max-turns run marked as error: %s", completed.RunCompleted.ErrorMessage)
	}
	for _, m := range got {
		if m.Kind == models.KindText && m.Text.Role == models.RoleAssistant && m.Text.Text == "unreachable" {
			t.Error("second turn ran despite maxTurnsPerRun=1")
		}
	}
}

func TestLoop_SubmitAfterClose(t *testing.T) {
	p := provider.NewScripted()
	f := newFixture(t, p, Config{})
	f.loop.Close()
	if _, err := f.loop.Submit(context.Background(), UserInput{Messages: []models.Message{userText("late")}}); err != ErrClosed {
		t.Errorf("err = %v, want ErrClosed", err)
	}
}

func TestLoop_RejectWhenFull(t *testing.T) {
	p := provider.NewScripted()
	pub := pubsub.New(pubsub.Config{})
	defer pub.Close()

	loop := NewLoop(Config{
		ThreadID:       "thr-1",
		SessionID:      "ses-1",
		Provider:       p,
		Publisher:      pub,
		Registry:       tools.NewRegistry(),
		Executor:       tools.NewExecutor(tools.NewRegistry(), tools.ExecutorConfig{}),
		InputBuffer:    1,
		RejectWhenFull: true,
	})
	// No Run goroutine: the queue fills.
	if _, err := loop.Submit(context.Background(), UserInput{Messages: []models.Message{userText("a")}}); err != nil {
		t.Fatalf("first Submit: %v", err)
	}
	if _, err := loop.Submit(context.Background(), UserInput{Messages: []models.Message{userText("b")}}); err != ErrQueueFull {
		t.Errorf("err = %v, want ErrQueueFull", err)
	}
}

func TestLoop_RunAndTurnSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	defer tp.Shutdown(context.Background())

	p := provider.NewScripted(
		provider.ScriptTurn{ToolCalls: []provider.ScriptToolCall{
			{ID: "c1", Name: "get_weather", ArgsChunks: []string{`{"city":"SF"}`}},
		}},
		provider.ScriptTurn{TextDeltas: []string{"72 in SF"}},
	)
	f := newFixture(t, p, Config{Tracer: tp.Tracer("test")})

	if _, err := f.loop.Submit(context.Background(), UserInput{Messages: []models.Message{userText("weather?")}}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	awaitRun(t, f.sub)

	var runSpans, turnSpans int
	var runID string
	for _, span := range recorder.Ended() {
		switch span.Name() {
		case "agent.run":
			runSpans++
			for _, attr := range span.Attributes() {
				if attr.Key == "run_id" {
					runID = attr.Value.AsString()
				}
			}
		case "agent.turn":
			turnSpans++
		}
	}
	if runSpans != 1 {
		t.Errorf("agent.run spans = %d, want 1", runSpans)
	}
	if turnSpans != 2 {
		t.Errorf("agent.turn spans = %d, want 2", turnSpans)
	}
	if runID == "" {
		t.Error("run span missing run_id attribute")
	}
}
