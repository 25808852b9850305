package middleware

import (
	"context"
	"sync"
	"testing"

	"github.com/haasonsaas/conductor/internal/contract"
	"github.com/haasonsaas/conductor/internal/provider"
	"github.com/haasonsaas/conductor/internal/tools"
	"github.com/haasonsaas/conductor/pkg/models"
)

func TestToolCallInjection(t *testing.T) {
	reg := tools.NewRegistry()
	reg.Register(&contract.FunctionContract{Name: "get_weather"}, func(ctx context.Context, args map[string]any) (any, error) { return nil, nil })
	reg.Register(&contract.FunctionContract{Name: "blocked_tool"}, func(ctx context.Context, args map[string]any) (any, error) { return nil, nil })
	filter := tools.NewFilter(tools.FilterConfig{GlobalBlock: []string{"blocked_*"}})

	mw := NewToolCallInjection(reg, filter)

	t.Run("injects filtered contracts", func(t *testing.T) {
		mc := &Context{Provider: "anthropic", Options: &provider.Options{}}
		ch, err := mw.InvokeStreaming(context.Background(), mc, sourceNext())
		if err != nil {
			t.Fatalf("InvokeStreaming: %v", err)
		}
		collect(t, ch)
		if len(mc.Options.Functions) != 1 || mc.Options.Functions[0].Name != "get_weather" {
			t.Errorf("Functions = %+v", mc.Options.Functions)
		}
	})

	t.Run("leaves explicit functions alone", func(t *testing.T) {
		explicit := []*contract.FunctionContract{{Name: "custom"}}
		mc := &Context{Provider: "anthropic", Options: &provider.Options{Functions: explicit}}
		ch, _ := mw.InvokeStreaming(context.Background(), mc, sourceNext())
		collect(t, ch)
		if len(mc.Options.Functions) != 1 || mc.Options.Functions[0].Name != "custom" {
			t.Errorf("Functions = %+v", mc.Options.Functions)
		}
	})

	t.Run("creates options when nil", func(t *testing.T) {
		mc := &Context{Provider: "anthropic"}
		ch, _ := mw.InvokeStreaming(context.Background(), mc, sourceNext())
		collect(t, ch)
		if mc.Options == nil || len(mc.Options.Functions) != 1 {
			t.Errorf("Options = %+v", mc.Options)
		}
	})
}

func TestMessagePublishing_ForwardsBeforeYielding(t *testing.T) {
	var mu sync.Mutex
	var published []models.MessageKind
	publish := func(ctx context.Context, msg *models.Message) error {
		mu.Lock()
		published = append(published, msg.Kind)
		mu.Unlock()
		return nil
	}

	mw := NewMessagePublishing(publish, nil)
	ch, err := mw.InvokeStreaming(context.Background(), &Context{}, sourceNext(
		textUpdate("g1", "a", 0),
		usageMsg("g1"),
	))
	if err != nil {
		t.Fatalf("InvokeStreaming: %v", err)
	}
	got := collect(t, ch)

	if len(got) != 2 {
		t.Fatalf("forwarded %d messages, want 2", len(got))
	}
	mu.Lock()
	defer mu.Unlock()
	if len(published) != 2 || published[0] != models.KindTextUpdate || published[1] != models.KindUsage {
		t.Errorf("published = %v", published)
	}
}

func TestJsonFragmentUpdate_AttachesUpdates(t *testing.T) {
	mw := NewJsonFragmentUpdate(nil)
	ch, err := mw.InvokeStreaming(context.Background(), &Context{}, sourceNext(
		toolUpdate("g1", "c1", "get_weather", `{"city":`, 0),
		toolUpdate("g1", "c1", "", `"SF"}`, 1),
	))
	if err != nil {
		t.Fatalf("InvokeStreaming: %v", err)
	}
	got := collect(t, ch)

	if len(got) != 2 {
		t.Fatalf("got %d messages", len(got))
	}
	first := got[0].ToolCall.FragmentUpdates
	if len(first) == 0 {
		t.Fatal("first delta produced no fragment updates")
	}
	if first[0].Kind != models.FragmentStartObject {
		t.Errorf("first update kind = %s", first[0].Kind)
	}

	var sawComplete bool
	for _, u := range got[1].ToolCall.FragmentUpdates {
		if u.Kind == models.FragmentCompleteString && u.Path == "city" {
			sawComplete = true
			if u.TextValue != "SF" {
				t.Errorf("city value = %q", u.TextValue)
			}
		}
	}
	if !sawComplete {
		t.Error("no completeString for city on second delta")
	}
}

func TestJsonFragmentUpdate_IllFormedArgsContinue(t *testing.T) {
	mw := NewJsonFragmentUpdate(nil)
	ch, err := mw.InvokeStreaming(context.Background(), &Context{}, sourceNext(
		toolUpdate("g1", "c1", "f", `{]broken`, 0),
		toolUpdate("g1", "c1", "", `more`, 1),
		textUpdate("g1", "still streaming", 2),
	))
	if err != nil {
		t.Fatalf("InvokeStreaming: %v", err)
	}
	got := collect(t, ch)
	if len(got) != 3 {
		t.Fatalf("stream truncated after parse failure: %d messages", len(got))
	}
}

func TestTransformation_UpstreamAggregation(t *testing.T) {
	mw := NewMessageTransformation()
	mc := &Context{Messages: []models.Message{
		{Kind: models.KindText, Text: &models.TextPayload{Role: models.RoleUser, Text: "hi"}},
		{Kind: models.KindToolCall, ToolCallID: "c1", ToolCall: &models.ToolCallPayload{Name: "f", Args: `{}`, Target: models.TargetLocalFunction}},
		{Kind: models.KindToolCall, ToolCallID: "c2", ToolCall: &models.ToolCallPayload{Name: "g", Args: `{}`, Target: models.TargetLocalFunction}},
		{Kind: models.KindToolResult, ToolCallID: "c1", ToolResult: &models.ToolResultPayload{ToolName: "f", Result: "1"}},
		{Kind: models.KindToolResult, ToolCallID: "c2", ToolResult: &models.ToolResultPayload{ToolName: "g", Result: "2"}},
		{Kind: models.KindText, Text: &models.TextPayload{Role: models.RoleAssistant, Text: "done"}},
	}}

	var seen []models.Message
	terminal := func(ctx context.Context, mc *Context) (<-chan models.Message, error) {
		seen = mc.Messages
		ch := make(chan models.Message)
		close(ch)
		return ch, nil
	}
	ch, err := mw.InvokeStreaming(context.Background(), mc, terminal)
	if err != nil {
		t.Fatalf("InvokeStreaming: %v", err)
	}
	collect(t, ch)

	if len(seen) != 3 {
		t.Fatalf("provider saw %d messages, want text + aggregate + text", len(seen))
	}
	agg := seen[1]
	if agg.Kind != models.KindToolsAggregate {
		t.Fatalf("middle kind = %s", agg.Kind)
	}
	if len(agg.Aggregate.Calls) != 2 || len(agg.Aggregate.Results) != 2 {
		t.Errorf("aggregate = %+v", agg.Aggregate)
	}
}

func TestTransformation_DownstreamDenseOrder(t *testing.T) {
	mw := NewMessageTransformation()
	ch, _ := mw.InvokeStreaming(context.Background(), &Context{}, sourceNext(
		textUpdate("g1", "a", 0),
		textUpdate("g1", "b", 0),
		textUpdate("g2", "x", 0),
		textUpdate("g1", "c", 0),
	))
	got := collect(t, ch)

	wantOrders := []int{0, 1, 0, 2}
	for i, m := range got {
		if m.OrderIdx != wantOrders[i] {
			t.Errorf("message %d OrderIdx = %d, want %d", i, m.OrderIdx, wantOrders[i])
		}
	}
}

func TestAggregateDecompose_Symmetry(t *testing.T) {
	original := []models.Message{
		{Version: 1, Kind: models.KindToolCall, ThreadID: "t1", RunID: "r1", GenerationID: "g1", ToolCallID: "c1",
			ToolCall: &models.ToolCallPayload{Name: "f", Args: `{"a":1}`, Target: models.TargetLocalFunction}},
		{Version: 1, Kind: models.KindToolCall, ThreadID: "t1", RunID: "r1", GenerationID: "g1", ToolCallID: "c2",
			ToolCall: &models.ToolCallPayload{Name: "g", Args: `{}`, Target: models.TargetProviderServer}},
		{Version: 1, Kind: models.KindToolResult, ThreadID: "t1", RunID: "r1", GenerationID: "g1", ToolCallID: "c1",
			ToolResult: &models.ToolResultPayload{ToolName: "f", Result: `"ok"`, Target: models.TargetLocalFunction}},
		{Version: 1, Kind: models.KindToolResult, ThreadID: "t1", RunID: "r1", GenerationID: "g1", ToolCallID: "c2",
			ToolResult: &models.ToolResultPayload{ToolName: "g", Result: `"ok"`, IsError: true, Target: models.TargetProviderServer}},
	}

	folded := AggregateToolMessages(original)
	if len(folded) != 1 {
		t.Fatalf("folded to %d messages, want 1", len(folded))
	}
	restored := DecomposeAggregate(&folded[0])
	if len(restored) != len(original) {
		t.Fatalf("restored %d messages, want %d", len(restored), len(original))
	}
	for i := range original {
		if restored[i].ToolCallID != original[i].ToolCallID {
			t.Errorf("message %d id = %s, want %s", i, restored[i].ToolCallID, original[i].ToolCallID)
		}
		if restored[i].Kind != original[i].Kind {
			t.Errorf("message %d kind = %s, want %s", i, restored[i].Kind, original[i].Kind)
		}
	}
	if restored[3].ToolResult.IsError != true {
		t.Error("error flag lost in round trip")
	}
}

func TestFunctionCall_ExecutesAtStreamEnd(t *testing.T) {
	reg := tools.NewRegistry()
	reg.Register(&contract.FunctionContract{
		Name:       "get_weather",
		Parameters: []contract.Parameter{{Name: "city", Type: "string", Required: true}},
	}, func(ctx context.Context, args map[string]any) (any, error) {
		return map[string]int{"temp": 72}, nil
	})
	exec := tools.NewExecutor(reg, tools.ExecutorConfig{})

	var mu sync.Mutex
	var publishedIDs []string
	publish := func(ctx context.Context, msg *models.Message) error {
		mu.Lock()
		publishedIDs = append(publishedIDs, msg.ToolCallID)
		mu.Unlock()
		return nil
	}

	mw := NewFunctionCall(exec, publish)
	ch, err := mw.InvokeStreaming(context.Background(), &Context{Options: &provider.Options{}}, sourceNext(
		toolUpdate("g1", "c1", "get_weather", `{"city":`, 0),
		toolUpdate("g1", "c1", "", `"SF"}`, 1),
		usageMsg("g1"),
	))
	if err != nil {
		t.Fatalf("InvokeStreaming: %v", err)
	}
	collect(t, ch)

	results := mw.TakeResults()
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	if results[0].Kind != models.KindToolResult || results[0].ToolCallID != "c1" {
		t.Errorf("result = %+v", results[0])
	}
	if results[0].ToolResult.IsError {
		t.Errorf("unexpected error result: %s", results[0].ToolResult.Result)
	}

	mu.Lock()
	if len(publishedIDs) != 1 || publishedIDs[0] != "c1" {
		t.Errorf("published = %v", publishedIDs)
	}
	mu.Unlock()

	// Drained: second take is empty.
	if extra := mw.TakeResults(); len(extra) != 0 {
		t.Errorf("second TakeResults = %d", len(extra))
	}
}

func TestChain_StandardComposition(t *testing.T) {
	reg := tools.NewRegistry()
	reg.Register(&contract.FunctionContract{
		Name:       "get_weather",
		Parameters: []contract.Parameter{{Name: "city", Type: "string", Required: true}},
	}, func(ctx context.Context, args map[string]any) (any, error) {
		return `{"temp":72}`, nil
	})
	exec := tools.NewExecutor(reg, tools.ExecutorConfig{})

	var mu sync.Mutex
	var published []models.MessageKind
	publish := func(ctx context.Context, msg *models.Message) error {
		mu.Lock()
		published = append(published, msg.Kind)
		mu.Unlock()
		return nil
	}

	funcCall := NewFunctionCall(exec, publish)
	chain := NewChain(
		NewToolCallInjection(reg, nil),
		NewMessageUpdateJoiner(),
		NewMessagePublishing(publish, nil),
		NewJsonFragmentUpdate(nil),
		NewMessageTransformation(),
		funcCall,
	)

	scripted := provider.NewScripted(provider.ScriptTurn{
		ToolCalls: []provider.ScriptToolCall{
			{ID: "c1", Name: "get_weather", ArgsChunks: []string{`{"city":"SF"}`}},
		},
	})
	terminal := func(ctx context.Context, mc *Context) (<-chan models.Message, error) {
		return scripted.Stream(ctx, &provider.Request{Messages: mc.Messages, Options: mc.Options})
	}

	mc := &Context{
		Provider: "scripted",
		Messages: []models.Message{
			{Kind: models.KindText, Text: &models.TextPayload{Role: models.RoleUser, Text: "weather in SF?"}},
		},
		Options: &provider.Options{ThreadID: "t1", RunID: "r1", GenerationID: "g1"},
	}
	got, err := chain.Invoke(context.Background(), mc, terminal)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}

	if len(mc.Options.Functions) != 1 {
		t.Errorf("injected functions = %d", len(mc.Options.Functions))
	}

	var fullCalls, updates, usages int
	for _, m := range got {
		switch m.Kind {
		case models.KindToolCall:
			fullCalls++
			if m.ToolCall.Args != `{"city":"SF"}` {
				t.Errorf("joined args = %q", m.ToolCall.Args)
			}
		case models.KindToolCallUpdate:
			updates++
			if len(m.ToolCall.FragmentUpdates) == 0 && m.ToolCall.Args != "" {
				t.Error("argument delta missing fragment updates")
			}
		case models.KindUsage:
			usages++
		}
	}
	if fullCalls != 1 {
		t.Errorf("joined tool calls = %d, want 1", fullCalls)
	}
	if updates == 0 {
		t.Error("no tool call updates forwarded")
	}
	if usages != 1 {
		t.Errorf("usage messages = %d, want 1", usages)
	}

	results := funcCall.TakeResults()
	if len(results) != 1 || results[0].ToolResult.Result != `{"temp":72}` {
		t.Errorf("results = %+v", results)
	}
}
