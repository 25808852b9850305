package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/haasonsaas/conductor/pkg/models"
)

// PublishFunc delivers a completed tool result downstream. The executor
// calls it as each handler finishes, before the batch as a whole is done.
type PublishFunc func(ctx context.Context, msg *models.Message) error

// ToolStats receives per-execution counters. Observability satisfies this.
type ToolStats interface {
	ToolExecuted(tool string, isError bool)
}

// ExecutorConfig configures the parallel tool executor.
type ExecutorConfig struct {
	// MaxConcurrency limits parallel handler executions. Default: the
	// number of CPUs.
	MaxConcurrency int

	// Timeout bounds each handler invocation. Default: 30s.
	Timeout time.Duration

	// Stats is optional.
	Stats ToolStats

	// Tracer is optional; the global tracer is used when nil.
	Tracer trace.Tracer

	// Logger; slog.Default() when nil.
	Logger *slog.Logger
}

// Executor runs a turn's tool calls concurrently under a semaphore and
// publishes each result the moment its handler returns.
type Executor struct {
	registry *Registry
	sem      chan struct{}
	timeout  time.Duration
	stats    ToolStats
	tracer   trace.Tracer
	logger   *slog.Logger
}

// NewExecutor creates an executor over the registry.
func NewExecutor(registry *Registry, cfg ExecutorConfig) *Executor {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = runtime.NumCPU()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer("conductor/tools")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Executor{
		registry: registry,
		sem:      make(chan struct{}, cfg.MaxConcurrency),
		timeout:  cfg.Timeout,
		stats:    cfg.Stats,
		tracer:   cfg.Tracer,
		logger:   cfg.Logger,
	}
}

// Execute runs every local-target call in the batch concurrently. Calls
// with a provider-side execution target are skipped: the provider runs
// those itself, we only observe them.
//
// Each completed result is published immediately via publish (when
// non-nil), so results interleave with the next turn's streaming. The
// returned slice is ordered by input position and contains one result
// message per dispatched call. Handler failures, unknown tools, and bad
// arguments become isError results, never Go errors: the model reads the
// failure and may self-correct.
func (e *Executor) Execute(ctx context.Context, calls []models.Message, publish PublishFunc) ([]models.Message, error) {
	type slot struct {
		idx int
		msg models.Message
	}

	results := make([]models.Message, 0, len(calls))
	resCh := make(chan slot, len(calls))
	var wg sync.WaitGroup
	dispatched := 0

	for i, call := range calls {
		if call.Kind != models.KindToolCall || call.ToolCall == nil {
			continue
		}
		if call.ToolCall.Target == models.TargetProviderServer {
			continue
		}

		dispatched++
		wg.Add(1)
		go func(idx int, call models.Message) {
			defer wg.Done()

			select {
			case e.sem <- struct{}{}:
				defer func() { <-e.sem }()
			case <-ctx.Done():
				resCh <- slot{idx, e.errorResult(&call, ctx.Err().Error())}
				return
			}

			res := e.runOne(ctx, &call)
			if publish != nil {
				if err := publish(ctx, &res); err != nil {
					e.logger.Warn("publishing tool result failed",
						"tool", call.ToolCall.Name,
						"tool_call_id", call.ToolCallID,
						"error", err)
				}
			}
			resCh <- slot{idx, res}
		}(i, call)
	}

	wg.Wait()
	close(resCh)

	bySlot := make(map[int]models.Message, dispatched)
	for s := range resCh {
		bySlot[s.idx] = s.msg
	}
	for i := range calls {
		if msg, ok := bySlot[i]; ok {
			results = append(results, msg)
		}
	}
	return results, ctx.Err()
}

// runOne executes a single call with panic containment and a per-call
// timeout.
func (e *Executor) runOne(ctx context.Context, call *models.Message) (res models.Message) {
	name := call.ToolCall.Name

	ctx, span := e.tracer.Start(ctx, "tool.execute",
		trace.WithAttributes(attribute.String("tool_name", name)))
	// Registered before the recover handler so it observes the final
	// result, including panic conversions.
	defer func() {
		isError := res.ToolResult != nil && res.ToolResult.IsError
		if e.stats != nil {
			e.stats.ToolExecuted(name, isError)
		}
		if isError {
			span.SetStatus(codes.Error, "tool execution failed")
		}
		span.End()
	}()
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("tool handler panicked",
				"tool", name,
				"panic", r,
				"stack", string(debug.Stack()))
			res = e.errorResult(call, fmt.Sprintf("handler panic: %v", r))
		}
	}()

	tool, ok := e.registry.Get(name)
	if !ok {
		payload, _ := json.Marshal(map[string]any{
			"error":               fmt.Sprintf("unknown function %q", name),
			"available_functions": e.registry.Names(),
		})
		return e.errorRawResult(call, string(payload))
	}

	var args map[string]any
	raw := call.ToolCall.Args
	if raw == "" {
		raw = "{}"
	}
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return e.errorResult(call, fmt.Sprintf("invalid arguments: %v", err))
	}
	if err := tool.Contract.Validate([]byte(raw)); err != nil {
		return e.errorResult(call, fmt.Sprintf("arguments rejected: %v", err))
	}

	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	start := time.Now()
	out, err := tool.Handler(callCtx, args)
	elapsed := time.Since(start)
	if err != nil {
		e.logger.Warn("tool handler failed", "tool", name, "duration", elapsed, "error", err)
		return e.errorResult(call, err.Error())
	}
	e.logger.Debug("tool handler completed", "tool", name, "duration", elapsed)

	return e.successResult(call, out)
}

func (e *Executor) successResult(call *models.Message, out any) models.Message {
	var rendered string
	switch v := out.(type) {
	case nil:
		rendered = "null"
	case string:
		rendered = v
	case json.RawMessage:
		rendered = string(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return e.errorResult(call, fmt.Sprintf("unserializable result: %v", err))
		}
		rendered = string(b)
	}
	return resultMessage(call, rendered, false)
}

func (e *Executor) errorResult(call *models.Message, msg string) models.Message {
	payload, _ := json.Marshal(map[string]string{"error": msg})
	return resultMessage(call, string(payload), true)
}

func (e *Executor) errorRawResult(call *models.Message, payload string) models.Message {
	return resultMessage(call, payload, true)
}

func resultMessage(call *models.Message, result string, isError bool) models.Message {
	return models.Message{
		Version:      call.Version,
		Kind:         models.KindToolResult,
		Time:         time.Now(),
		ThreadID:     call.ThreadID,
		RunID:        call.RunID,
		GenerationID: call.GenerationID,
		ToolCallID:   call.ToolCallID,
		ToolResult: &models.ToolResultPayload{
			ToolName: call.ToolCall.Name,
			Result:   result,
			IsError:  isError,
			Target:   call.ToolCall.Target,
		},
	}
}
