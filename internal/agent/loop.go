// Package agent runs the per-thread conversation loop: it accepts queued
// inputs, drives provider turns through the middleware pipeline, executes
// tool calls, and owns the thread's history.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/haasonsaas/conductor/internal/middleware"
	"github.com/haasonsaas/conductor/internal/provider"
	"github.com/haasonsaas/conductor/internal/pubsub"
	"github.com/haasonsaas/conductor/internal/tools"
	"github.com/haasonsaas/conductor/pkg/models"
)

const (
	// DefaultInputBuffer is the input queue capacity per thread.
	DefaultInputBuffer = 100

	// DefaultMaxTurnsPerRun bounds provider turns within one run.
	DefaultMaxTurnsPerRun = 10
)

var (
	// ErrClosed is returned by Submit after the loop shut down.
	ErrClosed = errors.New("agent: loop closed")

	// ErrQueueFull is returned by Submit when the input queue is full
	// and the loop is configured to reject instead of block.
	ErrQueueFull = errors.New("agent: input queue full")
)

// UserInput is one submission: the messages to add, an optional caller
// correlation id, and an optional parent run to fork from.
type UserInput struct {
	Messages    []models.Message
	InputID     string
	ParentRunID string
}

// SendReceipt acknowledges an accepted submission. It promises queueing,
// not run assignment.
type SendReceipt struct {
	ReceiptID string    `json:"receipt_id"`
	InputID   string    `json:"input_id,omitempty"`
	QueuedAt  time.Time `json:"queued_at"`
}

// Recorder persists messages for replay. The store satisfies this.
type Recorder interface {
	SaveMessage(ctx context.Context, sessionID string, msg *models.Message) error
}

// Stats receives loop counters. Observability satisfies this.
type Stats interface {
	RunStarted()
	RunFinished(isError bool)
	TurnExecuted()
	TokensUsed(prompt, completion int)
}

// Config configures a Loop.
type Config struct {
	ThreadID  string
	SessionID string

	Provider  provider.Provider
	Publisher *pubsub.Publisher
	Registry  *tools.Registry
	Filter    *tools.Filter
	Executor  *tools.Executor

	// Recorder is optional; when nil, nothing is persisted.
	Recorder Recorder

	// Stats is optional.
	Stats Stats

	// Tracer is optional; the global tracer is used when nil. Spans wrap
	// each run and each provider turn.
	Tracer trace.Tracer

	SystemPrompt   string
	DefaultOptions *provider.Options

	MaxTurnsPerRun int
	InputBuffer    int

	// RejectWhenFull makes Submit fail fast with ErrQueueFull instead
	// of blocking on a full input queue.
	RejectWhenFull bool

	Logger *slog.Logger
}

type queuedInput struct {
	receipt SendReceipt
	input   UserInput
}

// Loop is the single-owner run driver for one thread. Submissions are
// safe from any goroutine; Run must be called exactly once.
type Loop struct {
	cfg      Config
	inputs   chan queuedInput
	chain    *middleware.Chain
	funcCall *middleware.FunctionCall
	logger   *slog.Logger

	mu     sync.RWMutex
	closed bool

	// history and boundaries belong to the Run goroutine only.
	history []models.Message
	// boundaries records the history length right after each run's
	// initial inputs were appended; forks truncate to it.
	boundaries map[string]int
	// stash holds fork submissions waiting for the current run to end.
	stash []queuedInput

	done chan struct{}
}

// NewLoop creates a loop for one thread.
func NewLoop(cfg Config) *Loop {
	if cfg.InputBuffer <= 0 {
		cfg.InputBuffer = DefaultInputBuffer
	}
	if cfg.MaxTurnsPerRun <= 0 {
		cfg.MaxTurnsPerRun = DefaultMaxTurnsPerRun
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer("conductor/agent")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	cfg.Logger = cfg.Logger.With("thread_id", cfg.ThreadID)

	l := &Loop{
		cfg:        cfg,
		inputs:     make(chan queuedInput, cfg.InputBuffer),
		logger:     cfg.Logger,
		boundaries: make(map[string]int),
		done:       make(chan struct{}),
	}

	publish := func(ctx context.Context, msg *models.Message) error {
		return l.publish(ctx, msg)
	}
	l.funcCall = middleware.NewFunctionCall(cfg.Executor, publish)
	l.chain = middleware.NewChain(
		middleware.NewToolCallInjection(cfg.Registry, cfg.Filter),
		middleware.NewMessageUpdateJoiner(),
		middleware.NewMessagePublishing(publish, cfg.Logger),
		middleware.NewJsonFragmentUpdate(cfg.Logger),
		middleware.NewMessageTransformation(),
		l.funcCall,
	)
	return l
}

// Submit enqueues a user input and returns a receipt. When the queue is
// full it blocks until space frees or ctx ends, unless RejectWhenFull.
func (l *Loop) Submit(ctx context.Context, input UserInput) (SendReceipt, error) {
	l.mu.RLock()
	if l.closed {
		l.mu.RUnlock()
		return SendReceipt{}, ErrClosed
	}

	receipt := SendReceipt{
		ReceiptID: models.NewReceiptID(),
		InputID:   input.InputID,
		QueuedAt:  time.Now(),
	}
	item := queuedInput{receipt: receipt, input: input}

	if l.cfg.RejectWhenFull {
		defer l.mu.RUnlock()
		select {
		case l.inputs <- item:
			return receipt, nil
		default:
			return SendReceipt{}, ErrQueueFull
		}
	}
	l.mu.RUnlock()

	select {
	case l.inputs <- item:
		return receipt, nil
	case <-l.done:
		return SendReceipt{}, ErrClosed
	case <-ctx.Done():
		return SendReceipt{}, ctx.Err()
	}
}

// Close stops accepting input. Run exits once the queue drains.
func (l *Loop) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	close(l.done)
	close(l.inputs)
}

// Run drives the loop until Close or ctx cancellation. Every accepted
// batch becomes a run; per-run failures are contained and reported via
// RunCompleted, they never stop the loop.
func (l *Loop) Run(ctx context.Context) {
	defer func() {
		if l.cfg.Publisher != nil {
			l.cfg.Publisher.CloseSession(l.cfg.SessionID)
		}
	}()
	for {
		batch, ok := l.nextBatch(ctx)
		if !ok {
			return
		}
		l.runOnce(ctx, batch)
		if ctx.Err() != nil {
			return
		}
	}
}

// nextBatch blocks for the first input, then drains everything queued
// behind it. Stashed fork submissions take priority.
func (l *Loop) nextBatch(ctx context.Context) ([]queuedInput, bool) {
	if len(l.stash) > 0 {
		batch := l.stash
		l.stash = nil
		return batch, true
	}

	var first queuedInput
	select {
	case item, ok := <-l.inputs:
		if !ok {
			return nil, false
		}
		first = item
	case <-ctx.Done():
		return nil, false
	}

	batch := []queuedInput{first}
	batch = append(batch, l.drainQueued()...)
	return batch, true
}

func (l *Loop) drainQueued() []queuedInput {
	var items []queuedInput
	for {
		select {
		case item, ok := <-l.inputs:
			if !ok {
				return items
			}
			items = append(items, item)
		default:
			return items
		}
	}
}

// runOnce executes one full run for the batch.
func (l *Loop) runOnce(ctx context.Context, batch []queuedInput) {
	runID := models.NewRunID()
	parentRunID := ""

	ctx, span := l.cfg.Tracer.Start(ctx, "agent.run", trace.WithAttributes(
		attribute.String("thread_id", l.cfg.ThreadID),
		attribute.String("run_id", runID),
	))
	defer span.End()

	if fork := forkParent(batch); fork != "" {
		parentRunID = fork
		l.forkFrom(ctx, fork, runID)
	}

	if l.cfg.Stats != nil {
		l.cfg.Stats.RunStarted()
	}
	logger := l.logger.With("run_id", runID)
	logger.Info("run started", "inputs", len(batch), "parent_run_id", parentRunID)

	l.announceAssignment(ctx, runID, parentRunID, batch, false)
	l.appendInputs(ctx, runID, batch)

	var runErr error
	turns := 0
	for {
		turns++
		hadToolCalls, err := l.executeTurn(ctx, runID, parentRunID)
		if err != nil {
			runErr = err
			break
		}
		if !hadToolCalls {
			break
		}
		if turns >= l.cfg.MaxTurnsPerRun {
			logger.Warn("max turns reached", "turns", turns)
			break
		}

		// Between turns: fold any queued inputs into this run.
		injected := l.stashForks(l.drainQueued())
		if len(injected) > 0 {
			l.announceAssignment(ctx, runID, parentRunID, injected, true)
			l.appendInputs(ctx, runID, injected)
		}
	}

	pending := len(l.inputs) + len(l.stash)
	completed := models.Message{
		Version:  1,
		Kind:     models.KindRunCompleted,
		Time:     time.Now(),
		ThreadID: l.cfg.ThreadID,
		RunID:    runID,
		RunCompleted: &models.RunCompletedPayload{
			CompletedRunID:      runID,
			HasPendingMessages:  pending > 0,
			PendingMessageCount: pending,
		},
	}
	if runErr != nil {
		completed.RunCompleted.IsError = true
		completed.RunCompleted.ErrorMessage = runErr.Error()
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
		logger.Error("run failed", "error", runErr, "turns", turns)
	} else {
		logger.Info("run completed", "turns", turns, "pending", pending)
	}
	if l.cfg.Stats != nil {
		l.cfg.Stats.RunFinished(runErr != nil)
	}
	l.publishAndRecord(ctx, &completed)
}

// executeTurn runs one provider generation through the pipeline, folds
// the joined messages and tool results into history, and reports whether
// the model requested tools.
func (l *Loop) executeTurn(ctx context.Context, runID, parentRunID string) (hadToolCalls bool, err error) {
	if l.cfg.Stats != nil {
		l.cfg.Stats.TurnExecuted()
	}

	generationID := models.Generations.Next()

	ctx, span := l.cfg.Tracer.Start(ctx, "agent.turn", trace.WithAttributes(
		attribute.String("run_id", runID),
		attribute.String("generation_id", generationID),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	opts := l.cfg.DefaultOptions.Merge(&provider.Options{
		ThreadID:     l.cfg.ThreadID,
		RunID:        runID,
		GenerationID: generationID,
	})

	mc := &middleware.Context{
		Provider: l.cfg.Provider.Name(),
		Messages: l.history,
		Options:  opts,
	}
	terminal := func(ctx context.Context, mc *middleware.Context) (<-chan models.Message, error) {
		return l.cfg.Provider.Stream(ctx, &provider.Request{
			System:   l.cfg.SystemPrompt,
			Messages: mc.Messages,
			Options:  mc.Options,
		})
	}

	emitted, err := l.chain.Invoke(ctx, mc, terminal)
	if err != nil {
		return false, fmt.Errorf("provider stream: %w", err)
	}

	for i := range emitted {
		msg := emitted[i]
		switch msg.Kind {
		case models.KindText, models.KindReasoning, models.KindToolCall:
			// Joined full messages enter history; subscribers saw the
			// updates live, now they see the joined form too.
			if msg.ParentRunID == "" {
				msg.ParentRunID = parentRunID
			}
			l.appendHistory(ctx, msg)
			if err := l.publish(ctx, &msg); err != nil && ctx.Err() == nil {
				l.logger.Warn("publishing joined message failed", "kind", msg.Kind, "error", err)
			}
			if msg.Kind == models.KindToolCall {
				hadToolCalls = true
			}
		case models.KindUsage:
			if l.cfg.Stats != nil && msg.Usage != nil {
				l.cfg.Stats.TokensUsed(msg.Usage.PromptTokens, msg.Usage.CompletionTokens)
			}
			l.record(ctx, &msg)
		case models.KindError:
			if msg.Error != nil && !msg.Error.Recoverable {
				return hadToolCalls, fmt.Errorf("provider: %s", msg.Error.Message)
			}
		}
	}

	// Tool results were published as each handler finished; history
	// takes them now, before the next generation starts.
	for _, res := range l.funcCall.TakeResults() {
		l.appendHistory(ctx, res)
	}
	return hadToolCalls, nil
}

// forkFrom truncates history to the parent run's input boundary and
// announces the fork on the parent run's behalf.
func (l *Loop) forkFrom(ctx context.Context, parentRunID, newRunID string) {
	if boundary, ok := l.boundaries[parentRunID]; ok && boundary <= len(l.history) {
		l.history = l.history[:boundary:boundary]
	} else {
		l.logger.Warn("fork parent unknown, keeping full history", "parent_run_id", parentRunID)
	}

	forked := models.Message{
		Version:  1,
		Kind:     models.KindRunCompleted,
		Time:     time.Now(),
		ThreadID: l.cfg.ThreadID,
		RunID:    parentRunID,
		RunCompleted: &models.RunCompletedPayload{
			CompletedRunID: parentRunID,
			WasForked:      true,
			ForkedToRunID:  newRunID,
		},
	}
	l.publishAndRecord(ctx, &forked)
}

func (l *Loop) announceAssignment(ctx context.Context, runID, parentRunID string, batch []queuedInput, injected bool) {
	ids := make([]string, len(batch))
	for i, item := range batch {
		ids[i] = item.receipt.ReceiptID
	}
	msg := models.Message{
		Version:     1,
		Kind:        models.KindRunAssignment,
		Time:        time.Now(),
		ThreadID:    l.cfg.ThreadID,
		RunID:       runID,
		ParentRunID: parentRunID,
		RunAssignment: &models.RunAssignmentPayload{
			InputIDs:    ids,
			WasInjected: injected,
		},
	}
	l.publishAndRecord(ctx, &msg)
}

// appendInputs adds the batch's messages to history and records the
// fork boundary for this run.
func (l *Loop) appendInputs(ctx context.Context, runID string, batch []queuedInput) {
	for _, item := range batch {
		for _, msg := range item.input.Messages {
			msg.ThreadID = l.cfg.ThreadID
			msg.RunID = runID
			if msg.Version == 0 {
				msg.Version = 1
			}
			if msg.Time.IsZero() {
				msg.Time = time.Now()
			}
			l.appendHistory(ctx, msg)
			if err := l.publish(ctx, &msg); err != nil && ctx.Err() == nil {
				l.logger.Warn("publishing input failed", "error", err)
			}
		}
	}
	if _, seen := l.boundaries[runID]; !seen {
		l.boundaries[runID] = len(l.history)
	}
}

// stashForks holds fork submissions back for a fresh run and returns the
// rest for injection.
func (l *Loop) stashForks(items []queuedInput) []queuedInput {
	var injectable []queuedInput
	for _, item := range items {
		if item.input.ParentRunID != "" {
			l.stash = append(l.stash, item)
		} else {
			injectable = append(injectable, item)
		}
	}
	return injectable
}

func (l *Loop) appendHistory(ctx context.Context, msg models.Message) {
	l.history = append(l.history, msg)
	l.record(ctx, &msg)
}

// History returns a copy of the thread history. Intended for tests and
// transcript export; the loop goroutine owns the live slice.
func (l *Loop) History() []models.Message {
	out := make([]models.Message, len(l.history))
	copy(out, l.history)
	return out
}

// SessionID returns the pubsub session this loop publishes to.
func (l *Loop) SessionID() string { return l.cfg.SessionID }

func (l *Loop) publish(ctx context.Context, msg *models.Message) error {
	if l.cfg.Publisher == nil {
		return nil
	}
	return l.cfg.Publisher.Publish(ctx, l.cfg.SessionID, msg)
}

func (l *Loop) record(ctx context.Context, msg *models.Message) {
	if l.cfg.Recorder == nil {
		return
	}
	if err := l.cfg.Recorder.SaveMessage(ctx, l.cfg.SessionID, msg); err != nil {
		l.logger.Warn("persisting message failed", "kind", msg.Kind, "error", err)
	}
}

func (l *Loop) publishAndRecord(ctx context.Context, msg *models.Message) {
	if err := l.publish(ctx, msg); err != nil && ctx.Err() == nil {
		l.logger.Warn("publishing message failed", "kind", msg.Kind, "error", err)
	}
	l.record(ctx, msg)
}

func forkParent(batch []queuedInput) string {
	for _, item := range batch {
		if item.input.ParentRunID != "" {
			return item.input.ParentRunID
		}
	}
	return ""
}
