// Package pubsub fans the per-session message stream out to live
// subscribers: SSE handlers, socket sessions, and test harnesses.
package pubsub

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/conductor/pkg/models"
)

// OverflowPolicy decides what happens when a subscriber buffer is full.
type OverflowPolicy int

const (
	// PolicyBlock stalls the producer until the subscriber drains.
	// This is the default: the loop must not outrun its observers.
	PolicyBlock OverflowPolicy = iota

	// PolicyDrop discards the message and surfaces a BACKPRESSURE_DROP
	// error on the subscriber's stream once space frees up.
	PolicyDrop
)

// DefaultBufferSize is the per-subscriber buffer capacity.
const DefaultBufferSize = 1000

// Config configures a Publisher.
type Config struct {
	// BufferSize is the per-subscriber channel capacity. Default: 1000.
	BufferSize int

	// Policy selects the overflow behavior. Default: PolicyBlock.
	Policy OverflowPolicy

	// Logger; slog.Default() when nil.
	Logger *slog.Logger
}

// Publisher multiplexes messages to the subscribers of each session.
// Sessions are strictly partitioned: a message published to one session is
// never observed by another session's subscribers.
//
// Safe for concurrent use.
type Publisher struct {
	mu       sync.RWMutex
	sessions map[string][]*subscriber
	closed   bool

	bufferSize int
	policy     OverflowPolicy
	logger     *slog.Logger
}

type subscriber struct {
	sessionID string
	ch        chan models.Message
	done      chan struct{}

	// sendMu serializes sends so the channel can be closed safely.
	sendMu sync.Mutex
	closed bool
	once   sync.Once

	// dropped counts messages discarded under PolicyDrop since the last
	// surfaced error. Guarded by sendMu.
	dropped int
}

// New creates a Publisher.
func New(cfg Config) *Publisher {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Publisher{
		sessions:   make(map[string][]*subscriber),
		bufferSize: cfg.BufferSize,
		policy:     cfg.Policy,
		logger:     cfg.Logger,
	}
}

// Subscription is one subscriber's view of a session stream.
type Subscription struct {
	sub *subscriber
	pub *Publisher
}

// C returns the message channel. It is closed on Close, session close, or
// publisher shutdown.
func (s *Subscription) C() <-chan models.Message { return s.sub.ch }

// Close unsubscribes. Idempotent; in-flight messages may be discarded.
func (s *Subscription) Close() {
	s.pub.remove(s.sub)
	s.sub.close()
}

// Subscribe registers a new subscriber for the session.
func (p *Publisher) Subscribe(sessionID string) (*Subscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, fmt.Errorf("pubsub: publisher closed")
	}
	sub := &subscriber{
		sessionID: sessionID,
		ch:        make(chan models.Message, p.bufferSize),
		done:      make(chan struct{}),
	}
	p.sessions[sessionID] = append(p.sessions[sessionID], sub)
	return &Subscription{sub: sub, pub: p}, nil
}

// Publish delivers the message to every subscriber of the session,
// honoring the configured overflow policy. Subscribers receive clones, so
// the caller's message stays immutable.
//
// Under PolicyBlock, Publish blocks on a full subscriber until it drains,
// unsubscribes, or ctx is cancelled.
func (p *Publisher) Publish(ctx context.Context, sessionID string, msg *models.Message) error {
	p.mu.RLock()
	subs := make([]*subscriber, len(p.sessions[sessionID]))
	copy(subs, p.sessions[sessionID])
	p.mu.RUnlock()

	for _, sub := range subs {
		if err := p.deliver(ctx, sub, msg); err != nil {
			return err
		}
	}
	return nil
}

func (p *Publisher) deliver(ctx context.Context, sub *subscriber, msg *models.Message) error {
	sub.sendMu.Lock()
	defer sub.sendMu.Unlock()
	if sub.closed {
		return nil
	}

	// Surface accumulated drops before the next delivery so the gap is
	// visible in-stream.
	if sub.dropped > 0 {
		errMsg := models.Message{
			Version: 1,
			Kind:    models.KindError,
			Time:    time.Now(),
			Error: &models.ErrorPayload{
				Code:        models.ErrCodeBackpressureDrop,
				Message:     fmt.Sprintf("dropped %d messages: subscriber too slow", sub.dropped),
				Recoverable: true,
			},
		}
		select {
		case sub.ch <- errMsg:
			sub.dropped = 0
		default:
			// Still full: the counter keeps growing.
		}
	}

	clone := *msg.Clone()

	switch p.policy {
	case PolicyDrop:
		select {
		case sub.ch <- clone:
		default:
			sub.dropped++
			p.logger.Warn("dropping message for slow subscriber",
				"session_id", sub.sessionID,
				"kind", clone.Kind,
				"dropped_total", sub.dropped)
		}
		return nil

	default: // PolicyBlock
		select {
		case sub.ch <- clone:
			return nil
		case <-sub.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// CloseSession ends every subscription of the session.
func (p *Publisher) CloseSession(sessionID string) {
	p.mu.Lock()
	subs := p.sessions[sessionID]
	delete(p.sessions, sessionID)
	p.mu.Unlock()
	for _, sub := range subs {
		sub.close()
	}
}

// SubscriberCount reports the live subscribers of a session.
func (p *Publisher) SubscriberCount(sessionID string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.sessions[sessionID])
}

// Close shuts the publisher down and ends every subscription.
func (p *Publisher) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	sessions := p.sessions
	p.sessions = make(map[string][]*subscriber)
	p.mu.Unlock()

	for _, subs := range sessions {
		for _, sub := range subs {
			sub.close()
		}
	}
}

func (p *Publisher) remove(target *subscriber) {
	p.mu.Lock()
	defer p.mu.Unlock()
	subs := p.sessions[target.sessionID]
	for i, sub := range subs {
		if sub == target {
			p.sessions[target.sessionID] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(p.sessions[target.sessionID]) == 0 {
		delete(p.sessions, target.sessionID)
	}
}

// close signals done first so a blocked producer exits its select, then
// closes the data channel once no send is in flight.
func (s *subscriber) close() {
	s.once.Do(func() {
		close(s.done)
		s.sendMu.Lock()
		s.closed = true
		close(s.ch)
		s.sendMu.Unlock()
	})
}
