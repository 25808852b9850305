package pubsub

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/haasonsaas/conductor/pkg/models"
)

func textMsg(text string) *models.Message {
	return &models.Message{
		Version: 1,
		Kind:    models.KindText,
		Time:    time.Now(),
		Text:    &models.TextPayload{Role: models.RoleAssistant, Text: text},
	}
}

func TestPublisher_FIFOOrder(t *testing.T) {
	p := New(Config{})
	defer p.Close()

	sub, err := p.Subscribe("s1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	const n = 100
	for i := 0; i < n; i++ {
		if err := p.Publish(context.Background(), "s1", textMsg(fmt.Sprintf("m%d", i))); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	for i := 0; i < n; i++ {
		got := <-sub.C()
		if want := fmt.Sprintf("m%d", i); got.Text.Text != want {
			t.Fatalf("message %d = %q, want %q", i, got.Text.Text, want)
		}
	}
}

func TestPublisher_SessionPartitioning(t *testing.T) {
	p := New(Config{})
	defer p.Close()

	subA, _ := p.Subscribe("a")
	subB, _ := p.Subscribe("b")

	if err := p.Publish(context.Background(), "a", textMsg("only-a")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	got := <-subA.C()
	if got.Text.Text != "only-a" {
		t.Errorf("subA got %q", got.Text.Text)
	}
	select {
	case m := <-subB.C():
		t.Errorf("subB got cross-session message %+v", m)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestPublisher_SubscriberGetsClone(t *testing.T) {
	p := New(Config{})
	defer p.Close()

	sub, _ := p.Subscribe("s1")
	orig := textMsg("before")
	if err := p.Publish(context.Background(), "s1", orig); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	orig.Text.Text = "mutated"

	got := <-sub.C()
	if got.Text.Text != "before" {
		t.Errorf("subscriber saw mutation: %q", got.Text.Text)
	}
}

func TestPublisher_DropPolicy(t *testing.T) {
	p := New(Config{BufferSize: 2, Policy: PolicyDrop})
	defer p.Close()

	sub, _ := p.Subscribe("s1")

	// Fill the buffer, then overflow by three.
	for i := 0; i < 5; i++ {
		if err := p.Publish(context.Background(), "s1", textMsg(fmt.Sprintf("m%d", i))); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	if got := <-sub.C(); got.Text.Text != "m0" {
		t.Fatalf("first = %q", got.Text.Text)
	}
	if got := <-sub.C(); got.Text.Text != "m1" {
		t.Fatalf("second = %q", got.Text.Text)
	}

	// The next publish surfaces the gap before delivering.
	if err := p.Publish(context.Background(), "s1", textMsg("after")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	gap := <-sub.C()
	if gap.Kind != models.KindError || gap.Error.Code != models.ErrCodeBackpressureDrop {
		t.Fatalf("expected backpressure error, got %+v", gap)
	}
	if !gap.Error.Recoverable {
		t.Error("backpressure drop should be recoverable")
	}
	if got := <-sub.C(); got.Text.Text != "after" {
		t.Errorf("post-gap = %q", got.Text.Text)
	}
}

func TestPublisher_BlockPolicy_SlowSubscriberStallsPublish(t *testing.T) {
	p := New(Config{BufferSize: 1})
	defer p.Close()

	slow, _ := p.Subscribe("s1")

	if err := p.Publish(context.Background(), "s1", textMsg("m0")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	published := make(chan error, 1)
	go func() {
		published <- p.Publish(context.Background(), "s1", textMsg("m1"))
	}()

	select {
	case <-published:
		t.Fatal("publish should block on full buffer")
	case <-time.After(30 * time.Millisecond):
	}

	// Draining unblocks the producer.
	if got := <-slow.C(); got.Text.Text != "m0" {
		t.Fatalf("drained %q", got.Text.Text)
	}
	if err := <-published; err != nil {
		t.Fatalf("blocked publish returned %v", err)
	}
	if got := <-slow.C(); got.Text.Text != "m1" {
		t.Errorf("second = %q", got.Text.Text)
	}
}

func TestPublisher_BlockPolicy_UnsubscribeUnblocks(t *testing.T) {
	p := New(Config{BufferSize: 1})
	defer p.Close()

	slow, _ := p.Subscribe("s1")
	if err := p.Publish(context.Background(), "s1", textMsg("m0")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	published := make(chan error, 1)
	go func() {
		published <- p.Publish(context.Background(), "s1", textMsg("m1"))
	}()
	time.Sleep(10 * time.Millisecond)

	slow.Close()

	select {
	case err := <-published:
		if err != nil {
			t.Fatalf("publish after unsubscribe returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("unsubscribe did not unblock publisher")
	}
	if p.SubscriberCount("s1") != 0 {
		t.Errorf("subscriber count = %d", p.SubscriberCount("s1"))
	}
}

func TestPublisher_BlockPolicy_ContextCancel(t *testing.T) {
	p := New(Config{BufferSize: 1})
	defer p.Close()

	p.Subscribe("s1")
	if err := p.Publish(context.Background(), "s1", textMsg("m0")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	published := make(chan error, 1)
	go func() {
		published <- p.Publish(ctx, "s1", textMsg("m1"))
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-published:
		if err != context.Canceled {
			t.Fatalf("err = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("cancel did not unblock publisher")
	}
}

func TestPublisher_CloseSessionClosesChannels(t *testing.T) {
	p := New(Config{})
	defer p.Close()

	sub, _ := p.Subscribe("s1")
	p.CloseSession("s1")

	if _, ok := <-sub.C(); ok {
		t.Error("channel should be closed after CloseSession")
	}
	if p.SubscriberCount("s1") != 0 {
		t.Errorf("subscriber count = %d", p.SubscriberCount("s1"))
	}
	// Publishing into a closed session is a no-op.
	if err := p.Publish(context.Background(), "s1", textMsg("late")); err != nil {
		t.Errorf("Publish to closed session: %v", err)
	}
}

func TestPublisher_SubscribeAfterClose(t *testing.T) {
	p := New(Config{})
	p.Close()
	if _, err := p.Subscribe("s1"); err == nil {
		t.Fatal("expected error subscribing to closed publisher")
	}
}

func TestSubscription_CloseIdempotent(t *testing.T) {
	p := New(Config{})
	defer p.Close()

	sub, _ := p.Subscribe("s1")
	sub.Close()
	sub.Close()
}
