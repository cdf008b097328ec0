package waker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLocalNotify(t *testing.T) {
	l := NewLocal()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	outgoing := l.Subscribe(ctx, QueueOutgoing)
	incoming := l.Subscribe(ctx, QueueIncoming)

	// notifications coalesce and never block
	l.Notify(ctx, QueueOutgoing)
	l.Notify(ctx, QueueOutgoing)
	l.Notify(ctx, "unused")

	select {
	case <-outgoing:
	case <-time.After(time.Second):
		t.Fatal("expected a wake-up")
	}

	select {
	case <-outgoing:
		t.Fatal("wake-ups should coalesce")
	case <-incoming:
		t.Fatal("wrong queue woken")
	default:
	}
}

func TestLocalUnsubscribe(t *testing.T) {
	l := NewLocal()
	ctx, cancel := context.WithCancel(context.Background())

	l.Subscribe(ctx, QueueIncoming)
	assert.Equal(t, 1, l.subscribers(QueueIncoming))

	cancel()
	assert.Eventually(t, func() bool {
		return l.subscribers(QueueIncoming) == 0
	}, time.Second, 10*time.Millisecond)
}
