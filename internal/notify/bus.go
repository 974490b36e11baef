// Package notify specifies and implements the cross-process change
// notification described (but, per spec.md §6, left to an external
// collaborator) in the original design: a process-local Bus carrying the
// six message kinds, so callers in this process can observe writes made
// through the Logger that owns the Bus. Each Logger owns its own Bus;
// writes made through another Logger instance are not delivered here.
package notify

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/rtcom/eventlogger/internal/model"
)

// logger is the *slog.Logger used for the two logging-without-failing paths
// spec.md leaves unspecified (dropped notifications, canceled sends). It
// defaults to slog.Default() and can be swapped by SetLogger so an embedding
// application can route these warnings into its own handler.
var logger atomic.Pointer[slog.Logger]

func init() {
	logger.Store(slog.Default())
}

// SetLogger overrides the logger used for dropped/canceled notification
// warnings (SPEC_FULL.md §2.1, exposed to callers via eventlogger.SetLogger).
func SetLogger(l *slog.Logger) {
	if l != nil {
		logger.Store(l)
	}
}

// Bus delivers NotifyMessages to every current subscriber. Send must
// never block the caller's write path and must never fail it: delivery
// problems are logged, not returned.
type Bus interface {
	Subscribe() (ch <-chan Notification, cancel func())
	Send(ctx context.Context, kind model.NotifyKind, msg model.NotifyMessage)
}

// Notification pairs a message with the kind of change it reports.
type Notification struct {
	Kind    model.NotifyKind
	Message model.NotifyMessage
}

// ChannelBus is the in-process Bus implementation: each subscriber owns a
// small buffered channel, and a slow or absent subscriber never blocks a
// write (sends drop rather than wait when a subscriber's channel is full).
type ChannelBus struct {
	subscribe   chan chan Notification
	unsubscribe chan chan Notification
	send        chan Notification
	done        chan struct{}

	subscribers map[chan Notification]struct{}
}

const subscriberBuffer = 32

// NewChannelBus starts the bus's dispatch loop in a background goroutine.
// Callers should Close it when the owning Logger shuts down.
func NewChannelBus() *ChannelBus {
	b := &ChannelBus{
		subscribe:   make(chan chan Notification),
		unsubscribe: make(chan chan Notification),
		send:        make(chan Notification),
		done:        make(chan struct{}),
		subscribers: make(map[chan Notification]struct{}),
	}
	go b.run()
	return b
}

func (b *ChannelBus) run() {
	for {
		select {
		case ch := <-b.subscribe:
			b.subscribers[ch] = struct{}{}
		case ch := <-b.unsubscribe:
			delete(b.subscribers, ch)
			close(ch)
		case n := <-b.send:
			for ch := range b.subscribers {
				select {
				case ch <- n:
				default:
					logger.Load().Warn("notify: dropping message, subscriber channel full", "kind", n.Kind)
				}
			}
		case <-b.done:
			for ch := range b.subscribers {
				close(ch)
			}
			return
		}
	}
}

// Subscribe registers a new listener and returns its channel plus a
// cancel func that unregisters it.
func (b *ChannelBus) Subscribe() (<-chan Notification, func()) {
	ch := make(chan Notification, subscriberBuffer)
	select {
	case b.subscribe <- ch:
	case <-b.done:
		close(ch)
	}
	return ch, func() {
		select {
		case b.unsubscribe <- ch:
		case <-b.done:
		}
	}
}

// Send broadcasts a message to every current subscriber. It never blocks
// on, or fails because of, a slow subscriber.
func (b *ChannelBus) Send(ctx context.Context, kind model.NotifyKind, msg model.NotifyMessage) {
	select {
	case b.send <- Notification{Kind: kind, Message: msg}:
	case <-ctx.Done():
		logger.Load().Warn("notify: send canceled", "kind", kind, "err", ctx.Err())
	case <-b.done:
	}
}

// Close stops the dispatch loop and closes every subscriber channel.
func (b *ChannelBus) Close() {
	close(b.done)
}
