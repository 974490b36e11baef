package notify_test

import (
	"context"
	"testing"
	"time"

	"github.com/rtcom/eventlogger/internal/model"
	"github.com/rtcom/eventlogger/internal/notify"
)

func TestSubscriberReceivesSentMessage(t *testing.T) {
	bus := notify.NewChannelBus()
	defer bus.Close()

	ch, cancel := bus.Subscribe()
	defer cancel()

	bus.Send(context.Background(), model.NotifyNewEvent, model.NotifyMessage{EventID: 42})

	select {
	case n := <-ch:
		if n.Kind != model.NotifyNewEvent || n.Message.EventID != 42 {
			t.Fatalf("unexpected notification: %+v", n)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for notification")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := notify.NewChannelBus()
	defer bus.Close()

	ch, cancel := bus.Subscribe()
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected the channel to be closed after cancel")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for channel close")
	}
}

func TestSendNeverBlocksOnFullSubscriber(t *testing.T) {
	bus := notify.NewChannelBus()
	defer bus.Close()

	_, cancel := bus.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			bus.Send(context.Background(), model.NotifyRefreshHint, model.NotifyMessage{})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Send blocked on a full subscriber channel")
	}
}
