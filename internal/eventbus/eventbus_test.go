package eventbus

import (
	"testing"
	"time"
)

func TestBus_SubscribeReceivesPublishedEvent(t *testing.T) {
	b := New()
	ch, cancel := b.Subscribe(4)
	defer cancel()

	b.Publish(Event{Kind: KindSessionStarted, SessionID: "s1"})

	select {
	case ev := <-ch:
		if ev.Kind != KindSessionStarted || ev.SessionID != "s1" {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for published event")
	}
}

func TestBus_UnsubscribedChannelStopsReceiving(t *testing.T) {
	b := New()
	ch, cancel := b.Subscribe(4)
	cancel()

	b.Publish(Event{Kind: KindSessionStarted, SessionID: "s1"})

	if _, ok := <-ch; ok {
		t.Fatal("expected channel to be closed after cancel")
	}
}

func TestBus_SlowSubscriberDoesNotBlockPublish(t *testing.T) {
	b := New()
	_, cancel := b.Subscribe(1)
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			b.Publish(Event{Kind: KindBlockEntered, SessionID: "s1"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber buffer")
	}
}

func TestBus_MultipleSubscribersEachReceiveTheEvent(t *testing.T) {
	b := New()
	chA, cancelA := b.Subscribe(4)
	defer cancelA()
	chB, cancelB := b.Subscribe(4)
	defer cancelB()

	b.Publish(Event{Kind: KindResumed, SessionID: "s2"})

	for _, ch := range []<-chan Event{chA, chB} {
		select {
		case ev := <-ch:
			if ev.Kind != KindResumed {
				t.Fatalf("unexpected kind: %s", ev.Kind)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for fan-out delivery")
		}
	}
}
