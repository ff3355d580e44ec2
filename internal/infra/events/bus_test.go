package events

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"ai-image-pipeline/internal/domain/model"
)

func newTestBus(buffer int) *Bus {
	l := zerolog.Nop()
	return NewBus(buffer, &l)
}

func TestBus_FanOut(t *testing.T) {
	bus := newTestBus(4)
	ch1, cancel1 := bus.Subscribe()
	ch2, cancel2 := bus.Subscribe()
	defer cancel1()
	defer cancel2()

	bus.Publish(model.EventProgress, model.ProgressPayload{JobID: "j1", Percent: 50})

	for i, ch := range []<-chan model.Event{ch1, ch2} {
		select {
		case ev := <-ch:
			if ev.Kind != model.EventProgress {
				t.Fatalf("subscriber %d kind = %s", i, ev.Kind)
			}
			if ev.At.IsZero() {
				t.Fatalf("subscriber %d event missing timestamp", i)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d received nothing", i)
		}
	}
}

func TestBus_PublishNeverBlocksOnFullSubscriber(t *testing.T) {
	bus := newTestBus(1)
	_, cancel := bus.Subscribe() // never read
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			bus.Publish(model.EventLog, model.LogPayload{Message: "x"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a stuck subscriber")
	}
}

func TestBus_CancelStopsDelivery(t *testing.T) {
	bus := newTestBus(4)
	ch, cancel := bus.Subscribe()
	cancel()

	if _, open := <-ch; open {
		t.Fatal("channel still open after cancel")
	}
	// Publishing after cancel must not panic on the closed channel.
	bus.Publish(model.EventLog, model.LogPayload{Message: "late"})
}
