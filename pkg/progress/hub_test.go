package progress

import (
	"context"
	"testing"
	"time"
)

func TestHubScopedDelivery(t *testing.T) {
	hub := NewHub()
	ctx := context.Background()

	modelCh, cancelModel := hub.SubscribeModel("m1")
	defer cancelModel()
	otherCh, cancelOther := hub.SubscribeModel("m2")
	defer cancelOther()
	globalCh, cancelGlobal := hub.SubscribeGlobal()
	defer cancelGlobal()

	snap := Snapshot{ModelID: "m1", Percentage: 50, CurrentEpoch: 1, TotalEpochs: 2, Status: "running"}
	if err := hub.Publish(ctx, snap); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case got := <-modelCh:
		if got.ModelID != "m1" || got.Percentage != 50 {
			t.Fatalf("unexpected snapshot: %+v", got)
		}
		if got.Timestamp.IsZero() {
			t.Fatal("publish must stamp the snapshot")
		}
	case <-time.After(time.Second):
		t.Fatal("model subscriber received nothing")
	}

	select {
	case got := <-globalCh:
		if got.ModelID != "m1" {
			t.Fatalf("global subscriber got %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("global subscriber received nothing")
	}

	select {
	case got := <-otherCh:
		t.Fatalf("m2 subscriber received m1 snapshot: %+v", got)
	default:
	}
}

func TestHubSlowSubscriberDoesNotBlock(t *testing.T) {
	hub := NewHub()
	ctx := context.Background()

	ch, cancel := hub.SubscribeModel("m1")
	defer cancel()

	// Fill the subscriber buffer and keep publishing; Publish must not stall.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			_ = hub.Publish(ctx, Snapshot{ModelID: "m1", CurrentEpoch: i})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}

	if len(ch) == 0 {
		t.Fatal("subscriber buffer should hold the earliest snapshots")
	}
	first := <-ch
	if first.CurrentEpoch != 0 {
		t.Fatalf("first buffered snapshot = epoch %d, want 0", first.CurrentEpoch)
	}
}

func TestHubUnsubscribeStopsDelivery(t *testing.T) {
	hub := NewHub()
	ctx := context.Background()

	ch, cancel := hub.SubscribeModel("m1")
	cancel()

	if err := hub.Publish(ctx, Snapshot{ModelID: "m1"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case snap := <-ch:
		t.Fatalf("cancelled subscriber received %+v", snap)
	default:
	}
}

type failingPublisher struct{ err error }

func (f failingPublisher) Publish(context.Context, Snapshot) error { return f.err }

func TestFanoutReachesAllPublishers(t *testing.T) {
	hub := NewHub()
	ch, cancel := hub.SubscribeGlobal()
	defer cancel()

	boom := failingPublisher{err: context.DeadlineExceeded}
	fan := Fanout{boom, hub}

	err := fan.Publish(context.Background(), Snapshot{ModelID: "m1"})
	if err == nil {
		t.Fatal("fanout should surface the publisher error")
	}

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("fanout stopped at the failing publisher instead of continuing")
	}
}
