package events

import (
	"fmt"
	"sync"
	"testing"

	"bcsync/internal/models"
)

func TestLogSink_RingBuffer(t *testing.T) {
	sink := NewLogSink(3)

	for i := 0; i < 5; i++ {
		sink.Publish(models.LogEntry{Outcome: models.OutcomeEnqueued, Message: fmt.Sprintf("m%d", i)})
	}

	got := sink.Recent(0)
	if len(got) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(got))
	}
	for i, want := range []string{"m2", "m3", "m4"} {
		if got[i].Message != want {
			t.Errorf("entry %d: expected %s, got %s", i, want, got[i].Message)
		}
	}
	if got[0].ID == "" || got[0].Time.IsZero() {
		t.Errorf("expected id and time to be stamped: %+v", got[0])
	}

	last := sink.Recent(1)
	if len(last) != 1 || last[0].Message != "m4" {
		t.Errorf("expected only the newest entry, got %+v", last)
	}
}

func TestLogSink_PartialBuffer(t *testing.T) {
	sink := NewLogSink(10)
	sink.Publish(models.LogEntry{Message: "a"})
	sink.Publish(models.LogEntry{Message: "b"})

	got := sink.Recent(0)
	if len(got) != 2 || got[0].Message != "a" || got[1].Message != "b" {
		t.Errorf("unexpected entries %+v", got)
	}
}

func TestLogSink_Subscribe(t *testing.T) {
	sink := NewLogSink(5)
	ch, unsubscribe := sink.Subscribe()

	sink.Publish(models.LogEntry{Outcome: models.OutcomeDeduped})
	entry := <-ch
	if entry.Outcome != models.OutcomeDeduped {
		t.Errorf("expected deduped, got %s", entry.Outcome)
	}

	if sink.Subscribers() != 1 {
		t.Errorf("expected 1 subscriber")
	}
	unsubscribe()
	unsubscribe()
	if sink.Subscribers() != 0 {
		t.Errorf("expected 0 subscribers after unsubscribe")
	}
	if _, ok := <-ch; ok {
		t.Errorf("expected channel to be closed")
	}

	// Publishing with no subscribers must not block.
	sink.Publish(models.LogEntry{})
}

func TestLogSink_SlowSubscriberDoesNotBlock(t *testing.T) {
	sink := NewLogSink(5)
	_, unsubscribe := sink.Subscribe()
	defer unsubscribe()

	for i := 0; i < subscriberBuffer*2; i++ {
		sink.Publish(models.LogEntry{Message: "x"})
	}
}

func TestLogSink_ConcurrentPublish(t *testing.T) {
	sink := NewLogSink(50)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				sink.Publish(models.LogEntry{})
			}
		}()
	}
	wg.Wait()

	if got := len(sink.Recent(0)); got != 50 {
		t.Errorf("expected 50 retained entries, got %d", got)
	}
}

func TestLogSink_NilPublish(_ *testing.T) {
	var sink *LogSink
	sink.Publish(models.LogEntry{})
}
