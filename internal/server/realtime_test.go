package server

import (
	"context"
	"testing"
	"time"

	"github.com/cvpilot-ai/backend/internal/pipeline"
)

func TestProgressDispatcherPublishesToSubscriber(t *testing.T) {
	dispatcher := NewProgressDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx, "user-1")
	defer cleanup()

	dispatcher.PublishProgress(pipeline.ProgressEvent{
		UserID:     "user-1",
		CVID:       42,
		JobID:      "job-1",
		State:      pipeline.StateAnalyzing,
		Progress:   pipeline.StateAnalyzing.Progress(),
		StageLabel: pipeline.StateAnalyzing.Label(),
	})

	select {
	case received := <-stream:
		if received.State != string(pipeline.StateAnalyzing) {
			t.Fatalf("expected analyzing state, got %s", received.State)
		}
		if received.CVID != 42 || received.JobID != "job-1" {
			t.Fatalf("unexpected message %+v", received)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected progress message within deadline")
	}
}

func TestProgressDispatcherIsolatedByUser(t *testing.T) {
	dispatcher := NewProgressDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	otherCtx, otherCancel := context.WithCancel(context.Background())
	defer otherCancel()

	userStream, cleanup := dispatcher.Subscribe(ctx, "user-2")
	defer cleanup()

	otherStream, otherCleanup := dispatcher.Subscribe(otherCtx, "user-3")
	defer otherCleanup()

	dispatcher.PublishProgress(pipeline.ProgressEvent{
		UserID: "user-3",
		JobID:  "job-9",
		State:  pipeline.StateGenerating,
	})

	select {
	case <-userStream:
		t.Fatal("did not expect progress message for unrelated user")
	case <-time.After(200 * time.Millisecond):
	}

	select {
	case msg := <-otherStream:
		if msg.UserID != "user-3" {
			t.Fatalf("expected user-3, received %s", msg.UserID)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected progress message for subscribed user")
	}
}

func TestProgressDispatcherDropsWhenBufferFull(t *testing.T) {
	dispatcher := NewProgressDispatcher()
	dispatcher.bufferSize = 1
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx, "user-4")
	defer cleanup()

	for i := 0; i < 5; i++ {
		dispatcher.PublishProgress(pipeline.ProgressEvent{UserID: "user-4", JobID: "job-1", Progress: i})
	}

	// The first message occupies the buffer; later ones are dropped rather
	// than blocking the publisher.
	select {
	case msg := <-stream:
		if msg.Progress != 0 {
			t.Fatalf("expected the oldest buffered message, got progress %d", msg.Progress)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected one buffered message")
	}
	select {
	case msg := <-stream:
		t.Fatalf("expected overflow to be dropped, received %+v", msg)
	case <-time.After(100 * time.Millisecond):
	}
}
