package server

import (
	"context"
	"sync"
	"time"

	"github.com/cvpilot-ai/backend/internal/pipeline"
)

const (
	progressEventName  = "job-progress"
	heartbeatEventName = "heartbeat"
)

// ProgressMessage is one job progress update fanned out to a user's open
// event streams.
type ProgressMessage struct {
	UserID     string    `json:"-"`
	CVID       uint      `json:"cv_id"`
	JobID      string    `json:"job_id"`
	State      string    `json:"state"`
	Progress   int       `json:"progress"`
	StageLabel string    `json:"stage"`
	Timestamp  time.Time `json:"timestamp"`
}

// ProgressDispatcher fans pipeline progress events out to per-user
// subscribers. Delivery is best effort: a subscriber with a full buffer
// misses the update and reconciles via polling.
type ProgressDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*progressSubscriber
	nextID      int64
	bufferSize  int
	clock       func() time.Time
}

type progressSubscriber struct {
	id     int64
	stream chan ProgressMessage
}

// NewProgressDispatcher constructs a dispatcher.
func NewProgressDispatcher() *ProgressDispatcher {
	return &ProgressDispatcher{
		subscribers: make(map[string]map[int64]*progressSubscriber),
		bufferSize:  16,
		clock:       time.Now,
	}
}

// PublishProgress implements pipeline.ProgressPublisher.
func (d *ProgressDispatcher) PublishProgress(event pipeline.ProgressEvent) {
	d.publish(ProgressMessage{
		UserID:     event.UserID,
		CVID:       event.CVID,
		JobID:      event.JobID,
		State:      string(event.State),
		Progress:   event.Progress,
		StageLabel: event.StageLabel,
		Timestamp:  d.clock().UTC(),
	})
}

// Subscribe registers a stream for the user's progress updates. The stream is
// abandoned (not closed) when ctx ends or the cleanup func runs.
func (d *ProgressDispatcher) Subscribe(ctx context.Context, userID string) (<-chan ProgressMessage, func()) {
	if userID == "" {
		ch := make(chan ProgressMessage)
		close(ch)
		return ch, func() {}
	}
	subscriber := &progressSubscriber{
		id:     d.nextSequence(),
		stream: make(chan ProgressMessage, d.bufferSize),
	}
	d.registerSubscriber(userID, subscriber)
	cleanup := func() {
		d.unregisterSubscriber(userID, subscriber.id)
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

func (d *ProgressDispatcher) publish(message ProgressMessage) {
	if message.UserID == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[message.UserID]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*progressSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- message:
		default:
		}
	}
}

func (d *ProgressDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *ProgressDispatcher) registerSubscriber(userID string, subscriber *progressSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[userID]; !ok {
		d.subscribers[userID] = make(map[int64]*progressSubscriber)
	}
	d.subscribers[userID][subscriber.id] = subscriber
}

func (d *ProgressDispatcher) unregisterSubscriber(userID string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[userID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, userID)
		}
	}
	d.mu.Unlock()
}
