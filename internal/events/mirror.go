package events

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Mirror forwards bus events to a Redis Stream so external observers (a
// dashboard host on another machine, log tooling) can tail them. It is
// strictly observability: cross-process coordination stays in the
// coordination database.
type Mirror struct {
	client *redis.Client
	stream string
	maxLen int64
	logger *zap.Logger
	queue  chan Event
	stopCh chan struct{}
	done   chan struct{}
}

// NewMirror creates a mirror writing to the given stream and starts its
// forwarding loop.
func NewMirror(client *redis.Client, stream string, maxLen int64, logger *zap.Logger) *Mirror {
	if stream == "" {
		stream = "coordinator:events"
	}
	if maxLen <= 0 {
		maxLen = 10000
	}
	m := &Mirror{
		client: client,
		stream: stream,
		maxLen: maxLen,
		logger: logger,
		queue:  make(chan Event, 1024),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	go m.run()
	return m
}

// enqueue hands an event to the forwarding loop without blocking the
// publisher. Overflow drops the event.
func (m *Mirror) enqueue(evt Event) {
	select {
	case m.queue <- evt:
	default:
	}
}

func (m *Mirror) run() {
	defer close(m.done)
	for {
		select {
		case evt := <-m.queue:
			m.forward(evt)
		case <-m.stopCh:
			// Drain what is already queued, then exit.
			for {
				select {
				case evt := <-m.queue:
					m.forward(evt)
				default:
					return
				}
			}
		}
	}
}

func (m *Mirror) forward(evt Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := m.client.XAdd(ctx, &redis.XAddArgs{
		Stream: m.stream,
		MaxLen: m.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"kind":    evt.Kind,
			"source":  evt.Source,
			"seq":     evt.Seq,
			"payload": string(evt.Marshal()),
		},
	}).Err()
	if err != nil {
		// Mirror failures never surface to publishers.
		m.logger.Debug("Event mirror write failed", zap.Error(err))
	}
}

// Close stops the forwarding loop after draining queued events.
func (m *Mirror) Close() {
	close(m.stopCh)
	<-m.done
}
