package relay

import (
	"context"
	"sync"
	"time"

	"github.com/noteduco342/whispr-backend/internal/apperr"
	"github.com/noteduco342/whispr-backend/internal/metrics"
	"github.com/rs/zerolog"
)

const defaultRetention = 10000

// MemoryRelay is an in-process relay. Each topic keeps a bounded log; each
// consumer group gets its own queue, drained in publish order.
type MemoryRelay struct {
	mu        sync.Mutex
	logs      map[string][]Message
	queues    map[string]map[string]*memoryQueue
	failErr   error
	closed    bool
	done      chan struct{}
	retention int
	logger    zerolog.Logger
}

func NewMemoryRelay(logger zerolog.Logger) *MemoryRelay {
	return &MemoryRelay{
		logs:      make(map[string][]Message),
		queues:    make(map[string]map[string]*memoryQueue),
		done:      make(chan struct{}),
		retention: defaultRetention,
		logger:    logger,
	}
}

// FailPublish makes every Publish return err until called with nil.
func (r *MemoryRelay) FailPublish(err error) {
	r.mu.Lock()
	r.failErr = err
	r.mu.Unlock()
}

func (r *MemoryRelay) Publish(ctx context.Context, topic, key string, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}
	if r.failErr != nil {
		metrics.RelayPublishErrors.WithLabelValues(topic).Inc()
		return apperr.Transient("relay.MemoryRelay.Publish", r.failErr)
	}

	value := make([]byte, len(payload))
	copy(value, payload)
	msg := Message{Topic: topic, Key: key, Value: value, Time: time.Now()}

	log := append(r.logs[topic], msg)
	if len(log) > r.retention {
		log = log[len(log)-r.retention:]
	}
	r.logs[topic] = log

	for _, q := range r.queues[topic] {
		q.push(msg)
	}
	return nil
}

func (r *MemoryRelay) Subscribe(ctx context.Context, topic, group string, h Handler, opts ...SubscribeOption) error {
	q, err := r.queue(topic, group, buildSubscribeConfig(opts))
	if err != nil {
		return err
	}

	for {
		msg, ok := q.pop(ctx, r.done)
		if !ok {
			return nil
		}
		if err := h(ctx, msg); err != nil {
			r.logger.Error().Err(err).Str("topic", topic).Str("group", group).Str("key", msg.Key).Msg("relay handler failed")
		}
	}
}

// Published returns a copy of the retained log of topic.
func (r *MemoryRelay) Published(topic string) []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.logs[topic]...)
}

// HasGroup reports whether group has subscribed to topic.
func (r *MemoryRelay) HasGroup(topic, group string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.queues[topic][group]
	return ok
}

func (r *MemoryRelay) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.closed {
		r.closed = true
		close(r.done)
	}
	return nil
}

func (r *MemoryRelay) queue(topic, group string, cfg subscribeConfig) (*memoryQueue, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrClosed
	}

	groups := r.queues[topic]
	if groups == nil {
		groups = make(map[string]*memoryQueue)
		r.queues[topic] = groups
	}
	if q, ok := groups[group]; ok {
		return q, nil
	}

	q := newMemoryQueue()
	if !cfg.fromLatest {
		for _, msg := range r.logs[topic] {
			q.push(msg)
		}
	}
	groups[group] = q
	return q, nil
}

type memoryQueue struct {
	mu     sync.Mutex
	items  []Message
	notify chan struct{}
}

func newMemoryQueue() *memoryQueue {
	return &memoryQueue{notify: make(chan struct{}, 1)}
}

func (q *memoryQueue) push(msg Message) {
	q.mu.Lock()
	q.items = append(q.items, msg)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *memoryQueue) pop(ctx context.Context, done <-chan struct{}) (Message, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			msg := q.items[0]
			q.items[0] = Message{}
			q.items = q.items[1:]
			q.mu.Unlock()
			return msg, true
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-ctx.Done():
			return Message{}, false
		case <-done:
			return Message{}, false
		}
	}
}
