package tracking

import (
	"context"
	"time"

	"go.uber.org/zap"

	"pettrack/internal/metrics"
)

const effectTimeout = 10 * time.Second

type effect struct {
	name string
	run  func(ctx context.Context) error
}

// effectQueue runs side effects off the event loop. A full queue drops.
type effectQueue struct {
	ch  chan effect
	log *zap.Logger
}

func newEffectQueue(size int, log *zap.Logger) *effectQueue {
	return &effectQueue{ch: make(chan effect, size), log: log}
}

func (q *effectQueue) push(name string, run func(ctx context.Context) error) {
	select {
	case q.ch <- effect{name: name, run: run}:
	default:
		metrics.EffectsDropped.Inc()
		q.log.Warn("effect queue full, dropping", zap.String("effect", name))
	}
}

func (q *effectQueue) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-q.ch:
			ectx, cancel := context.WithTimeout(ctx, effectTimeout)
			if err := e.run(ectx); err != nil {
				q.log.Warn("effect failed", zap.String("effect", e.name), zap.Error(err))
			}
			cancel()
		}
	}
}
