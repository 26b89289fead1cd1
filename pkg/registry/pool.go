package registry

import (
	"sync/atomic"

	"github.com/charmbracelet/log"

	"github.com/theapemachine/asap-go/pkg/errors"
)

// DefaultMaxWorkers caps concurrent sync handler executions per process.
const DefaultMaxWorkers = 10

/*
Pool is the bounded executor for sync handlers. Capacity is a counting
semaphore: TrySubmit takes a slot without waiting, runs the task, and
releases the slot. Saturation is a signal for the caller to shed load, so
there is no queue.
*/
type Pool struct {
	slots  chan struct{}
	active atomic.Int32
}

func NewPool(maxWorkers int) *Pool {
	if maxWorkers <= 0 {
		maxWorkers = DefaultMaxWorkers
	}
	return &Pool{slots: make(chan struct{}, maxWorkers)}
}

/*
TrySubmit runs task on one of the pool's slots, blocking the caller until
the task finishes. When every slot is taken it fails immediately with
PoolExhaustedError instead of queueing.
*/
func (p *Pool) TrySubmit(task func()) error {
	select {
	case p.slots <- struct{}{}:
	default:
		active := int(p.active.Load())
		log.Warn("worker pool exhausted", "max_threads", cap(p.slots), "active_threads", active)
		return &errors.PoolExhaustedError{
			MaxThreads:    cap(p.slots),
			ActiveThreads: active,
		}
	}

	p.active.Add(1)
	defer func() {
		p.active.Add(-1)
		<-p.slots
	}()

	task()
	return nil
}

// Active reports how many tasks currently hold a slot.
func (p *Pool) Active() int {
	return int(p.active.Load())
}

// Max is the pool capacity.
func (p *Pool) Max() int {
	return cap(p.slots)
}
