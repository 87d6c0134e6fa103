package executor

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

var (
	ErrQueueFull = errors.New("task queue is full")
	ErrStopped   = errors.New("executor is stopped")
)

// Config is a pool size configuration.
type Config struct {
	// Workers is the number of tasks running in parallel
	Workers int `toml:"workers"`
	// QueueSize is the number of tasks waiting for a free worker
	QueueSize int `toml:"queue_size"`
}

type Task func(ctx context.Context)

// Pool runs tasks on a fixed number of workers.
// Submit never blocks: when all workers are busy and the queue is full the task is rejected.
type Pool struct {
	name    string
	workers int
	queue   chan Task
	active  int32
	dropped int32

	lock    sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Stats is a snapshot of pool usage.
type Stats struct {
	Workers   int
	QueueSize int
	Active    int
	Queued    int
}

// Capacity returns the number of tasks the pool accepts right now.
func (s Stats) Capacity() int {
	spare := (s.Workers + s.QueueSize) - (s.Active + s.Queued)
	if spare < 0 {
		return 0
	}
	return spare
}

func New(name string, cfg Config) *Pool {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}

	queueSize := cfg.QueueSize
	if queueSize < 0 {
		queueSize = 0
	}

	return &Pool{
		name:    name,
		workers: workers,
		queue:   make(chan Task, queueSize),
	}
}

func (p *Pool) Name() string {
	return p.name
}

// Start launches workers. Tasks get a context derived from ctx, canceled by Stop.
func (p *Pool) Start(ctx context.Context) {
	p.lock.Lock()
	defer p.lock.Unlock()

	if p.started || p.stopped {
		return
	}

	ctx, p.cancel = context.WithCancel(ctx)
	p.started = true

	log.WithField("pool", p.name).Debugf("starting %d worker(s), queue size %d", p.workers, cap(p.queue))

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
}

// Submit hands a task to the pool or fails immediately with ErrQueueFull.
func (p *Pool) Submit(task Task) error {
	p.lock.Lock()
	defer p.lock.Unlock()

	if p.stopped {
		return ErrStopped
	}

	select {
	case p.queue <- task:
		return nil
	default:
		return ErrQueueFull
	}
}

// Stop cancels running tasks and waits for workers to exit. Queued tasks are dropped.
func (p *Pool) Stop() {
	p.lock.Lock()
	if p.stopped {
		p.lock.Unlock()
		return
	}
	p.stopped = true
	cancel := p.cancel
	p.lock.Unlock()

	if cancel != nil {
		cancel()
	}

	p.wg.Wait()

	if dropped := len(p.queue) + int(atomic.LoadInt32(&p.dropped)); dropped > 0 {
		log.WithField("pool", p.name).Warnf("dropped %d queued task(s)", dropped)
	}
}

func (p *Pool) Stats() Stats {
	return Stats{
		Workers:   p.workers,
		QueueSize: cap(p.queue),
		Active:    int(atomic.LoadInt32(&p.active)),
		Queued:    len(p.queue),
	}
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case task := <-p.queue:
			// Both cases may be ready after Stop, select picks one at random
			if ctx.Err() != nil {
				atomic.AddInt32(&p.dropped, 1)
				return
			}
			p.run(ctx, id, task)
		}
	}
}

func (p *Pool) run(ctx context.Context, id int, task Task) {
	atomic.AddInt32(&p.active, 1)
	defer atomic.AddInt32(&p.active, -1)

	defer func() {
		if r := recover(); r != nil {
			log.WithFields(log.Fields{
				"pool":   p.name,
				"worker": id,
			}).Errorf("task panic: %v\n%s", r, debug.Stack())
		}
	}()

	task(ctx)
}
