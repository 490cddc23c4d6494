// Package egress runs best-effort outbound I/O (LED pushes, notifications)
// off the bay lanes. A full queue drops work instead of blocking the caller.
package egress

import (
	"context"
	"log"
	"sync"
	"time"

	"smart_bays/internal/metrics"
)

type Config struct {
	Workers    int           // 0 runs jobs inline on the submitting goroutine
	QueueSize  int           // buffered jobs; defaults to 2x workers
	JobTimeout time.Duration // deadline for each job's context
}

type job struct {
	name string
	fn   func(ctx context.Context)
}

type Pool struct {
	cfg    Config
	jobs   chan job
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
}

func NewPool(cfg Config) *Pool {
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 5 * time.Second
	}
	if cfg.Workers > 0 && cfg.QueueSize <= 0 {
		cfg.QueueSize = cfg.Workers * 2
	}
	p := &Pool{cfg: cfg}
	if cfg.Workers > 0 {
		p.jobs = make(chan job, cfg.QueueSize)
		for i := 0; i < cfg.Workers; i++ {
			p.wg.Add(1)
			go p.worker()
		}
	}
	return p
}

// Submit queues fn. It returns false if the job was dropped.
func (p *Pool) Submit(name string, fn func(ctx context.Context)) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		log.Printf("Egress: pool closed, dropping %s", name)
		metrics.EgressDropped.Inc()
		return false
	}
	if p.jobs == nil {
		p.run(job{name: name, fn: fn})
		return true
	}
	select {
	case p.jobs <- job{name: name, fn: fn}:
		return true
	default:
		log.Printf("Egress: queue full (%d), dropping %s", cap(p.jobs), name)
		metrics.EgressDropped.Inc()
		return false
	}
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for j := range p.jobs {
		p.run(j)
	}
}

func (p *Pool) run(j job) {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.JobTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Egress: job %s panicked: %v", j.name, r)
		}
	}()
	j.fn(ctx)
}

// Close stops accepting jobs and waits for queued ones to finish.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	if p.jobs != nil {
		close(p.jobs)
	}
	p.mu.Unlock()
	p.wg.Wait()
}
