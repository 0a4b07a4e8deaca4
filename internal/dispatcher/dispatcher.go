// Package dispatcher manages worker fan-out over the work queue.
package dispatcher

import (
	"context"
	"sync"

	"github.com/newswire/scrapequeue/internal/worker"
)

// Dispatcher runs a pool of workers against the shared queue.
type Dispatcher struct {
	workers []*worker.Worker
}

// New creates a Dispatcher.
func New(workers []*worker.Worker) *Dispatcher {
	return &Dispatcher{workers: workers}
}

// Run starts all workers and blocks until the context finishes and every
// worker has drained its in-flight item.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk *worker.Worker) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	<-ctx.Done()
	wg.Wait()
}
