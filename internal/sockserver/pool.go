package sockserver

import "sync"

// workerPool runs submitted jobs on a fixed set of goroutines. submit blocks while
// the queue is full, which throttles the submitting connection.
type workerPool struct {
	jobs chan func()
	wg   sync.WaitGroup
}

func newWorkerPool(n int) *workerPool {
	p := &workerPool{jobs: make(chan func(), n)}
	for range n {
		p.wg.Go(func() {
			for job := range p.jobs {
				job()
			}
		})
	}
	return p
}

func (p *workerPool) submit(job func()) {
	p.jobs <- job
}

// close drains queued jobs and waits for the workers. Nil-safe.
func (p *workerPool) close() {
	if p == nil {
		return
	}
	close(p.jobs)
	p.wg.Wait()
}
