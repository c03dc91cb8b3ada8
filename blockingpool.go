package jobrunner

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/google/uuid"
)

// blockingPool is a fixed-size FIFO goroutine pool hosting blocking-lane
// units of work, the Go analogue of coil's rayon::ThreadPool. Submission
// order is preserved per worker but not globally across workers, matching
// spec.md §5's "no ordering guarantee across units launched in the same
// batch".
type blockingPool struct {
	tasks chan func()
	wg    sync.WaitGroup
}

func newBlockingPool(numThreads int) *blockingPool {
	if numThreads <= 0 {
		numThreads = runtime.NumCPU()
	}
	namePrefix := "jobrunner-" + uuid.NewString()[:8]
	p := &blockingPool{tasks: make(chan func(), 4096)}
	p.wg.Add(numThreads)
	for i := 0; i < numThreads; i++ {
		go p.worker(fmt.Sprintf("%s-%d", namePrefix, i))
	}
	return p
}

func (p *blockingPool) worker(name string) {
	defer p.wg.Done()
	for fn := range p.tasks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger().Error().Str("worker", name).Interface("panic", r).
						Msg("blocking pool worker task panicked past its own barrier")
				}
			}()
			fn()
		}()
	}
}

// Submit enqueues fn for FIFO execution by one of the pool's workers.
func (p *blockingPool) Submit(fn func()) {
	p.tasks <- fn
}

func (p *blockingPool) close() {
	close(p.tasks)
	p.wg.Wait()
}
