package jobs

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/fleetalert/fleetalert/internal/services"
)

// EvaluationSweep periodically runs one evaluation cycle across all enabled
// policies. Ticks are single-flight: a tick that fires while the previous
// cycle is still running is skipped, never queued.
type EvaluationSweep struct {
	eval     *services.EvaluationService
	interval time.Duration
	mu       sync.Mutex
}

// NewEvaluationSweep creates a new evaluation sweep
func NewEvaluationSweep(eval *services.EvaluationService, interval time.Duration) *EvaluationSweep {
	return &EvaluationSweep{eval: eval, interval: interval}
}

// Run executes one sweep if none is in flight. A skipped tick returns
// (nil, nil).
func (j *EvaluationSweep) Run(ctx context.Context) (*services.CycleStats, error) {
	if !j.mu.TryLock() {
		log.Println("Evaluation sweep still running, skipping tick")
		return nil, nil
	}
	defer j.mu.Unlock()

	return j.eval.RunCycle(ctx)
}

// Start begins the periodic sweep and blocks until the context is cancelled.
// An in-flight cycle finishes before Start returns.
func (j *EvaluationSweep) Start(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := j.Run(ctx); err != nil && ctx.Err() == nil {
				log.Printf("Evaluation sweep error: %v", err)
			}
		case <-ctx.Done():
			// Wait for an in-flight cycle so shutdown doesn't abandon work.
			j.mu.Lock()
			defer j.mu.Unlock()
			log.Println("Evaluation sweep stopped")
			return
		}
	}
}
