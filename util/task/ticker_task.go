package task

import (
	"time"

	"github.com/golang/glog"
)

// Runner is the unit of work driven by a TickerTask. The demand-source reload is
// the main user: one Run per refresh interval.
type Runner interface {
	Name() string
	Run() error
}

type TickerTask struct {
	interval time.Duration
	runner   Runner
	done     chan struct{}
}

func NewTickerTask(interval time.Duration, runner Runner) *TickerTask {
	return &TickerTask{
		interval: interval,
		runner:   runner,
		done:     make(chan struct{}),
	}
}

// Start runs the task immediately and then schedules it to run periodically if a
// positive interval has been specified. Run errors are logged, never fatal; the
// next tick retries.
func (t *TickerTask) Start() {
	t.runOnce()

	if t.interval > 0 {
		go t.runRecurring()
	}
}

// Stop stops the periodic task, but the task runner maintains state.
func (t *TickerTask) Stop() {
	close(t.done)
}

func (t *TickerTask) runOnce() {
	if err := t.runner.Run(); err != nil {
		glog.Warningf("task %s failed: %v", t.runner.Name(), err)
	}
}

func (t *TickerTask) runRecurring() {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.runOnce()
		case <-t.done:
			return
		}
	}
}
