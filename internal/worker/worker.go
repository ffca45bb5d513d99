// Package worker runs tasks one at a time on a dedicated goroutine.
package worker

import (
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/storaged/storaged/internal/clock"
	"github.com/storaged/storaged/pkg/errors"
	"github.com/storaged/storaged/pkg/utils"
)

// Worker executes posted tasks sequentially. Delayed tasks are handed to
// the clock and enqueued when they come due, so two tasks never run
// concurrently.
type Worker struct {
	name   string
	clock  clock.Clock
	logger *utils.StructuredLogger

	mu     sync.Mutex
	queue  []func()
	timers map[clock.Timer]struct{}
	wakeCh chan struct{}

	stopCh chan struct{}
	wg     sync.WaitGroup
	active int32
}

// New creates a stopped worker.
func New(name string, clk clock.Clock, logger *utils.StructuredLogger) *Worker {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	return &Worker{
		name:   name,
		clock:  clk,
		logger: logger.WithComponent("worker").WithField("worker", name),
		timers: make(map[clock.Timer]struct{}),
		wakeCh: make(chan struct{}, 1),
	}
}

// Start launches the worker goroutine.
func (w *Worker) Start() error {
	if !atomic.CompareAndSwapInt32(&w.active, 0, 1) {
		return errors.NewError(errors.ErrCodeAlreadyStarted, fmt.Sprintf("worker %s already running", w.name))
	}
	w.mu.Lock()
	w.stopCh = make(chan struct{})
	w.mu.Unlock()

	w.wg.Add(1)
	go w.loop()
	return nil
}

// Stop cancels pending delayed tasks, drops queued ones and waits for a
// running task to finish. Stop is a no-op on a stopped worker.
func (w *Worker) Stop() {
	if !atomic.CompareAndSwapInt32(&w.active, 1, 0) {
		return
	}

	w.mu.Lock()
	for t := range w.timers {
		t.Stop()
	}
	w.timers = make(map[clock.Timer]struct{})
	w.queue = nil
	close(w.stopCh)
	w.mu.Unlock()

	w.wg.Wait()
}

// IsRunning reports whether the worker accepts tasks.
func (w *Worker) IsRunning() bool {
	return atomic.LoadInt32(&w.active) == 1
}

// Post enqueues task. It reports false if the worker is stopped.
func (w *Worker) Post(task func()) bool {
	if !w.IsRunning() {
		return false
	}
	w.mu.Lock()
	w.queue = append(w.queue, task)
	w.mu.Unlock()

	select {
	case w.wakeCh <- struct{}{}:
	default:
	}
	return true
}

// PostDelayed enqueues task after d.
func (w *Worker) PostDelayed(task func(), d time.Duration) bool {
	if !w.IsRunning() {
		return false
	}

	var timer clock.Timer
	var once sync.Once
	fire := func() {
		once.Do(func() {
			w.mu.Lock()
			if timer != nil {
				delete(w.timers, timer)
			}
			w.mu.Unlock()
			w.Post(task)
		})
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if d <= 0 {
		w.queue = append(w.queue, task)
		select {
		case w.wakeCh <- struct{}{}:
		default:
		}
		return true
	}
	timer = w.clock.AfterFunc(d, fire)
	w.timers[timer] = struct{}{}
	return true
}

// Pending returns the number of queued and delayed tasks.
func (w *Worker) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queue) + len(w.timers)
}

func (w *Worker) loop() {
	defer w.wg.Done()

	w.mu.Lock()
	stopCh := w.stopCh
	w.mu.Unlock()

	for {
		select {
		case <-stopCh:
			return
		case <-w.wakeCh:
		}

		for {
			w.mu.Lock()
			if len(w.queue) == 0 {
				w.mu.Unlock()
				break
			}
			task := w.queue[0]
			w.queue = w.queue[1:]
			w.mu.Unlock()

			select {
			case <-stopCh:
				return
			default:
			}
			w.run(task)
		}
	}
}

func (w *Worker) run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("task panicked", map[string]interface{}{
				"panic": fmt.Sprint(r),
				"stack": string(debug.Stack()),
			})
		}
	}()
	task()
}
