package entity

import (
	"sync"
	"time"

	"github.com/arloliu/veritas/types"
)

// threadQueueSize bounds the number of not-yet-started tasks a thread
// entity will accept.
const threadQueueSize = 128

// Task is a unit of work submitted to a thread entity. Done is closed when
// the task finishes; Err then holds its outcome.
type Task struct {
	fn   func() error
	done chan struct{}
	err  error
}

// Err returns the task outcome. Valid only after Done.
func (t *Task) Err() error {
	return t.err
}

// Done returns a channel closed when the task has finished.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Thread is a scenario thread entity: a single worker goroutine that runs
// submitted tasks strictly in submission order.
type Thread struct {
	id   string
	mu   sync.Mutex
	wg   sync.WaitGroup
	jobs chan *Task

	// pending holds tasks submitted since the last Wait, in order.
	pending []*Task
	closed  bool
}

// NewThread starts a thread entity with the given scenario id.
func NewThread(id string) *Thread {
	t := &Thread{
		id:   id,
		jobs: make(chan *Task, threadQueueSize),
	}

	t.wg.Add(1)
	go t.run()

	return t
}

// ID returns the scenario entity id.
func (t *Thread) ID() string {
	return t.id
}

// Submit queues fn for execution on the thread and returns its task
// handle.
func (t *Thread) Submit(fn func() error) (*Task, error) {
	task := &Task{fn: fn, done: make(chan struct{})}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()

		return nil, types.ErrThreadClosed
	}
	t.pending = append(t.pending, task)
	t.mu.Unlock()

	select {
	case t.jobs <- task:
		return task, nil
	default:
		return nil, types.NewConfigError("entity", "thread %q task queue is full", t.id)
	}
}

// Wait joins every task submitted since the last Wait, allowing each up to
// perTask to finish. It returns the first task error encountered, or a
// timeout-flagged assertion error if a task does not finish in time. The
// pending set is cleared either way.
func (t *Thread) Wait(perTask time.Duration) error {
	t.mu.Lock()
	tasks := t.pending
	t.pending = nil
	t.mu.Unlock()

	var firstErr error
	for _, task := range tasks {
		select {
		case <-task.done:
			if task.err != nil && firstErr == nil {
				firstErr = task.err
			}
		case <-time.After(perTask):
			if firstErr == nil {
				firstErr = &types.AssertionError{
					Msg:     "thread " + t.id + " task did not finish within " + perTask.String(),
					Timeout: true,
				}
			}
		}
	}

	return firstErr
}

// Close stops the worker after the queued tasks drain. Safe to call more
// than once.
func (t *Thread) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()

		return
	}
	t.closed = true
	t.mu.Unlock()

	close(t.jobs)
	t.wg.Wait()
}

func (t *Thread) run() {
	defer t.wg.Done()

	for task := range t.jobs {
		task.err = task.fn()
		close(task.done)
	}
}
