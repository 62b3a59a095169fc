package workerpool

import (
	"context"
	"errors"
	"runtime"
	"sync"
)

var ErrPoolClosed = errors.New("worker pool is closed")

type WorkerPool struct {
	config    Config
	taskQueue chan Task
	done      chan struct{}

	closeMu sync.RWMutex
	closed  bool
	senders sync.WaitGroup
}

type Config struct {
	WorkerCount  int
	GlobalBuffer int
}

// Room groups the tasks of one caller. Results are collected in the order
// the tasks were submitted.
type Room struct {
	resultChan chan result
	seq        int
	seqMutex   sync.Mutex
	wg         sync.WaitGroup
	wp         *WorkerPool
}

type Task struct {
	run  func() any
	seq  int
	room *Room
}

type result struct {
	seq   int
	value any
}

func NewWorkerPool(config Config) *WorkerPool {
	if config.WorkerCount < 1 {
		numberOfCPUs := runtime.NumCPU()
		numberOfWorkers := (numberOfCPUs * 3)
		config.WorkerCount = numberOfWorkers
	}

	if config.GlobalBuffer < 1 {
		config.GlobalBuffer = 10000
	}

	wp := &WorkerPool{
		config:    config,
		taskQueue: make(chan Task, config.GlobalBuffer),
		done:      make(chan struct{}),
	}

	for i := 0; i < config.WorkerCount; i++ {
		go wp.worker()
	}

	return wp
}

func (wp *WorkerPool) worker() {
	for t := range wp.taskQueue {
		t.room.resultChan <- result{seq: t.seq, value: t.run()}
		t.room.wg.Done()
	}
}

// Close stops the workers once the queued tasks are done. Submissions
// waiting for a free slot give up with ErrPoolClosed. Close does not wait
// for running tasks.
func (wp *WorkerPool) Close() {
	wp.closeMu.Lock()
	if wp.closed {
		wp.closeMu.Unlock()
		return
	}
	wp.closed = true
	wp.closeMu.Unlock()

	close(wp.done)
	wp.senders.Wait()
	close(wp.taskQueue)
}

func (wp *WorkerPool) WorkerCount() int {
	return wp.config.WorkerCount
}

// CreateRoom returns a room that buffers up to size results. A room must not
// hold more pending results than its size before Collect is called.
func (wp *WorkerPool) CreateRoom(size int) *Room {
	if size < 1 {
		size = 1
	}
	return &Room{
		resultChan: make(chan result, size),
		wp:         wp,
	}
}

func (ro *Room) nextTask(job func() any) Task {
	ro.seqMutex.Lock()
	defer ro.seqMutex.Unlock()
	t := Task{run: job, seq: ro.seq, room: ro}
	ro.seq++
	return t
}

// Submit queues job, waiting for a free slot in the global queue until ctx
// is done or the pool is closed.
func (ro *Room) Submit(ctx context.Context, job func() any) error {
	wp := ro.wp
	wp.closeMu.RLock()
	if wp.closed {
		wp.closeMu.RUnlock()
		return ErrPoolClosed
	}
	wp.senders.Add(1)
	wp.closeMu.RUnlock()
	defer wp.senders.Done()

	task := ro.nextTask(job)
	ro.wg.Add(1)
	select {
	case wp.taskQueue <- task:
		return nil
	case <-wp.done:
		ro.wg.Done()
		return ErrPoolClosed
	case <-ctx.Done():
		ro.wg.Done()
		return ctx.Err()
	}
}

// Collect waits for every submitted task and returns their results in
// submission order. Tasks that were never queued leave a nil result.
func (ro *Room) Collect() []any {
	go ro.waitAndClose()

	ro.seqMutex.Lock()
	results := make([]any, ro.seq)
	ro.seqMutex.Unlock()

	for r := range ro.resultChan {
		if r.seq < len(results) {
			results[r.seq] = r.value
		}
	}

	return results
}

func (ro *Room) waitAndClose() {
	ro.wg.Wait()
	close(ro.resultChan)
}
