// Package workerpool runs CPU-bound closures off the caller's goroutine.
package workerpool

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
)

var ErrPoolClosed = errors.New("workerpool: pool is closed")

type WorkerPool struct {
	config    Config
	taskQueue chan Task

	lifecycle sync.RWMutex
	closed    bool
}

type Config struct {
	WorkerCount  int
	GlobalBuffer int
}

// Room groups tasks whose results are collected together.
type Room struct {
	bufferSize int
	resultChan chan interface{}
	wg         sync.WaitGroup
	wp         *WorkerPool
}

type Task struct {
	run  func() interface{}
	room *Room
}

// PanicError carries a panic recovered from a task.
type PanicError struct {
	Value interface{}
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("workerpool: task panicked: %v", e.Value)
}

func NewWorkerPool(config Config) *WorkerPool {
	if config.WorkerCount < 1 {
		config.WorkerCount = runtime.NumCPU()
	}

	if config.GlobalBuffer < 1 {
		config.GlobalBuffer = 1024
	}

	wp := &WorkerPool{
		config:    config,
		taskQueue: make(chan Task, config.GlobalBuffer),
	}

	for i := 0; i < config.WorkerCount; i++ {
		go wp.worker()
	}

	return wp
}

func (wp *WorkerPool) worker() {
	for t := range wp.taskQueue {
		t.room.resultChan <- runTask(t.run)
		t.room.wg.Done()
	}
}

func runTask(run func() interface{}) (result interface{}) {
	defer func() {
		if r := recover(); r != nil {
			result = &PanicError{Value: r}
		}
	}()
	return run()
}

// Close stops the workers once the queued tasks are done. Submitting after
// Close fails with ErrPoolClosed.
func (wp *WorkerPool) Close() {
	wp.lifecycle.Lock()
	defer wp.lifecycle.Unlock()
	if wp.closed {
		return
	}
	wp.closed = true
	close(wp.taskQueue)
}

func (wp *WorkerPool) CreateRoom(size int) *Room {
	return &Room{
		bufferSize: size,
		resultChan: make(chan interface{}, size),
		wp:         wp,
	}
}

// NewTaskWaitForFreeSlot queues job, blocking while the pool's queue is full.
func (ro *Room) NewTaskWaitForFreeSlot(job func() interface{}) error {
	ro.wp.lifecycle.RLock()
	defer ro.wp.lifecycle.RUnlock()
	if ro.wp.closed {
		return ErrPoolClosed
	}

	ro.wg.Add(1)
	ro.wp.taskQueue <- Task{run: job, room: ro}
	return nil
}

// Collect waits for every task of the room and returns their results in
// completion order.
func (ro *Room) Collect() []interface{} {
	go ro.waitAndClose()
	results := make([]interface{}, 0, ro.bufferSize)

	for result := range ro.resultChan {
		results = append(results, result)
	}

	return results
}

func (ro *Room) waitAndClose() {
	ro.wg.Wait()
	close(ro.resultChan)
}
