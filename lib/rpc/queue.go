// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package rpc

import "sync"

// serialBacklog is how many jobs a serial queue holds before
// submitters block, which in turn stops connection readers.
const serialBacklog = 256

// workQueue runs handler jobs off the connection readers, so a slow or
// blocking handler never stalls delivery of other messages.
type workQueue struct {
	mode QueueMode

	// slots bounds a concurrent queue; nil when unbounded.
	slots chan struct{}

	// jobs feeds the single worker of a serial queue.
	jobs chan func()

	mu      sync.Mutex
	closed  bool
	pending sync.WaitGroup
}

func newWorkQueue(mode QueueMode, maxConcurrent int) *workQueue {
	queue := &workQueue{mode: mode}
	switch mode {
	case QueueSerial:
		queue.jobs = make(chan func(), serialBacklog)
		go queue.work()
	default:
		if maxConcurrent > 0 {
			queue.slots = make(chan struct{}, maxConcurrent)
		}
	}
	return queue
}

// submit schedules job. It returns false, without running job, once
// the queue has been drained.
func (q *workQueue) submit(job func()) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.pending.Add(1)
	q.mu.Unlock()

	if q.jobs != nil {
		q.jobs <- job
		return true
	}
	go func() {
		defer q.pending.Done()
		if q.slots != nil {
			q.slots <- struct{}{}
			defer func() { <-q.slots }()
		}
		job()
	}()
	return true
}

func (q *workQueue) work() {
	for job := range q.jobs {
		job()
		q.pending.Done()
	}
}

// drain stops accepting jobs and waits for every submitted job to
// finish.
func (q *workQueue) drain() {
	q.mu.Lock()
	alreadyClosed := q.closed
	q.closed = true
	q.mu.Unlock()

	q.pending.Wait()
	if q.jobs != nil && !alreadyClosed {
		close(q.jobs)
	}
}
