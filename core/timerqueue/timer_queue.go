// timer_queue.go - Time delayed action queue.
// Copyright (C) 2026  Fidelio Authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package timerqueue provides a queue that holds entries until a
// deadline and then hands them to a target queue.
package timerqueue

import (
	"sync"
	"time"

	"github.com/fidelio-chat/fidelio/core/queue"
	"github.com/fidelio-chat/fidelio/core/worker"
)

// Target is the destination that expired entries are handed to.
//
// Cancellation is best effort: an entry may be handed over after the
// event it is tied to has already been resolved, so Push MUST
// re-validate whatever state the entry refers to before acting.
type Target interface {
	Push(interface{}) error
}

// TimerQueue delays entries until their deadline and then forwards
// them to the Target.
type TimerQueue struct {
	sync.Mutex
	sync.Cond
	worker.Worker

	priq   *queue.PriorityQueue
	target Target

	wakech chan struct{}
}

// New instantiates a new TimerQueue and starts its worker routine.
func New(target Target) *TimerQueue {
	q := &TimerQueue{
		priq:   queue.New(),
		target: target,
	}
	q.L = new(sync.Mutex)
	q.Go(q.worker)
	return q
}

// Schedule adds a value to the queue, to be forwarded to the Target at
// the given deadline.
func (q *TimerQueue) Schedule(deadline time.Time, value interface{}) {
	q.Lock()
	q.priq.Enqueue(uint64(deadline.UnixNano()), value)
	q.Unlock()
	q.Signal()
}

// wakeupCh returns the channel that fires upon Signal of the
// TimerQueue's sync.Cond.
func (q *TimerQueue) wakeupCh() chan struct{} {
	if q.wakech != nil {
		return q.wakech
	}
	c := make(chan struct{})
	go func() {
		defer close(c)
		var v struct{}
		for {
			q.L.Lock()
			q.Wait()
			q.L.Unlock()
			select {
			case <-q.HaltCh():
				return
			case c <- v:
			}
		}
	}()
	q.wakech = c
	return c
}

// forward pops the head of the queue and hands it to the target.
func (q *TimerQueue) forward() {
	q.Lock()
	e := q.priq.Dequeue()
	q.Unlock()
	if e == nil {
		return
	}

	// Target.Push owns re-validation, errors are not actionable here.
	_ = q.target.Push(e.Value)
}

func (q *TimerQueue) worker() {
	for {
		var c <-chan time.Time
		q.Lock()
		if e := q.priq.Peek(); e != nil {
			timeLeft := time.Duration(int64(e.Priority) - time.Now().UnixNano())
			if timeLeft <= 0 {
				q.Unlock()
				q.forward()
				continue
			}
			c = time.After(timeLeft)
		}
		q.Unlock()

		select {
		case <-q.HaltCh():
			// Wake the wakeupCh goroutine so that it notices the halt.
			q.Signal()
			return
		case <-c:
			q.forward()
		case <-q.wakeupCh():
		}
	}
}
