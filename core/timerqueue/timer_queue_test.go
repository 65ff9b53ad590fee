// timer_queue_test.go - Tests for the delayed action queue.
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

package timerqueue

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type recordingTarget struct {
	sync.Mutex
	values []interface{}
	ch     chan interface{}
}

func newRecordingTarget() *recordingTarget {
	return &recordingTarget{
		ch: make(chan interface{}, 16),
	}
}

func (r *recordingTarget) Push(v interface{}) error {
	r.Lock()
	r.values = append(r.values, v)
	r.Unlock()
	r.ch <- v
	return nil
}

func (r *recordingTarget) waitOne(t *testing.T) interface{} {
	select {
	case v := <-r.ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a forwarded entry")
		return nil
	}
}

func TestTimerQueueForwardsInDeadlineOrder(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	target := newRecordingTarget()
	q := New(target)
	defer q.Halt()

	now := time.Now()
	q.Schedule(now.Add(150*time.Millisecond), "second")
	q.Schedule(now.Add(50*time.Millisecond), "first")
	q.Schedule(now.Add(250*time.Millisecond), "third")

	require.Equal("first", target.waitOne(t))
	require.Equal("second", target.waitOne(t))
	require.Equal("third", target.waitOne(t))
}

func TestTimerQueueImmediateDeadline(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	target := newRecordingTarget()
	q := New(target)
	defer q.Halt()

	// A deadline in the past must be forwarded promptly.
	q.Schedule(time.Now().Add(-time.Second), "overdue")
	require.Equal("overdue", target.waitOne(t))
}
