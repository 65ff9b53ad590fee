// priority_queue_test.go - Tests for the priority queue.
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

package queue

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPriorityQueueOrdering(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	q := New()
	require.Equal(0, q.Len(), "empty queue length")
	require.Nil(q.Peek(), "Peek() on empty queue")
	require.Nil(q.Dequeue(), "Dequeue() on empty queue")

	// Insert in shuffled order, expect priority order out.
	priorities := rand.Perm(64)
	for _, p := range priorities {
		q.Enqueue(uint64(p), p)
	}
	require.Equal(len(priorities), q.Len(), "queue length after Enqueue")

	for i := 0; i < len(priorities); i++ {
		e := q.Peek()
		require.NotNil(e, "Peek()")
		require.Equal(uint64(i), e.Priority, "Peek() priority")

		e = q.Dequeue()
		require.NotNil(e, "Dequeue()")
		require.Equal(uint64(i), e.Priority, "Dequeue() priority")
		require.Equal(i, e.Value.(int), "Dequeue() value")
	}
	require.Equal(0, q.Len(), "queue length after draining")
}

func TestPriorityQueueDuplicatePriorities(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	q := New()
	for i := 0; i < 8; i++ {
		q.Enqueue(42, i)
	}
	q.Enqueue(7, "first")

	e := q.Dequeue()
	require.Equal(uint64(7), e.Priority, "lowest priority first")
	require.Equal("first", e.Value.(string))

	seen := make(map[int]bool)
	for q.Len() > 0 {
		e = q.Dequeue()
		require.Equal(uint64(42), e.Priority)
		seen[e.Value.(int)] = true
	}
	require.Equal(8, len(seen), "all duplicate priority entries drained")
}
