package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryQueue(t *testing.T) {
	t.Run("enqueue and dequeue in order", func(t *testing.T) {
		q := NewInMemoryQueue(4)
		require.NoError(t, q.Enqueue("a"))
		require.NoError(t, q.Enqueue("b"))
		assert.Equal(t, 2, q.Size())

		item, ok := q.Dequeue()
		require.True(t, ok)
		assert.Equal(t, "a", item)
		item, ok = q.Dequeue()
		require.True(t, ok)
		assert.Equal(t, "b", item)
	})

	t.Run("enqueue fails when full", func(t *testing.T) {
		q := NewInMemoryQueue(1)
		require.NoError(t, q.Enqueue("a"))
		err := q.Enqueue("b")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "full")
	})

	t.Run("close drains pending items", func(t *testing.T) {
		q := NewInMemoryQueue(2)
		require.NoError(t, q.Enqueue("a"))
		q.Close()

		item, ok := q.Dequeue()
		require.True(t, ok)
		assert.Equal(t, "a", item)

		_, ok = q.Dequeue()
		assert.False(t, ok)
	})

	t.Run("enqueue after close errors instead of panicking", func(t *testing.T) {
		q := NewInMemoryQueue(1)
		q.Close()
		assert.Error(t, q.Enqueue("a"))
		q.Close()
	})
}
