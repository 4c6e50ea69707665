package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueRegistrySnapshotExcludesUninstantiated(t *testing.T) {
	q := NewQueueRegistry()
	q.RegisterSubscriber(Topic("hello", "/hello"))

	assert.Empty(t, q.Snapshot())

	count := q.PrepareDelivery(Topic("hello", "/hello"))
	assert.Equal(t, uint64(1), count)

	snap := q.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "queues.hello./hello", snap[0].Name)
	assert.Equal(t, uint64(1), snap[0].MessageCount)
	assert.Equal(t, 1, snap[0].SubscriberCount)
}
