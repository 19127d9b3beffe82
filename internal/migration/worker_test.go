package migration

import (
	"context"
	"testing"
	"time"

	"github.com/EPajares/goat-sub003/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryQueue(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()

	require.NoError(t, q.Enqueue(ctx, []string{"a", "b", "c"}))
	msgs, err := q.Receive(ctx, 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "a", msgs[0].DatasetID)
	assert.Equal(t, 3, q.Len())

	require.NoError(t, q.Ack(ctx, msgs[0]))
	q.Nack(msgs[1])
	assert.Equal(t, 2, q.Len())

	msgs, err = q.Receive(ctx, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "c", msgs[0].DatasetID)
	assert.Equal(t, "b", msgs[1].DatasetID)

	cctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	_, err = q.Receive(cctx, 1)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWorker_Run(t *testing.T) {
	env := newTestEnv(t)
	env.addPointLayer(t, "d1")
	env.addPointLayer(t, "d2")
	o := env.orchestrator(nil)

	q := NewMemoryQueue()
	require.NoError(t, q.Enqueue(context.Background(), []string{"d1", "d2", "missing"}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- NewWorker(q, o, WorkerConfig{Concurrency: 2}).Run(ctx)
	}()

	require.Eventually(t, func() bool {
		return q.Len() == 0
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	for _, id := range []string{"d1", "d2"} {
		rec, err := o.Status(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, models.MigrationCommitted, rec.State, id)
	}
	rec, err := o.Status(context.Background(), "missing")
	require.NoError(t, err)
	assert.Equal(t, models.MigrationFailed, rec.State)
}

func TestParsePlan(t *testing.T) {
	plan, err := ParsePlan([]byte(`
concurrency: 8
epsilon: 1e-6
datasets:
  - a
  - b
`))
	require.NoError(t, err)
	assert.Equal(t, 8, plan.Concurrency)
	assert.InDelta(t, 1e-6, plan.Epsilon, 1e-12)
	assert.Equal(t, []string{"a", "b"}, plan.Datasets)

	tests := []struct {
		name string
		yaml string
	}{
		{name: "duplicate", yaml: "datasets: [a, a]"},
		{name: "empty id", yaml: "datasets: ['']"},
		{name: "negative concurrency", yaml: "concurrency: -1"},
		{name: "not yaml", yaml: "datasets: [a"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParsePlan([]byte(tt.yaml))
			require.Error(t, err)
		})
	}
}
