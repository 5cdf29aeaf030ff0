package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echo(_ context.Context, t *Task) *Result {
	return &Result{Success: true, Data: t.Payload}
}

func TestMapPreservesOrder(t *testing.T) {
	p, err := New(Config{Workers: 4, QueueSize: 2}, echo, nil)
	require.NoError(t, err)
	p.Start()
	defer p.Stop()

	var tasks []*Task
	for i := 0; i < 20; i++ {
		tasks = append(tasks, &Task{ID: fmt.Sprint(i), Payload: i})
	}
	results, err := p.Map(context.Background(), tasks)
	require.NoError(t, err)
	require.Len(t, results, 20)
	for i, r := range results {
		assert.True(t, r.Success)
		assert.Equal(t, i, r.Data)
		assert.Equal(t, fmt.Sprint(i), r.TaskID)
	}
	assert.Equal(t, int64(20), p.Stats().TasksCompleted)
}

func TestRetriesUntilSuccess(t *testing.T) {
	var calls int32
	p, err := New(Config{Workers: 1, MaxRetries: 3, RetryDelay: time.Millisecond}, func(ctx context.Context, t *Task) *Result {
		if atomic.AddInt32(&calls, 1) < 3 {
			return &Result{Error: errors.New("flaky")}
		}
		return &Result{Success: true}
	}, nil)
	require.NoError(t, err)
	p.Start()
	defer p.Stop()

	r := runOne(t, p)
	assert.True(t, r.Success)
	assert.Equal(t, 3, r.Attempts)
	assert.Equal(t, int64(2), p.Stats().TasksRetried)
}

func TestFinalResultIsNotRetried(t *testing.T) {
	var calls int32
	p, err := New(Config{Workers: 1, MaxRetries: 5, RetryDelay: time.Millisecond}, func(ctx context.Context, t *Task) *Result {
		atomic.AddInt32(&calls, 1)
		return &Result{Error: errors.New("conflict"), Final: true}
	}, nil)
	require.NoError(t, err)
	p.Start()
	defer p.Stop()

	r := runOne(t, p)
	assert.False(t, r.Success)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Equal(t, int64(1), p.Stats().TasksFailed)
}

func TestMapAfterStop(t *testing.T) {
	p, err := New(Config{Workers: 1}, echo, nil)
	require.NoError(t, err)
	p.Start()
	require.NoError(t, p.Stop())

	_, err = p.Map(context.Background(), []*Task{{ID: "late"}})
	assert.ErrorIs(t, err, ErrStopped)
	assert.NoError(t, p.Stop())
}

func TestMapHonoursContext(t *testing.T) {
	p, err := New(Config{Workers: 1}, func(ctx context.Context, t *Task) *Result {
		time.Sleep(50 * time.Millisecond)
		return &Result{Success: true}
	}, nil)
	require.NoError(t, err)
	p.Start()
	defer p.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	_, err = p.Map(ctx, []*Task{{ID: "slow"}})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestIsHealthyTracksQueueDepth(t *testing.T) {
	block := make(chan struct{})
	p, err := New(Config{Workers: 1, QueueSize: 2}, func(ctx context.Context, t *Task) *Result {
		<-block
		return &Result{Success: true}
	}, nil)
	require.NoError(t, err)
	p.Start()
	assert.True(t, p.IsHealthy())

	done := make(chan error, 1)
	go func() {
		_, err := p.Map(context.Background(), []*Task{{ID: "running"}, {ID: "q1"}, {ID: "q2"}})
		done <- err
	}()
	require.Eventually(t, func() bool { return p.Stats().QueueDepth == 2 }, time.Second, time.Millisecond)
	assert.False(t, p.IsHealthy())

	close(block)
	require.NoError(t, <-done)
	assert.True(t, p.IsHealthy())
	require.NoError(t, p.Stop())
}

func TestNewRequiresFunc(t *testing.T) {
	_, err := New(DefaultConfig(), nil, nil)
	assert.Error(t, err)
}

func runOne(t *testing.T, p *Pool) *Result {
	t.Helper()
	results, err := p.Map(context.Background(), []*Task{{ID: "t"}})
	require.NoError(t, err)
	require.Len(t, results, 1)
	return results[0]
}
