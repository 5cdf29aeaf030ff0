package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errDown = errors.New("down")

func tripConfig() Config {
	cfg := DefaultConfig("")
	cfg.FailureThreshold = 2
	cfg.Timeout = 20 * time.Millisecond
	cfg.MaxRequests = 1
	return cfg
}

func TestBreakerOpensAndRecovers(t *testing.T) {
	var (
		mu          sync.Mutex
		transitions []string
	)
	m := NewManager(nil, func(name string, from, to State) {
		mu.Lock()
		defer mu.Unlock()
		transitions = append(transitions, string(from)+">"+string(to))
	})
	cb, err := m.GetOrCreate("store", tripConfig())
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := Do(ctx, cb, func() (int, error) { return 0, errDown })
		assert.ErrorIs(t, err, errDown)
	}
	assert.Equal(t, StateOpen, cb.State())

	_, err = Do(ctx, cb, func() (int, error) { return 1, nil })
	assert.True(t, IsOpen(err))
	assert.Contains(t, err.Error(), "store")

	time.Sleep(30 * time.Millisecond)
	v, err := Do(ctx, cb, func() (int, error) { return 7, nil })
	require.NoError(t, err)
	assert.Equal(t, 7, v)
	assert.Equal(t, StateClosed, cb.State())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"closed>open", "open>half-open", "half-open>closed"}, transitions)
}

func TestIsSuccessfulIgnoresBenignErrors(t *testing.T) {
	errMissing := errors.New("not found")
	cfg := tripConfig()
	cfg.IsSuccessful = func(err error) bool { return err == nil || errors.Is(err, errMissing) }
	cb, err := New(cfg, nil)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := cb.Execute(context.Background(), func() (any, error) { return nil, errMissing })
		assert.ErrorIs(t, err, errMissing)
	}
	assert.Equal(t, StateClosed, cb.State())
}

func TestManagerReusesBreakers(t *testing.T) {
	m := NewManager(nil, nil)
	a, err := m.GetOrCreate("sms", DefaultConfig("ignored"))
	require.NoError(t, err)
	b, err := m.GetOrCreate("sms", DefaultConfig("ignored"))
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.Equal(t, "sms", a.Name())

	health := m.Health()
	require.Len(t, health, 1)
	assert.True(t, health[0].Healthy)
	assert.Equal(t, StateClosed, health[0].State)
}

func TestManagerCheckReportsOpenBreakers(t *testing.T) {
	m := NewManager(nil, nil)
	store, err := m.GetOrCreate("store", tripConfig())
	require.NoError(t, err)
	_, err = m.GetOrCreate("sms", tripConfig())
	require.NoError(t, err)
	assert.NoError(t, m.Check())

	for i := 0; i < 2; i++ {
		_, _ = Do(context.Background(), store, func() (int, error) { return 0, errDown })
	}

	err = m.Check()
	require.Error(t, err)
	assert.True(t, IsOpen(err))
	assert.Contains(t, err.Error(), "store")
	assert.Error(t, m.Check("store", "missing"))
	assert.NoError(t, m.Check("sms"))
}
