package concurrency

import (
	"errors"
	"sync/atomic"
	"testing"

	"etf_arb/pkg/logging"

	"github.com/stretchr/testify/assert"
)

func TestWorkerPool_RunAll(t *testing.T) {
	wp := NewWorkerPool(PoolConfig{Name: "test", MaxWorkers: 2, MaxCapacity: 8}, logging.NewNop())
	defer wp.Stop()

	var ran int32
	boom := errors.New("boom")
	errs := wp.RunAll(
		func() error { atomic.AddInt32(&ran, 1); return nil },
		func() error { atomic.AddInt32(&ran, 1); return boom },
		func() error { atomic.AddInt32(&ran, 1); return nil },
	)

	assert.Equal(t, int32(3), atomic.LoadInt32(&ran))
	assert.Len(t, errs, 3)
	assert.NoError(t, errs[0])
	assert.ErrorIs(t, errs[1], boom)
	assert.NoError(t, errs[2])
}

func TestWorkerPool_PanicRecovered(t *testing.T) {
	wp := NewWorkerPool(PoolConfig{Name: "panic"}, logging.NewNop())

	done := make(chan struct{})
	_ = wp.Submit(func() { panic("worker blew up") })
	_ = wp.Submit(func() { close(done) })
	<-done
	wp.Stop()

	stats := wp.Stats()
	assert.Contains(t, stats, "failed_tasks")
}
