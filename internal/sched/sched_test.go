package sched

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/alive/v2"
	"github.com/temoto/paxnode/log2"
)

func TestLoopStop(t *testing.T) {
	t.Parallel()
	log := log2.NewTest(t, log2.LDebug)
	a := alive.NewAlive()
	var n uint32
	ticked := make(chan struct{}, 10)
	require.True(t, Go(a, "count", TickFunc(func(time.Time) Action {
		if atomic.AddUint32(&n, 1) == 3 {
			ticked <- struct{}{}
		}
		return Sleep(time.Millisecond)
	}), log))

	select {
	case <-ticked:
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not tick")
	}
	a.Stop()
	select {
	case <-a.WaitChan():
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not stop")
	}
	assert.False(t, Go(a, "late", TickFunc(func(time.Time) Action { return Action{} }), log))
}

func TestLoopStopInterruptsSleep(t *testing.T) {
	t.Parallel()
	log := log2.NewTest(t, log2.LDebug)
	a := alive.NewAlive()
	started := make(chan struct{})
	Go(a, "slow", TickFunc(func(time.Time) Action {
		close(started)
		return Sleep(time.Hour)
	}), log)
	<-started
	tbegin := time.Now()
	a.Stop()
	a.Wait()
	assert.True(t, time.Since(tbegin) < time.Second)
}

func TestTickPanic(t *testing.T) {
	t.Parallel()
	var errs uint32
	log := log2.NewTest(t, log2.LDebug)
	log.SetErrorFunc(func(error) { atomic.AddUint32(&errs, 1) })
	act := tickSafe("bad", TickFunc(func(time.Time) Action { panic("boom") }), log)
	assert.Equal(t, time.Second, act.Sleep)
	assert.Equal(t, uint32(1), atomic.LoadUint32(&errs))
}
