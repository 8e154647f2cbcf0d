package resilience_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vorion-labs/vorion/pkg/resilience"
)

func fastIntervals() resilience.ElectorOption {
	return resilience.WithIntervals(time.Second, 10*time.Millisecond, 10*time.Millisecond)
}

func TestElector_FirstInstanceWins(t *testing.T) {
	_, rdb := testRedis(t)
	ctx := context.Background()

	var gained atomic.Int32
	a := resilience.NewElector(rdb, "instance-a", fastIntervals(),
		resilience.OnBecameLeader(func() { gained.Add(1) }))
	b := resilience.NewElector(rdb, "instance-b", fastIntervals())

	a.Start(ctx)
	defer a.Stop(ctx)
	assert.True(t, a.IsLeader())
	assert.Equal(t, int32(1), gained.Load())

	b.Start(ctx)
	defer b.Stop(ctx)
	assert.False(t, b.IsLeader())
}

func TestElector_FollowerTakesOverAfterResignation(t *testing.T) {
	_, rdb := testRedis(t)
	ctx := context.Background()

	a := resilience.NewElector(rdb, "instance-a", fastIntervals())
	b := resilience.NewElector(rdb, "instance-b", fastIntervals())

	a.Start(ctx)
	b.Start(ctx)
	defer b.Stop(ctx)
	require.True(t, a.IsLeader())
	require.False(t, b.IsLeader())

	a.Stop(ctx)

	assert.Eventually(t, b.IsLeader, 2*time.Second, 5*time.Millisecond,
		"follower never took over the released lease")
}

func TestElector_DemotesWhenLeaseLost(t *testing.T) {
	mr, rdb := testRedis(t)
	ctx := context.Background()

	var lost atomic.Int32
	e := resilience.NewElector(rdb, "instance-a", fastIntervals(),
		resilience.OnLostLeadership(func() { lost.Add(1) }))
	e.Start(ctx)
	defer e.Stop(ctx)
	require.True(t, e.IsLeader())

	// lease stolen out from under us
	mr.Set(resilience.LeaderKey, "usurper")

	assert.Eventually(t, func() bool { return !e.IsLeader() }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), lost.Load())
}

func TestElector_StopReleasesLease(t *testing.T) {
	mr, rdb := testRedis(t)
	ctx := context.Background()

	e := resilience.NewElector(rdb, "instance-a", fastIntervals())
	e.Start(ctx)
	require.True(t, e.IsLeader())

	e.Stop(ctx)
	assert.False(t, e.IsLeader())
	assert.False(t, mr.Exists(resilience.LeaderKey))
}

func TestElector_StartIsIdempotent(t *testing.T) {
	_, rdb := testRedis(t)
	ctx := context.Background()

	e := resilience.NewElector(rdb, "instance-a", fastIntervals())
	e.Start(ctx)
	e.Start(ctx)
	defer e.Stop(ctx)
	assert.True(t, e.IsLeader())
}

func TestInstanceID_Unique(t *testing.T) {
	assert.NotEqual(t, resilience.InstanceID(), resilience.InstanceID())
	assert.NotEmpty(t, resilience.InstanceID())
}
