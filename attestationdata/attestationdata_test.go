package attestationdata

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentrynode/validator/types"
)

type fakeMultiBeaconNode struct {
	waitForAttDataFn        func(ctx context.Context, root types.Root, slot types.Slot, ci uint64) (types.AttestationData, error)
	produceWithoutHeadFn    func(ctx context.Context, slot types.Slot, ci uint64) (types.AttestationData, error)
	confirmCheckpointsCalls int
	confirmErr              error
}

func (f *fakeMultiBeaconNode) ProduceAttestationDataWithoutHeadEvent(ctx context.Context, slot types.Slot, ci uint64) (types.AttestationData, error) {
	return f.produceWithoutHeadFn(ctx, slot, ci)
}

func (f *fakeMultiBeaconNode) WaitForAttestationData(ctx context.Context, root types.Root, slot types.Slot, ci uint64) (types.AttestationData, error) {
	return f.waitForAttDataFn(ctx, root, slot, ci)
}

func (f *fakeMultiBeaconNode) WaitForCheckpointsConfirmed(ctx context.Context, slot types.Slot, source, target types.Checkpoint) error {
	f.confirmCheckpointsCalls++
	return f.confirmErr
}

func TestProduceWithoutHeadEventWhenNoRootGiven(t *testing.T) {
	want := types.AttestationData{Slot: 5}
	f := &fakeMultiBeaconNode{
		produceWithoutHeadFn: func(ctx context.Context, slot types.Slot, ci uint64) (types.AttestationData, error) {
			return want, nil
		},
	}
	p := New(f)

	got, err := p.Produce(context.Background(), 5, 0, types.Root{})
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestProduceFallsBackWhenHeadEventWaitFails(t *testing.T) {
	want := types.AttestationData{Slot: 7}
	f := &fakeMultiBeaconNode{
		waitForAttDataFn: func(ctx context.Context, root types.Root, slot types.Slot, ci uint64) (types.AttestationData, error) {
			return types.AttestationData{}, errors.New("timed out")
		},
		produceWithoutHeadFn: func(ctx context.Context, slot types.Slot, ci uint64) (types.AttestationData, error) {
			return want, nil
		},
	}
	p := New(f)

	got, err := p.Produce(context.Background(), 7, 0, types.Root{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestProduceUsesCheckpointCacheOnSecondCall(t *testing.T) {
	data := types.AttestationData{
		Slot:   9,
		Source: types.Checkpoint{Epoch: 1},
		Target: types.Checkpoint{Epoch: 2},
	}
	f := &fakeMultiBeaconNode{
		waitForAttDataFn: func(ctx context.Context, root types.Root, slot types.Slot, ci uint64) (types.AttestationData, error) {
			return data, nil
		},
	}
	p := New(f)

	_, err := p.Produce(context.Background(), 9, 0, types.Root{1})
	require.NoError(t, err)
	assert.Equal(t, 1, f.confirmCheckpointsCalls)

	_, err = p.Produce(context.Background(), 9, 0, types.Root{1})
	require.NoError(t, err)
	assert.Equal(t, 1, f.confirmCheckpointsCalls, "second confirmation should be served from cache")
}

func TestCheckpointCacheEvictsOldestBeyondSize(t *testing.T) {
	p := New(&fakeMultiBeaconNode{})
	for e := types.Epoch(0); e < 5; e++ {
		p.cacheCheckpoints(types.Checkpoint{Epoch: e}, types.Checkpoint{Epoch: e})
	}
	assert.Equal(t, checkpointCacheSize, p.sourceCache.Len())
	assert.Equal(t, checkpointCacheSize, p.targetCache.Len())
	for e := types.Epoch(2); e < 5; e++ {
		_, ok := p.sourceCache.Get(e)
		assert.True(t, ok, "epoch %d should survive eviction", e)
	}
	_, ok := p.sourceCache.Get(types.Epoch(0))
	assert.False(t, ok, "oldest epoch should have been evicted")
}
