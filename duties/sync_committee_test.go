package duties

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentrynode/validator/config"
	"github.com/sentrynode/validator/types"
)

func testSyncSpec() config.Spec {
	spec := testSpec()
	spec.EpochsPerSyncCommitteePeriod = 256
	spec.TargetAggregatorsPerSyncSubcommittee = 16
	spec.SyncCommitteeSize = 512
	spec.SyncCommitteeSubnetCount = 4
	return spec
}

func TestSyncPeriodForEpoch(t *testing.T) {
	spec := testSyncSpec()
	assert.Equal(t, types.Epoch(0), syncPeriodForEpoch(0, spec))
	assert.Equal(t, types.Epoch(0), syncPeriodForEpoch(255, spec))
	assert.Equal(t, types.Epoch(1), syncPeriodForEpoch(256, spec))
}

func TestSyncPeriodForSlot(t *testing.T) {
	spec := testSyncSpec()
	slotsPerPeriod := spec.SlotsPerEpoch * spec.EpochsPerSyncCommitteePeriod
	assert.Equal(t, types.Epoch(0), syncPeriodForSlot(types.Slot(slotsPerPeriod-2), spec))
	assert.Equal(t, types.Epoch(1), syncPeriodForSlot(types.Slot(slotsPerPeriod-1), spec))
}

func TestSubnetsForSyncCommittee(t *testing.T) {
	spec := testSyncSpec()
	// 512 members / 4 subnets => 128 members per subnet.
	subnets := subnetsForSyncCommittee([]uint64{0, 127, 128, 300}, spec)
	assert.ElementsMatch(t, []uint64{0, 1, 2}, subnets)
}

func TestSubnetsForSyncCommitteeDedupes(t *testing.T) {
	spec := testSyncSpec()
	subnets := subnetsForSyncCommittee([]uint64{10, 20, 30}, spec)
	assert.Equal(t, []uint64{0}, subnets)
}

func TestSubnetsForSyncCommitteeZeroSubnetCount(t *testing.T) {
	spec := testSyncSpec()
	spec.SyncCommitteeSubnetCount = 0
	assert.Nil(t, subnetsForSyncCommittee([]uint64{1, 2}, spec))
}

func TestIsAggregatorBySyncCommitteeSizeIsDeterministic(t *testing.T) {
	spec := testSyncSpec()
	sig := types.Signature{1, 2, 3}

	first := isAggregatorBySyncCommitteeSize(spec, sig)
	second := isAggregatorBySyncCommitteeSize(spec, sig)
	assert.Equal(t, first, second)
}

func TestIsAggregatorBySyncCommitteeSizeEveryoneAggregatesWhenModuloIsOne(t *testing.T) {
	spec := testSyncSpec()
	// perSubnet (128) / target (16) = 8, not 1 -- force modulo to 1 by
	// raising the target above perSubnet.
	spec.TargetAggregatorsPerSyncSubcommittee = 1000
	assert.True(t, isAggregatorBySyncCommitteeSize(spec, types.Signature{9, 9, 9}))
}

func TestDutiesForSlotFiltersByPeriod(t *testing.T) {
	spec := testSyncSpec()
	s := NewSyncCommitteeService(nil, nil, fakeActiveOrPending{}, nil, futureGenesisClock(spec), spec, false)
	s.duties[syncPeriodKey{period: 0, index: 1}] = types.SyncDuty{ValidatorIndex: 1}
	s.duties[syncPeriodKey{period: 1, index: 2}] = types.SyncDuty{ValidatorIndex: 2}

	got := s.dutiesForSlot(0)
	require.Len(t, got, 1)
	assert.Equal(t, uint64(1), got[0].ValidatorIndex)
}

func TestPruneDutiesBeforeDropsOldPeriodsOnly(t *testing.T) {
	spec := testSyncSpec()
	s := NewSyncCommitteeService(nil, nil, fakeActiveOrPending{}, nil, futureGenesisClock(spec), spec, false)
	s.duties[syncPeriodKey{period: 0, index: 1}] = types.SyncDuty{ValidatorIndex: 1}
	s.duties[syncPeriodKey{period: 1, index: 2}] = types.SyncDuty{ValidatorIndex: 2}

	s.pruneDutiesBefore(1)

	assert.Len(t, s.duties, 1)
	_, ok := s.duties[syncPeriodKey{period: 1, index: 2}]
	assert.True(t, ok)
}

func TestProduceSyncMessageIfNotYetProducedRefusesWhenSlashingDetected(t *testing.T) {
	spec := testSyncSpec()
	s := NewSyncCommitteeService(nil, nil, fakeActiveOrPending{}, &fakeSlashingGate{detected: true}, futureGenesisClock(spec), spec, false)

	err := s.ProduceSyncMessageIfNotYetProduced(context.Background(), 0, nil)

	require.Error(t, err)
}

func TestProduceSyncMessageIfNotYetProducedNoOpWithoutDuties(t *testing.T) {
	spec := testSyncSpec()
	s := NewSyncCommitteeService(nil, nil, fakeActiveOrPending{}, &fakeSlashingGate{detected: false}, futureGenesisClock(spec), spec, false)

	err := s.ProduceSyncMessageIfNotYetProduced(context.Background(), 0, nil)

	assert.NoError(t, err)
}

func TestProduceSyncMessageIfNotYetProducedRefusesDoubleStart(t *testing.T) {
	spec := testSyncSpec()
	s := NewSyncCommitteeService(nil, nil, fakeActiveOrPending{}, &fakeSlashingGate{detected: false}, futureGenesisClock(spec), spec, false)
	require.True(t, s.Base.TryStart(0))

	err := s.ProduceSyncMessageIfNotYetProduced(context.Background(), 0, nil)

	assert.NoError(t, err)
}

type fakeSyncDutyCache struct {
	duties map[types.Epoch][]types.SyncDuty
	err    error
}

func (f *fakeSyncDutyCache) LoadSyncDuties() (map[types.Epoch][]types.SyncDuty, error) {
	return f.duties, f.err
}

func (f *fakeSyncDutyCache) SaveSyncDuties(duties map[types.Epoch][]types.SyncDuty) error {
	return nil
}

func TestSyncCommitteeLoadFromCacheRestoresDuties(t *testing.T) {
	spec := testSyncSpec()
	s := NewSyncCommitteeService(nil, nil, fakeActiveOrPending{}, nil, futureGenesisClock(spec), spec, false)
	cache := &fakeSyncDutyCache{
		duties: map[types.Epoch][]types.SyncDuty{
			1: {{ValidatorIndex: 6, CommitteeIndices: []uint64{1}}},
		},
	}
	s.SetDutyCache(cache)

	s.LoadFromCache()

	got, ok := s.duties[syncPeriodKey{period: 1, index: 6}]
	require.True(t, ok)
	assert.Equal(t, []uint64{1}, got.CommitteeIndices)
}

func TestUpdateDutiesNoOpWithoutValidators(t *testing.T) {
	spec := testSyncSpec()
	s := NewSyncCommitteeService(nil, nil, fakeActiveOrPending{}, nil, futureGenesisClock(spec), spec, false)

	err := s.updateDuties(context.Background())

	assert.NoError(t, err)
}
