package duties

import (
	"context"
	"testing"
	"time"

	apiv1 "github.com/attestantio/go-eth2-client/api/v1"
	"github.com/attestantio/go-eth2-client/spec/phase0"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentrynode/validator/clock"
	"github.com/sentrynode/validator/config"
	"github.com/sentrynode/validator/errtype"
	"github.com/sentrynode/validator/signing"
	"github.com/sentrynode/validator/types"
)

type fakeSlashingGate struct {
	detected bool
}

func (f *fakeSlashingGate) SlashingDetected() bool { return f.detected }

// futureGenesisClock returns a SlotClock whose genesis is far enough in the
// future that CurrentSlot() is always 0, regardless of wall-clock time --
// giving deterministic "current slot" tests without needing to run real time.
func futureGenesisClock(spec config.Spec) *clock.SlotClock {
	return clock.New(time.Now().Add(100*365*24*time.Hour), types.Root{}, spec)
}

func testSpec() config.Spec {
	return config.Spec{
		SlotsPerEpoch:                 32,
		SlotDurationMS:                12000,
		IntervalsPerSlot:              3,
		TargetAggregatorsPerCommittee: 16,
		Forks: []types.Fork{
			{ActivationEpoch: 0},
		},
	}
}

func TestDependentRootsStale(t *testing.T) {
	known := map[types.Epoch]types.Root{0: {1}, 1: {2}}

	assert.False(t, dependentRootsStale(known, types.Root{1}, types.Root{2}))
	assert.True(t, dependentRootsStale(known, types.Root{1}, types.Root{3}))
	assert.True(t, dependentRootsStale(map[types.Epoch]types.Root{}, types.Root{1}))
}

func TestAttesterDutyFromAPI(t *testing.T) {
	d := &apiv1.AttesterDuty{
		PubKey:                  phase0.BLSPubKey{0xAA},
		ValidatorIndex:          7,
		CommitteeIndex:          2,
		CommitteeLength:         128,
		CommitteesAtSlot:        64,
		ValidatorCommitteeIndex: 5,
		Slot:                    100,
	}

	got := attesterDutyFromAPI(d)

	assert.Equal(t, types.Pubkey(d.PubKey), got.Pubkey)
	assert.Equal(t, uint64(7), got.ValidatorIndex)
	assert.Equal(t, uint64(2), got.CommitteeIndex)
	assert.Equal(t, uint64(128), got.CommitteeLength)
	assert.Equal(t, uint64(64), got.CommitteesAtSlot)
	assert.Equal(t, uint64(5), got.ValidatorCommitteeIndex)
	assert.Equal(t, types.Slot(100), got.Slot)
}

func TestAttestationDataToAPI(t *testing.T) {
	d := types.AttestationData{
		Slot:            10,
		CommitteeIndex:  3,
		BeaconBlockRoot: types.Root{1, 2, 3},
		Source:          types.Checkpoint{Epoch: 1, Root: types.Root{4}},
		Target:          types.Checkpoint{Epoch: 2, Root: types.Root{5}},
	}

	got := attestationDataToAPI(d)

	assert.Equal(t, phase0.Slot(10), got.Slot)
	assert.Equal(t, phase0.CommitteeIndex(3), got.Index)
	assert.Equal(t, phase0.Root(d.BeaconBlockRoot), got.BeaconBlockRoot)
	assert.Equal(t, phase0.Epoch(1), got.Source.Epoch)
	assert.Equal(t, phase0.Root(types.Root{4}), got.Source.Root)
	assert.Equal(t, phase0.Epoch(2), got.Target.Epoch)
	assert.Equal(t, phase0.Root(types.Root{5}), got.Target.Root)
}

func TestIsAggregatorByCommitteeLengthClampsModuloToOne(t *testing.T) {
	// When the target exceeds the committee length, modulo clamps to 1,
	// so every validator is an aggregator regardless of selection proof.
	var proof types.Signature
	proof[0] = 0xFF
	assert.True(t, isAggregatorByCommitteeLength(4, 16, proof))

	var other types.Signature
	other[0] = 0x01
	assert.True(t, isAggregatorByCommitteeLength(4, 16, other))
}

func TestIsAggregatorByCommitteeLengthDeterministic(t *testing.T) {
	var proof types.Signature
	proof[10] = 0x42

	first := isAggregatorByCommitteeLength(128, 16, proof)
	second := isAggregatorByCommitteeLength(128, 16, proof)
	assert.Equal(t, first, second)
}

func newTestAttestationService(spec config.Spec) *AttestationService {
	s := NewAttestationService(nil, nil, nil, nil, nil, futureGenesisClock(spec), spec, false)
	return s
}

func TestTakeDutiesForSlotRemovesOnlyMatchingSlot(t *testing.T) {
	s := newTestAttestationService(testSpec())

	d1 := types.AttesterDutyWithSelectionProof{AttesterDuty: types.AttesterDuty{ValidatorIndex: 1, Slot: 5}}
	d2 := types.AttesterDutyWithSelectionProof{AttesterDuty: types.AttesterDuty{ValidatorIndex: 2, Slot: 6}}
	s.duties[dutyKey{epoch: 0, index: 1}] = d1
	s.duties[dutyKey{epoch: 0, index: 2}] = d2

	got := s.takeDutiesForSlot(5)

	require.Len(t, got, 1)
	assert.Equal(t, uint64(1), got[0].ValidatorIndex)
	assert.Len(t, s.duties, 1)
	_, stillThere := s.duties[dutyKey{epoch: 0, index: 2}]
	assert.True(t, stillThere)
}

func TestHasAnyDutyInEpoch(t *testing.T) {
	s := newTestAttestationService(testSpec())
	s.duties[dutyKey{epoch: 3, index: 1}] = types.AttesterDutyWithSelectionProof{}

	assert.True(t, s.hasAnyDutyInEpoch(3))
	assert.False(t, s.hasAnyDutyInEpoch(4))
}

func TestPruneDutiesDropsOldEpochsOnly(t *testing.T) {
	s := newTestAttestationService(testSpec())
	s.duties[dutyKey{epoch: 1, index: 1}] = types.AttesterDutyWithSelectionProof{}
	s.duties[dutyKey{epoch: 2, index: 1}] = types.AttesterDutyWithSelectionProof{}
	s.dutiesDependentRoot[1] = types.Root{1}
	s.dutiesDependentRoot[2] = types.Root{2}

	s.pruneDuties(2)

	assert.Len(t, s.duties, 1)
	_, ok := s.duties[dutyKey{epoch: 2, index: 1}]
	assert.True(t, ok)
	assert.Len(t, s.dutiesDependentRoot, 1)
}

func TestAttestIfNotYetAttestedRefusesWhenSlashingDetected(t *testing.T) {
	spec := testSpec()
	s := NewAttestationService(nil, nil, nil, nil, &fakeSlashingGate{detected: true}, futureGenesisClock(spec), spec, false)

	err := s.AttestIfNotYetAttested(context.Background(), 0, nil)

	require.Error(t, err)
	assert.True(t, errtype.Is(err, errtype.KindSlashingDetected))
}

func TestAttestIfNotYetAttestedIgnoresSlashingWhenGateDisabled(t *testing.T) {
	spec := testSpec()
	s := NewAttestationService(nil, nil, nil, nil, &fakeSlashingGate{detected: true}, futureGenesisClock(spec), spec, true)
	// No duties scheduled and none pending in the epoch, so this should
	// fall through to the no-op path without touching mbn/signer.
	s.statusTracker = fakeActiveOrPending{}

	err := s.AttestIfNotYetAttested(context.Background(), 0, nil)

	assert.NoError(t, err)
}

func TestAttestIfNotYetAttestedRefusesSlotMismatch(t *testing.T) {
	spec := testSpec()
	s := newTestAttestationService(spec)

	err := s.AttestIfNotYetAttested(context.Background(), 5, nil)

	require.Error(t, err)
	assert.True(t, errtype.Is(err, errtype.KindProgrammerError))
}

func TestAttestIfNotYetAttestedRefusesDoubleStart(t *testing.T) {
	spec := testSpec()
	s := newTestAttestationService(spec)
	require.True(t, s.Base.TryStart(0))

	err := s.AttestIfNotYetAttested(context.Background(), 0, nil)

	require.Error(t, err)
	assert.True(t, errtype.Is(err, errtype.KindProgrammerError))
}

type fakeActiveOrPending struct{}

func (fakeActiveOrPending) ActiveValidators() []types.ValidatorIndexPubkey  { return nil }
func (fakeActiveOrPending) PendingValidators() []types.ValidatorIndexPubkey { return nil }

var _ signing.Provider = (*fakeSignerForTest)(nil)

type fakeSignerForTest struct {
	signFn func(ctx context.Context, msgs []signing.SignableMessage, pubkeys []types.Pubkey) ([]signing.SignedResult, error)
}

func (f *fakeSignerForTest) PublicKeys(ctx context.Context) ([]types.Pubkey, error) { return nil, nil }

func (f *fakeSignerForTest) Sign(ctx context.Context, msg signing.SignableMessage, pubkey types.Pubkey) (types.Signature, error) {
	return types.Signature{}, nil
}

func (f *fakeSignerForTest) SignInBatches(ctx context.Context, msgs []signing.SignableMessage, pubkeys []types.Pubkey) ([]signing.SignedResult, error) {
	return f.signFn(ctx, msgs, pubkeys)
}

func TestSignAttestationsZipsResultsByPubkey(t *testing.T) {
	spec := testSpec()
	s := newTestAttestationService(spec)
	s.signer = &fakeSignerForTest{
		signFn: func(ctx context.Context, msgs []signing.SignableMessage, pubkeys []types.Pubkey) ([]signing.SignedResult, error) {
			out := make([]signing.SignedResult, len(pubkeys))
			for i, pk := range pubkeys {
				out[i] = signing.SignedResult{Pubkey: pk, Signature: types.Signature{byte(i + 1)}}
			}
			return out, nil
		},
	}

	duties := []types.AttesterDutyWithSelectionProof{
		{AttesterDuty: types.AttesterDuty{Pubkey: types.Pubkey{1}, Slot: 0}},
		{AttesterDuty: types.AttesterDuty{Pubkey: types.Pubkey{2}, Slot: 0}},
	}

	signed, err := s.signAttestations(context.Background(), types.AttestationData{Slot: 0}, duties)

	require.NoError(t, err)
	require.Len(t, signed, 2)
	byPubkey := make(map[types.Pubkey]types.Signature)
	for _, sa := range signed {
		byPubkey[sa.duty.Pubkey] = sa.signature
	}
	assert.Equal(t, types.Signature{1}, byPubkey[types.Pubkey{1}])
	assert.Equal(t, types.Signature{2}, byPubkey[types.Pubkey{2}])
}

type fakeAttesterDutyCache struct {
	duties map[types.Epoch][]types.AttesterDutyWithSelectionProof
	roots  map[types.Epoch]types.Root
	err    error
	saved  bool
}

func (f *fakeAttesterDutyCache) LoadAttesterDuties() (map[types.Epoch][]types.AttesterDutyWithSelectionProof, map[types.Epoch]types.Root, error) {
	return f.duties, f.roots, f.err
}

func (f *fakeAttesterDutyCache) SaveAttesterDuties(duties map[types.Epoch][]types.AttesterDutyWithSelectionProof, roots map[types.Epoch]types.Root) error {
	f.saved = true
	return nil
}

func TestLoadFromCacheRestoresDuties(t *testing.T) {
	s := newTestAttestationService(testSpec())
	cache := &fakeAttesterDutyCache{
		duties: map[types.Epoch][]types.AttesterDutyWithSelectionProof{
			3: {{AttesterDuty: types.AttesterDuty{ValidatorIndex: 5, Slot: 96}}},
		},
		roots: map[types.Epoch]types.Root{3: {7}},
	}
	s.SetDutyCache(cache)

	s.LoadFromCache()

	got, ok := s.duties[dutyKey{epoch: 3, index: 5}]
	require.True(t, ok)
	assert.Equal(t, types.Slot(96), got.Slot)
	assert.Equal(t, types.Root{7}, s.dutiesDependentRoot[3])
}

func TestLoadFromCacheNoOpWithoutCacheSet(t *testing.T) {
	s := newTestAttestationService(testSpec())
	s.LoadFromCache()
	assert.Empty(t, s.duties)
}
