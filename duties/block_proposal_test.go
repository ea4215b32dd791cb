package duties

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/attestantio/go-eth2-client/api"
	apiv1 "github.com/attestantio/go-eth2-client/api/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentrynode/validator/config"
	"github.com/sentrynode/validator/signing"
	"github.com/sentrynode/validator/types"
)

type fakeBlockProposalMBN struct {
	getProposerDuties     func(ctx context.Context, epoch types.Epoch) ([]*apiv1.ProposerDuty, types.Root, error)
	prepareBeaconProposer func(ctx context.Context, preparations []*apiv1.ProposalPreparation) error
	registerValidators    func(ctx context.Context, regs []*apiv1.SignedValidatorRegistration) error
	produceBestBlock      func(ctx context.Context, slot types.Slot, randaoReveal types.Signature, graffiti [32]byte, builderBoostFactor uint64, softTimeout time.Duration) (*api.VersionedProposal, error)
	submitProposal        func(ctx context.Context, proposal *api.VersionedSignedProposal) error
}

func (f *fakeBlockProposalMBN) GetProposerDuties(ctx context.Context, epoch types.Epoch) ([]*apiv1.ProposerDuty, types.Root, error) {
	return f.getProposerDuties(ctx, epoch)
}
func (f *fakeBlockProposalMBN) PrepareBeaconProposer(ctx context.Context, preparations []*apiv1.ProposalPreparation) error {
	return f.prepareBeaconProposer(ctx, preparations)
}
func (f *fakeBlockProposalMBN) RegisterValidators(ctx context.Context, regs []*apiv1.SignedValidatorRegistration) error {
	return f.registerValidators(ctx, regs)
}
func (f *fakeBlockProposalMBN) ProduceBestBlock(ctx context.Context, slot types.Slot, randaoReveal types.Signature, graffiti [32]byte, builderBoostFactor uint64, softTimeout time.Duration) (*api.VersionedProposal, error) {
	return f.produceBestBlock(ctx, slot, randaoReveal, graffiti, builderBoostFactor, softTimeout)
}
func (f *fakeBlockProposalMBN) SubmitProposal(ctx context.Context, proposal *api.VersionedSignedProposal) error {
	return f.submitProposal(ctx, proposal)
}

type fakeOverrides struct {
	feeRecipient string
	gasLimit     string
	graffiti     string
	err          error
}

func (f *fakeOverrides) GetFeeRecipient(pubkey types.Pubkey) (string, error) {
	return f.feeRecipient, f.err
}
func (f *fakeOverrides) GetGasLimit(pubkey types.Pubkey) (string, error) { return f.gasLimit, f.err }
func (f *fakeOverrides) GetGraffiti(pubkey types.Pubkey) (string, error) { return f.graffiti, f.err }

func newTestBlockProposalService(spec config.Spec) *BlockProposalService {
	overrides := &fakeOverrides{feeRecipient: "0x1122334455667788990011223344556677889900", gasLimit: "30000000", graffiti: "hello"}
	return NewBlockProposalService(nil, overrides, nil, fakeActiveOrPending{}, nil, futureGenesisClock(spec), spec, 100, false, false, 2*time.Second)
}

func TestBellatrixAddressRoundTrips(t *testing.T) {
	addr, err := bellatrixAddress("0x1122334455667788990011223344556677889900")
	require.NoError(t, err)
	assert.Equal(t, byte(0x11), addr[0])
	assert.Equal(t, byte(0x00), addr[19])
}

func TestBellatrixAddressRejectsWrongLength(t *testing.T) {
	_, err := bellatrixAddress("0x1122")
	assert.Error(t, err)
}

func TestParseUint64(t *testing.T) {
	v, err := parseUint64("30000000")
	require.NoError(t, err)
	assert.Equal(t, uint64(30000000), v)
}

func TestDutyForSlotAndTakeDutyForSlot(t *testing.T) {
	s := newTestBlockProposalService(testSpec())
	s.duties[dutyKey{epoch: 0, index: 0}] = types.ProposerDuty{ValidatorIndex: 7, Slot: 3}
	s.duties[dutyKey{epoch: 0, index: 1}] = types.ProposerDuty{ValidatorIndex: 9, Slot: 4}

	got, ok := s.dutyForSlot(3)
	require.True(t, ok)
	assert.Equal(t, uint64(7), got.ValidatorIndex)

	_, ok = s.dutyForSlot(5)
	assert.False(t, ok)

	taken, ok := s.takeDutyForSlot(3)
	require.True(t, ok)
	assert.Equal(t, uint64(7), taken.ValidatorIndex)

	_, ok = s.dutyForSlot(3)
	assert.False(t, ok, "duty should have been removed after take")

	_, ok = s.dutyForSlot(4)
	assert.True(t, ok, "other slot's duty should remain")
}

func TestPruneProposerDutiesDropsOldEpochsOnly(t *testing.T) {
	s := newTestBlockProposalService(testSpec())
	s.duties[dutyKey{epoch: 1, index: 0}] = types.ProposerDuty{Slot: 32}
	s.duties[dutyKey{epoch: 2, index: 0}] = types.ProposerDuty{Slot: 64}
	s.dutiesDependentRoot[1] = types.Root{1}
	s.dutiesDependentRoot[2] = types.Root{2}

	s.pruneProposerDuties(2)

	assert.Len(t, s.duties, 1)
	_, ok := s.duties[dutyKey{epoch: 2, index: 0}]
	assert.True(t, ok)
	assert.Len(t, s.dutiesDependentRoot, 1)
}

func TestProposeBlockRefusesWhenSlashingDetected(t *testing.T) {
	spec := testSpec()
	s := NewBlockProposalService(nil, &fakeOverrides{}, nil, fakeActiveOrPending{}, &fakeSlashingGate{detected: true}, futureGenesisClock(spec), spec, 100, false, false, time.Second)

	err := s.ProposeBlock(context.Background(), 0)

	require.Error(t, err)
}

func TestProposeBlockRefusesSlotMismatch(t *testing.T) {
	s := newTestBlockProposalService(testSpec())

	err := s.ProposeBlock(context.Background(), 5)

	require.Error(t, err)
}

func TestProposeBlockNoOpWithoutDuty(t *testing.T) {
	s := newTestBlockProposalService(testSpec())

	err := s.ProposeBlock(context.Background(), 0)

	assert.NoError(t, err)
}

func TestRegisterValidatorBatchSkipsOnSignerError(t *testing.T) {
	spec := testSpec()
	s := newTestBlockProposalService(spec)
	s.signer = &fakeSignerForTest{
		signFn: func(ctx context.Context, msgs []signing.SignableMessage, pubkeys []types.Pubkey) ([]signing.SignedResult, error) {
			return nil, errors.New("signer unreachable")
		},
	}

	err := s.registerValidatorBatch(context.Background(), []types.ValidatorIndexPubkey{{Index: 1, Pubkey: types.Pubkey{1}}}, time.Now())
	assert.Error(t, err)
}

func TestRegisterValidatorBatchPublishesRegistrations(t *testing.T) {
	spec := testSpec()
	s := newTestBlockProposalService(spec)
	var submitted []*apiv1.SignedValidatorRegistration
	s.mbn = &fakeBlockProposalMBN{
		registerValidators: func(ctx context.Context, regs []*apiv1.SignedValidatorRegistration) error {
			submitted = regs
			return nil
		},
	}
	s.signer = &fakeSignerForTest{
		signFn: func(ctx context.Context, msgs []signing.SignableMessage, pubkeys []types.Pubkey) ([]signing.SignedResult, error) {
			out := make([]signing.SignedResult, len(pubkeys))
			for i, pk := range pubkeys {
				out[i] = signing.SignedResult{Pubkey: pk, Signature: types.Signature{7}}
			}
			return out, nil
		},
	}

	err := s.registerValidatorBatch(context.Background(), []types.ValidatorIndexPubkey{{Index: 1, Pubkey: types.Pubkey{1}}}, time.Now())

	require.NoError(t, err)
	require.Len(t, submitted, 1)
	assert.Equal(t, uint64(30000000), submitted[0].Message.GasLimit)
}

type fakeProposerDutyCache struct {
	duties map[types.Epoch][]types.ProposerDuty
	roots  map[types.Epoch]types.Root
	err    error
}

func (f *fakeProposerDutyCache) LoadProposerDuties() (map[types.Epoch][]types.ProposerDuty, map[types.Epoch]types.Root, error) {
	return f.duties, f.roots, f.err
}

func (f *fakeProposerDutyCache) SaveProposerDuties(duties map[types.Epoch][]types.ProposerDuty, roots map[types.Epoch]types.Root) error {
	return nil
}

func TestBlockProposalLoadFromCacheRestoresDuties(t *testing.T) {
	s := newTestBlockProposalService(testSpec())
	cache := &fakeProposerDutyCache{
		duties: map[types.Epoch][]types.ProposerDuty{
			2: {{ValidatorIndex: 4, Slot: 64}},
		},
		roots: map[types.Epoch]types.Root{2: {3}},
	}
	s.SetDutyCache(cache)

	s.LoadFromCache()

	got, ok := s.duties[dutyKey{epoch: 2, index: 4}]
	require.True(t, ok)
	assert.Equal(t, types.Slot(64), got.Slot)
	assert.Equal(t, types.Root{3}, s.dutiesDependentRoot[2])
}

func TestPrepareBeaconProposerNoOpWithoutValidators(t *testing.T) {
	s := newTestBlockProposalService(testSpec())
	s.mbn = &fakeBlockProposalMBN{
		prepareBeaconProposer: func(ctx context.Context, preparations []*apiv1.ProposalPreparation) error {
			t.Fatal("should not be called with no active or pending validators")
			return nil
		},
	}

	err := s.prepareBeaconProposer(context.Background())
	assert.NoError(t, err)
}
