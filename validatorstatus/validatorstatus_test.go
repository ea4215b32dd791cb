package validatorstatus

import (
	"context"
	"testing"

	"github.com/attestantio/go-eth2-client/spec/phase0"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentrynode/validator/types"
)

type fakeSignerPubkeys struct {
	pubkeys []types.Pubkey
}

func (f fakeSignerPubkeys) PublicKeys() []types.Pubkey { return f.pubkeys }

type fakeMultiBeaconNode struct {
	byStatus map[types.ValidatorStatus][]types.ValidatorIndexPubkey
}

func statusKey(statuses []types.ValidatorStatus) types.ValidatorStatus {
	if len(statuses) == 0 {
		return ""
	}
	return statuses[0]
}

func (f *fakeMultiBeaconNode) GetValidatorsByPubkey(ctx context.Context, stateID string, pubkeys []phase0.BLSPubKey, statuses []types.ValidatorStatus) ([]types.ValidatorIndexPubkey, error) {
	return f.byStatus[statusKey(statuses)], nil
}

func pubkeyWithByte(b byte) types.Pubkey {
	var p types.Pubkey
	p[0] = b
	return p
}

func TestUpdatePartitionsActivePendingAndOther(t *testing.T) {
	pk1, pk2, pk3 := pubkeyWithByte(1), pubkeyWithByte(2), pubkeyWithByte(3)
	mbn := &fakeMultiBeaconNode{byStatus: map[types.ValidatorStatus][]types.ValidatorIndexPubkey{
		types.StatusActiveOngoing:      {{Index: 10, Pubkey: pk1, Status: types.StatusActiveOngoing}},
		types.StatusPendingInitialized: {{Index: 20, Pubkey: pk2, Status: types.StatusPendingInitialized}},
	}}
	signer := fakeSignerPubkeys{pubkeys: []types.Pubkey{pk1, pk2, pk3}}

	tr := New(mbn, signer, "head", 32)
	require.NoError(t, tr.Initialize(context.Background()))

	assert.Len(t, tr.ActiveValidators(), 1)
	assert.Len(t, tr.PendingValidators(), 1)
	assert.True(t, tr.AnyActiveOrPending())
	assert.False(t, tr.SlashingDetected())
}

func TestUpdateDetectsSlashedValidators(t *testing.T) {
	pk1 := pubkeyWithByte(1)
	mbn := &fakeMultiBeaconNode{byStatus: map[types.ValidatorStatus][]types.ValidatorIndexPubkey{
		types.StatusActiveSlashed: {{Index: 10, Pubkey: pk1, Status: types.StatusActiveSlashed}},
	}}
	signer := fakeSignerPubkeys{pubkeys: []types.Pubkey{pk1}}

	tr := New(mbn, signer, "head", 32)
	require.NoError(t, tr.Initialize(context.Background()))

	assert.True(t, tr.SlashingDetected())
}

func TestHandleAttesterSlashingEventFlagsOurValidator(t *testing.T) {
	pk1 := pubkeyWithByte(1)
	mbn := &fakeMultiBeaconNode{byStatus: map[types.ValidatorStatus][]types.ValidatorIndexPubkey{
		types.StatusActiveOngoing: {{Index: 10, Pubkey: pk1, Status: types.StatusActiveOngoing}},
	}}
	signer := fakeSignerPubkeys{pubkeys: []types.Pubkey{pk1}}
	tr := New(mbn, signer, "head", 32)
	require.NoError(t, tr.Initialize(context.Background()))

	tr.HandleAttesterSlashingEvent(AttesterSlashingEvent{
		Attestation1Indices: []uint64{10, 11},
		Attestation2Indices: []uint64{10, 12},
	})

	assert.True(t, tr.SlashingDetected())
}

func TestHandleAttesterSlashingEventIgnoresOthers(t *testing.T) {
	pk1 := pubkeyWithByte(1)
	mbn := &fakeMultiBeaconNode{byStatus: map[types.ValidatorStatus][]types.ValidatorIndexPubkey{
		types.StatusActiveOngoing: {{Index: 10, Pubkey: pk1, Status: types.StatusActiveOngoing}},
	}}
	signer := fakeSignerPubkeys{pubkeys: []types.Pubkey{pk1}}
	tr := New(mbn, signer, "head", 32)
	require.NoError(t, tr.Initialize(context.Background()))

	tr.HandleAttesterSlashingEvent(AttesterSlashingEvent{
		Attestation1Indices: []uint64{99},
		Attestation2Indices: []uint64{99},
	})

	assert.False(t, tr.SlashingDetected())
}

func TestHandleProposerSlashingEventFlagsOurValidator(t *testing.T) {
	pk1 := pubkeyWithByte(1)
	mbn := &fakeMultiBeaconNode{byStatus: map[types.ValidatorStatus][]types.ValidatorIndexPubkey{
		types.StatusActiveOngoing: {{Index: 10, Pubkey: pk1, Status: types.StatusActiveOngoing}},
	}}
	signer := fakeSignerPubkeys{pubkeys: []types.Pubkey{pk1}}
	tr := New(mbn, signer, "head", 32)
	require.NoError(t, tr.Initialize(context.Background()))

	tr.HandleProposerSlashingEvent(ProposerSlashingEvent{ProposerIndex: 10})

	assert.True(t, tr.SlashingDetected())
}

func TestHandleSlotTickOnlyUpdatesOneSlotBeforeEpochBoundary(t *testing.T) {
	pk1 := pubkeyWithByte(1)
	mbn := &fakeMultiBeaconNode{byStatus: map[types.ValidatorStatus][]types.ValidatorIndexPubkey{
		types.StatusActiveOngoing: {{Index: 10, Pubkey: pk1, Status: types.StatusActiveOngoing}},
	}}
	signer := fakeSignerPubkeys{pubkeys: []types.Pubkey{pk1}}
	tr := New(mbn, signer, "head", 32)

	tr.HandleSlotTick(context.Background(), types.Slot(5), false)
	assert.Empty(t, tr.ActiveValidators(), "slot 5 isn't the last slot of an epoch for SLOTS_PER_EPOCH=32")

	tr.HandleSlotTick(context.Background(), types.Slot(31), true)
	assert.Len(t, tr.ActiveValidators(), 1)
}
