package multibeacon

import (
	"context"

	apiv1 "github.com/attestantio/go-eth2-client/api/v1"
	"github.com/attestantio/go-eth2-client/spec/altair"
	"github.com/attestantio/go-eth2-client/spec/phase0"

	"github.com/sentrynode/validator/beacon"
	"github.com/sentrynode/validator/types"
)

// GetValidators returns validator records from the first node that
// answers: which node answers doesn't matter, only that the answer is OK
// (spec.md §4.3.1).
func (m *MultiBeaconNode) GetValidators(ctx context.Context, stateID string, indices []phase0.ValidatorIndex) (map[phase0.ValidatorIndex]*apiv1.Validator, error) {
	return firstOK(ctx, m.InitializedNodes(), func(ctx context.Context, n *beacon.Node) (map[phase0.ValidatorIndex]*apiv1.Validator, error) {
		return n.Validators(ctx, stateID, indices)
	})
}

// GetValidatorsByPubkey returns validator records matching pubkeys, as
// the transport-agnostic types.ValidatorIndexPubkey, client-side
// filtered to statuses when non-empty (the Beacon API status filter
// isn't exposed by every transport we support, so we filter after the
// fact, as the first-responding node already did the expensive lookup)
// (spec.md §5.1).
func (m *MultiBeaconNode) GetValidatorsByPubkey(ctx context.Context, stateID string, pubkeys []phase0.BLSPubKey, statuses []types.ValidatorStatus) ([]types.ValidatorIndexPubkey, error) {
	all, err := firstOK(ctx, m.InitializedNodes(), func(ctx context.Context, n *beacon.Node) (map[phase0.ValidatorIndex]*apiv1.Validator, error) {
		return n.ValidatorsByPubkey(ctx, stateID, pubkeys)
	})
	if err != nil {
		return nil, err
	}

	var wanted map[types.ValidatorStatus]bool
	if len(statuses) > 0 {
		wanted = make(map[types.ValidatorStatus]bool, len(statuses))
		for _, s := range statuses {
			wanted[s] = true
		}
	}

	out := make([]types.ValidatorIndexPubkey, 0, len(all))
	for idx, v := range all {
		status := types.ValidatorStatus(v.Status.String())
		if wanted != nil && !wanted[status] {
			continue
		}
		var pk types.Pubkey
		if v.Validator != nil {
			pk = types.Pubkey(v.Validator.PublicKey)
		}
		out = append(out, types.ValidatorIndexPubkey{
			Index:  uint64(idx),
			Pubkey: pk,
			Status: status,
		})
	}
	return out, nil
}

// GetProposerDuties delegates to the single best-scoring node.
func (m *MultiBeaconNode) GetProposerDuties(ctx context.Context, epoch types.Epoch) ([]*apiv1.ProposerDuty, types.Root, error) {
	n, err := m.BestNode()
	if err != nil {
		return nil, types.Root{}, err
	}
	return n.ProposerDuties(ctx, epoch)
}

// GetAttesterDuties delegates to the single best-scoring node.
func (m *MultiBeaconNode) GetAttesterDuties(ctx context.Context, epoch types.Epoch, indices []phase0.ValidatorIndex) ([]*apiv1.AttesterDuty, types.Root, error) {
	n, err := m.BestNode()
	if err != nil {
		return nil, types.Root{}, err
	}
	return n.AttesterDuties(ctx, epoch, indices)
}

// GetSyncDuties delegates to the single best-scoring node.
func (m *MultiBeaconNode) GetSyncDuties(ctx context.Context, epoch types.Epoch, indices []phase0.ValidatorIndex) ([]*apiv1.SyncCommitteeDuty, error) {
	n, err := m.BestNode()
	if err != nil {
		return nil, err
	}
	return n.SyncCommitteeDuties(ctx, epoch, indices)
}

// GetLiveness delegates to the single best-scoring node.
func (m *MultiBeaconNode) GetLiveness(ctx context.Context, epoch types.Epoch, indices []phase0.ValidatorIndex) ([]*apiv1.ValidatorLiveness, error) {
	n, err := m.BestNode()
	if err != nil {
		return nil, err
	}
	return n.Liveness(ctx, epoch, indices)
}

// BlockRoot delegates to the single best-scoring node.
func (m *MultiBeaconNode) BlockRoot(ctx context.Context, blockID string) (types.Root, error) {
	n, err := m.BestNode()
	if err != nil {
		return types.Root{}, err
	}
	return n.BlockRoot(ctx, blockID)
}

// PrepareBeaconProposer fans fee-recipient preparations out to every
// initialized node.
func (m *MultiBeaconNode) PrepareBeaconProposer(ctx context.Context, preparations []*apiv1.ProposalPreparation) error {
	_, err := allOK(ctx, m.InitializedNodes(), func(ctx context.Context, n *beacon.Node) (struct{}, error) {
		return struct{}{}, n.PrepareBeaconProposer(ctx, preparations)
	})
	return err
}

// RegisterValidators registers with MEV relays via only the best node:
// duplicate registrations across every node would needlessly spam relays.
func (m *MultiBeaconNode) RegisterValidators(ctx context.Context, regs []*apiv1.SignedValidatorRegistration) error {
	n, err := m.BestNode()
	if err != nil {
		return err
	}
	return n.RegisterValidators(ctx, regs)
}

// PrepareBeaconCommitteeSubscriptions fans subnet subscriptions out to
// every initialized node.
func (m *MultiBeaconNode) PrepareBeaconCommitteeSubscriptions(ctx context.Context, subs []*apiv1.BeaconCommitteeSubscription) error {
	_, err := allOK(ctx, m.InitializedNodes(), func(ctx context.Context, n *beacon.Node) (struct{}, error) {
		return struct{}{}, n.PrepareBeaconCommitteeSubscriptions(ctx, subs)
	})
	return err
}

// PrepareSyncCommitteeSubscriptions fans sync subnet subscriptions out to
// every initialized node.
func (m *MultiBeaconNode) PrepareSyncCommitteeSubscriptions(ctx context.Context, subs []*apiv1.SyncCommitteeSubscription) error {
	_, err := allOK(ctx, m.InitializedNodes(), func(ctx context.Context, n *beacon.Node) (struct{}, error) {
		return struct{}{}, n.PrepareSyncCommitteeSubscriptions(ctx, subs)
	})
	return err
}

// SubmitAttestations fans signed attestations out to every initialized
// node so the attestation reaches as much of the gossip network as
// possible.
func (m *MultiBeaconNode) SubmitAttestations(ctx context.Context, atts []*phase0.Attestation) error {
	_, err := allOK(ctx, m.InitializedNodes(), func(ctx context.Context, n *beacon.Node) (struct{}, error) {
		return struct{}{}, n.SubmitAttestations(ctx, atts)
	})
	return err
}

// SubmitSyncCommitteeMessages fans signed sync committee messages out to
// every initialized node.
func (m *MultiBeaconNode) SubmitSyncCommitteeMessages(ctx context.Context, msgs []*phase0.SyncCommitteeMessage) error {
	_, err := allOK(ctx, m.InitializedNodes(), func(ctx context.Context, n *beacon.Node) (struct{}, error) {
		return struct{}{}, n.SubmitSyncCommitteeMessages(ctx, msgs)
	})
	return err
}

// SubmitAggregateAndProofs fans signed aggregate-and-proofs out to every
// initialized node.
func (m *MultiBeaconNode) SubmitAggregateAndProofs(ctx context.Context, proofs []*phase0.SignedAggregateAndProof) error {
	_, err := allOK(ctx, m.InitializedNodes(), func(ctx context.Context, n *beacon.Node) (struct{}, error) {
		return struct{}{}, n.SubmitAggregateAndProofs(ctx, proofs)
	})
	return err
}

// SubmitSyncCommitteeContributions fans signed contribution-and-proofs out
// to every initialized node.
func (m *MultiBeaconNode) SubmitSyncCommitteeContributions(ctx context.Context, proofs []*altair.SignedContributionAndProof) error {
	_, err := allOK(ctx, m.InitializedNodes(), func(ctx context.Context, n *beacon.Node) (struct{}, error) {
		return struct{}{}, n.SubmitSyncCommitteeContributions(ctx, proofs)
	})
	return err
}
