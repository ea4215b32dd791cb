package beacon

import (
	"context"

	eth2client "github.com/attestantio/go-eth2-client"
	"github.com/attestantio/go-eth2-client/api"
	"github.com/attestantio/go-eth2-client/spec/altair"
	"github.com/attestantio/go-eth2-client/spec/phase0"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opencensus.io/trace"

	"github.com/sentrynode/validator/types"
)

var (
	consensusBlockValue = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "beacon_node_consensus_block_value",
		Help:    "Consensus-layer reward paid to the proposer in the block produced by this beacon node",
		Buckets: blockValueBuckets,
	}, []string{"host"})
	executionPayloadValue = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "beacon_node_execution_payload_value",
		Help:    "Execution payload value in blocks produced by this beacon node",
		Buckets: blockValueBuckets,
	}, []string{"host"})
)

var blockValueBuckets = []float64{1e15, 1e16, 1e17, 1e18, 1e19}

// AggregateAttestation fetches the best known aggregate of attestations
// matching attestationDataRoot/slot/committeeIndex.
func (n *Node) AggregateAttestation(ctx context.Context, slot types.Slot, attestationDataRoot types.Root, committeeIndex uint64) (*phase0.Attestation, error) {
	ctx, cancel := context.WithTimeout(ctx, n.aggregateTimeout())
	defer cancel()

	provider, ok := n.client.(eth2client.AggregateAttestationProvider)
	if !ok {
		return nil, ErrUnsupportedEndpoint
	}
	resp, err := provider.AggregateAttestation(ctx, &api.AggregateAttestationOpts{
		Slot:                phase0.Slot(slot),
		AttestationDataRoot: phase0.Root(attestationDataRoot),
		CommitteeIndex:      phase0.CommitteeIndex(committeeIndex),
	})
	n.onOutcome(err)
	if err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// SubmitAggregateAndProofs publishes signed aggregate-and-proof messages.
func (n *Node) SubmitAggregateAndProofs(ctx context.Context, proofs []*phase0.SignedAggregateAndProof) error {
	submitter, ok := n.client.(eth2client.AggregateAttestationsSubmitter)
	if !ok {
		return ErrUnsupportedEndpoint
	}
	err := submitter.SubmitAggregateAttestations(ctx, &api.SubmitAggregateAttestationsOpts{
		SignedAggregateAndProofs: proofs,
	})
	n.onOutcome(err)
	return err
}

// SyncCommitteeContribution fetches the best known sync committee
// contribution for (slot, subcommitteeIndex, beaconBlockRoot).
func (n *Node) SyncCommitteeContribution(ctx context.Context, slot types.Slot, subcommitteeIndex uint64, beaconBlockRoot types.Root) (*altair.SyncCommitteeContribution, error) {
	ctx, cancel := context.WithTimeout(ctx, n.aggregateTimeout())
	defer cancel()

	provider, ok := n.client.(eth2client.SyncCommitteeContributionProvider)
	if !ok {
		return nil, ErrUnsupportedEndpoint
	}
	resp, err := provider.SyncCommitteeContribution(ctx, &api.SyncCommitteeContributionOpts{
		Slot:              phase0.Slot(slot),
		SubcommitteeIndex: subcommitteeIndex,
		BeaconBlockRoot:   phase0.Root(beaconBlockRoot),
	})
	n.onOutcome(err)
	if err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// SubmitSyncCommitteeContributions publishes signed contribution-and-proof
// messages.
func (n *Node) SubmitSyncCommitteeContributions(ctx context.Context, proofs []*altair.SignedContributionAndProof) error {
	submitter, ok := n.client.(eth2client.SyncCommitteeContributionsSubmitter)
	if !ok {
		return ErrUnsupportedEndpoint
	}
	err := submitter.SubmitSyncCommitteeContributions(ctx, proofs)
	n.onOutcome(err)
	return err
}

// ProduceBlock requests an (un)blinded block proposal for slot. No
// per-call timeout is set here: the request is bounded by ctx and by the
// transport's total timeout (defaultTotalTimeout), like other calls
// without their own budget.
func (n *Node) ProduceBlock(ctx context.Context, slot types.Slot, randaoReveal types.Signature, graffiti [32]byte, builderBoostFactor uint64) (*api.VersionedProposal, error) {
	ctx, span := trace.StartSpan(ctx, "beacon.Node.ProduceBlock")
	defer span.End()

	provider, ok := n.client.(eth2client.ProposalProvider)
	if !ok {
		return nil, ErrUnsupportedEndpoint
	}
	resp, err := provider.Proposal(ctx, &api.ProposalOpts{
		Slot:               phase0.Slot(slot),
		RandaoReveal:       phase0.BLSSignature(randaoReveal),
		Graffiti:           &graffiti,
		BuilderBoostFactor: &builderBoostFactor,
	})
	n.onOutcome(err)
	if err != nil {
		return nil, err
	}
	if err := n.rejectOptimistic(resp.Metadata); err != nil {
		return nil, err
	}

	consensusBlockValue.WithLabelValues(n.Host).Observe(float64(resp.Data.ConsensusValue().Uint64()))
	if ev := resp.Data.ExecutionValue(); ev != nil {
		executionPayloadValue.WithLabelValues(n.Host).Observe(float64(ev.Uint64()))
	}
	n.log.WithField("slot", slot).WithField("blinded", resp.Data.Blinded).Info("produced block")
	return resp.Data, nil
}

// SubmitProposal publishes a signed (possibly blinded) block.
func (n *Node) SubmitProposal(ctx context.Context, proposal *api.VersionedSignedProposal) error {
	submitter, ok := n.client.(eth2client.ProposalSubmitter)
	if !ok {
		return ErrUnsupportedEndpoint
	}
	err := submitter.SubmitProposal(ctx, &api.SubmitProposalOpts{Proposal: proposal})
	n.onOutcome(err)
	return err
}
