package duties

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"time"

	"github.com/attestantio/go-eth2-client/spec/phase0"

	"github.com/sentrynode/validator/errtype"
	"github.com/sentrynode/validator/signing"
	"github.com/sentrynode/validator/types"
)

// scheduleAggregation waits until the 2/3-slot mark and then aggregates
// and publishes attestations for every aggregator duty in duties
// (spec.md §4.8.2). It is a no-op when there are no aggregator duties.
func (s *AttestationService) scheduleAggregation(ctx context.Context, slot types.Slot, data types.AttestationData, duties []types.AttesterDutyWithSelectionProof) {
	if len(duties) == 0 {
		return
	}
	at := s.clk.TimestampForSlot(slot).Add(2 * s.clk.SecondsPerInterval())
	select {
	case <-ctx.Done():
		return
	case <-time.After(time.Until(at)):
	}
	if err := s.aggregateAttestations(ctx, slot, data, duties); err != nil {
		RecordError(err)
		s.Base.log.WithError(err).WithField("slot", slot).Warn("failed to aggregate attestations")
	}
}

type aggregateAndProofPayload struct {
	AggregatorIndex uint64              `json:"aggregator_index"`
	Aggregate       *phase0.Attestation `json:"aggregate"`
	SelectionProof  types.Signature     `json:"selection_proof"`
}

type aggregationJob struct {
	duty      types.AttesterDutyWithSelectionProof
	aggregate *phase0.Attestation
}

// aggregateAttestations fetches, per distinct committee, the best
// available aggregate from the connected beacon nodes, signs an
// AggregateAndProof per aggregator duty, and publishes the batch
// (spec.md §4.8.2).
func (s *AttestationService) aggregateAttestations(ctx context.Context, slot types.Slot, data types.AttestationData, duties []types.AttesterDutyWithSelectionProof) error {
	ObserveStart(KindAttestationAggregation, s.clk.TimeSinceSlotStart(slot).Seconds())

	apiData := attestationDataToAPI(data)
	dataRoot, err := apiData.HashTreeRoot()
	if err != nil {
		return errtype.New(errtype.KindProgrammerError, "aggregate_attestations", err)
	}

	byCommittee := make(map[uint64][]types.AttesterDutyWithSelectionProof)
	for _, d := range duties {
		byCommittee[d.CommitteeIndex] = append(byCommittee[d.CommitteeIndex], d)
	}

	var jobs []aggregationJob
	for committeeIndex, committeeDuties := range byCommittee {
		aggregate, err := s.mbn.AggregateAttestation(ctx, slot, types.Root(dataRoot), committeeIndex)
		if err != nil {
			s.Base.log.WithError(err).WithField("committee_index", committeeIndex).Warn("failed to fetch aggregate attestation")
			continue
		}
		for _, d := range committeeDuties {
			jobs = append(jobs, aggregationJob{duty: d, aggregate: aggregate})
		}
	}
	if len(jobs) == 0 {
		return nil
	}

	fork, err := s.clk.GetFork(slot)
	if err != nil {
		return errtype.New(errtype.KindProtocolMismatch, "aggregate_attestations", err)
	}
	forkInfo := &signing.ForkInfo{Fork: fork, GenesisValidatorsRoot: s.clk.GenesisValidatorsRoot()}

	msgs := make([]signing.SignableMessage, len(jobs))
	pubkeys := make([]types.Pubkey, len(jobs))
	for i, j := range jobs {
		payload, err := json.Marshal(aggregateAndProofPayload{
			AggregatorIndex: j.duty.ValidatorIndex,
			Aggregate:       j.aggregate,
			SelectionProof:  j.duty.SelectionProof,
		})
		if err != nil {
			return err
		}
		msgs[i] = signing.SignableMessage{Kind: signing.KindAggregateAndProof, ForkInfo: forkInfo, Payload: payload}
		pubkeys[i] = j.duty.Pubkey
	}

	results, err := s.signer.SignInBatches(ctx, msgs, pubkeys)
	if err != nil {
		return errtype.New(errtype.KindSignerError, "aggregate_attestations", err)
	}

	ObserveSubmission(KindAttestationAggregation, s.clk.TimeSinceSlotStart(slot).Seconds())

	jobByPubkey := make(map[types.Pubkey]aggregationJob, len(jobs))
	for _, j := range jobs {
		jobByPubkey[j.duty.Pubkey] = j
	}

	proofs := make([]*phase0.SignedAggregateAndProof, 0, len(results))
	for _, r := range results {
		j, ok := jobByPubkey[r.Pubkey]
		if !ok || r.Signature == (types.Signature{}) {
			continue
		}
		proofs = append(proofs, &phase0.SignedAggregateAndProof{
			Message: &phase0.AggregateAndProof{
				AggregatorIndex: phase0.ValidatorIndex(j.duty.ValidatorIndex),
				Aggregate:       j.aggregate,
				SelectionProof:  phase0.BLSSignature(j.duty.SelectionProof),
			},
			Signature: phase0.BLSSignature(r.Signature),
		})
	}
	if len(proofs) == 0 {
		return nil
	}

	if err := s.mbn.SubmitAggregateAndProofs(ctx, proofs); err != nil {
		return errtype.New(errtype.KindTransientNetwork, "aggregate_attestations", err)
	}
	s.Base.log.WithField("slot", slot).WithField("count", len(proofs)).Info("published aggregate and proofs")
	return nil
}

// isAggregatorByCommitteeLength reimplements is_aggregator from the
// consensus spec: a validator is an aggregator if the low 8 bytes of
// sha256(selectionProof), read little-endian, are 0 mod the committee's
// aggregator modulo (spec.md §4.8.1).
func isAggregatorByCommitteeLength(committeeLength, targetAggregatorsPerCommittee uint64, selectionProof types.Signature) bool {
	modulo := committeeLength / targetAggregatorsPerCommittee
	if modulo < 1 {
		modulo = 1
	}
	h := sha256.Sum256(selectionProof[:])
	return binary.LittleEndian.Uint64(h[:8])%modulo == 0
}
