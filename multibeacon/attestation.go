package multibeacon

import (
	"context"
	"time"

	"github.com/attestantio/go-eth2-client/spec/altair"
	"github.com/attestantio/go-eth2-client/spec/phase0"

	"github.com/sentrynode/validator/beacon"
	"github.com/sentrynode/validator/types"
)

type altairContribution = altair.SyncCommitteeContribution

// pollRoundMinInterval is the minimum spacing between consensus-poll
// rounds in ProduceAttestationDataWithoutHeadEvent (spec.md §4.3.2).
const pollRoundMinInterval = 30 * time.Millisecond

// ProduceAttestationDataWithoutHeadEvent is the fallback path used when no
// head event has confirmed the expected block root yet: it repeatedly
// polls every initialized node for attestation data and returns as soon
// as ConsensusThreshold nodes agree on the same value, rate-limited to at
// least one round every 30ms.
func (m *MultiBeaconNode) ProduceAttestationDataWithoutHeadEvent(ctx context.Context, slot types.Slot, committeeIndex uint64) (types.AttestationData, error) {
	hostToData := map[string]types.AttestationData{}
	counter := map[types.AttestationData]int{}

	for {
		roundStart := time.Now()
		nodes := m.InitializedNodes()

		type result struct {
			host string
			data types.AttestationData
			err  error
		}
		ch := make(chan result, len(nodes))
		for _, n := range nodes {
			n := n
			go func() {
				d, err := n.AttestationData(ctx, slot, committeeIndex)
				ch <- result{n.Host, d, err}
			}()
		}

		for range nodes {
			r := <-ch
			if r.err != nil {
				log.WithError(r.err).Warn("failed to produce attestation data")
				continue
			}

			prev, hadPrev := hostToData[r.host]
			if hadPrev && prev.Equal(r.data) {
				continue
			}

			hostToData[r.host] = r.data
			counter[r.data]++
			if hadPrev {
				counter[prev]--
			}

			if counter[r.data] >= m.ConsensusThreshold {
				var contributing []string
				for h, d := range hostToData {
					if d.Equal(r.data) {
						contributing = append(contributing, h)
					}
				}
				log.WithField("hosts", contributing).Debug("produced attestation data without head event")
				return r.data, nil
			}
		}

		select {
		case <-ctx.Done():
			return types.AttestationData{}, ctx.Err()
		case <-time.After(elapsedWait(roundStart, pollRoundMinInterval)):
		}
	}
}

func elapsedWait(start time.Time, min time.Duration) time.Duration {
	elapsed := time.Since(start)
	if elapsed >= min {
		return 0
	}
	return min - elapsed
}

// WaitForAttestationData races every initialized node's own
// wait-for-block-root loop and returns whichever confirms
// expectedHeadBlockRoot first (the head-event fast path, spec.md §4.3.2).
func (m *MultiBeaconNode) WaitForAttestationData(ctx context.Context, expectedHeadBlockRoot types.Root, slot types.Slot, committeeIndex uint64) (types.AttestationData, error) {
	return firstOK(ctx, m.InitializedNodes(), func(ctx context.Context, n *beacon.Node) (types.AttestationData, error) {
		return waitForAttestationData(ctx, n, expectedHeadBlockRoot, slot, committeeIndex)
	})
}

// waitForAttestationData polls a single node for attestation data until
// it matches expectedHeadBlockRoot, rate-limited to 50ms between requests
// (spec.md §4.2 wait_for_attestation_data).
func waitForAttestationData(ctx context.Context, n *beacon.Node, expectedHeadBlockRoot types.Root, slot types.Slot, committeeIndex uint64) (types.AttestationData, error) {
	for {
		start := time.Now()
		data, err := n.AttestationData(ctx, slot, committeeIndex)
		if err == nil && data.BeaconBlockRoot == expectedHeadBlockRoot {
			return data, nil
		}
		if err != nil {
			log.WithError(err).Error("failed to produce attestation data")
		}
		select {
		case <-ctx.Done():
			return types.AttestationData{}, ctx.Err()
		case <-time.After(elapsedWait(start, 50*time.Millisecond)):
		}
	}
}

// WaitForCheckpointsConfirmed waits until ConsensusThreshold nodes confirm
// they have advanced to the expected source/target checkpoints for slot
// (spec.md §4.3.2). slot is accepted for interface symmetry with the
// Python source even though confirmation only depends on chain state.
func (m *MultiBeaconNode) WaitForCheckpointsConfirmed(ctx context.Context, slot types.Slot, expectedSource, expectedTarget types.Checkpoint) error {
	nodes := m.InitializedNodes()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ch := make(chan error, len(nodes))
	for _, n := range nodes {
		n := n
		go func() { ch <- n.WaitForCheckpoints(ctx, expectedSource, expectedTarget) }()
	}

	confirmations := 0
	for range nodes {
		if err := <-ch; err == nil {
			confirmations++
			if confirmations >= m.ConsensusThreshold {
				return nil
			}
		}
	}
	return errNoResponse("wait_for_checkpoints")
}

// AggregateAttestation fetches the aggregate for (slot, committeeIndex)
// from every initialized node and returns whichever carries the most
// attester bits set, returning early if a node reports a fully-populated
// aggregate (spec.md §4.3.2).
func (m *MultiBeaconNode) AggregateAttestation(ctx context.Context, slot types.Slot, attestationDataRoot types.Root, committeeIndex uint64) (*phase0.Attestation, error) {
	aggregates, err := allOK(ctx, m.InitializedNodes(), func(ctx context.Context, n *beacon.Node) (*phase0.Attestation, error) {
		return n.AggregateAttestation(ctx, slot, attestationDataRoot, committeeIndex)
	})
	if err != nil {
		return nil, err
	}

	var best *phase0.Attestation
	bestCount := -1
	for _, agg := range aggregates {
		count := agg.AggregationBits.Count()
		if int(count) > bestCount {
			best, bestCount = agg, int(count)
			if count == agg.AggregationBits.Len() {
				return best, nil
			}
		}
	}
	return best, nil
}

// SyncCommitteeContribution is AggregateAttestation's analogue for sync
// committee contributions.
func (m *MultiBeaconNode) SyncCommitteeContribution(ctx context.Context, slot types.Slot, subcommitteeIndex uint64, beaconBlockRoot types.Root) (*altairContribution, error) {
	contributions, err := allOK(ctx, m.InitializedNodes(), func(ctx context.Context, n *beacon.Node) (*altairContribution, error) {
		return n.SyncCommitteeContribution(ctx, slot, subcommitteeIndex, beaconBlockRoot)
	})
	if err != nil {
		return nil, err
	}

	var best *altairContribution
	bestCount := -1
	for _, c := range contributions {
		count := c.AggregationBits.Count()
		if int(count) > bestCount {
			best, bestCount = c, int(count)
			if count == c.AggregationBits.Len() {
				return best, nil
			}
		}
	}
	return best, nil
}
