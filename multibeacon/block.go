package multibeacon

import (
	"context"
	"time"

	"github.com/attestantio/go-eth2-client/api"

	"github.com/sentrynode/validator/beacon"
	"github.com/sentrynode/validator/types"
)

// blockValue returns the value used to compare two proposals: on Gnosis
// and Chiado the execution payload value is denominated in xDAI and isn't
// comparable to the consensus-layer reward, so only the consensus value
// counts there (spec.md §4.3.1, §9; config.Network.CompareConsensusValueOnly).
func blockValue(network interface{ CompareConsensusValueOnly() bool }, p *api.VersionedProposal) uint64 {
	consensus := p.ConsensusValue().Uint64()
	if network.CompareConsensusValueOnly() {
		return consensus
	}
	if ev := p.ExecutionValue(); ev != nil {
		return consensus + ev.Uint64()
	}
	return consensus
}

// ProduceBestBlock requests a block from every proposal-pool node and
// returns the highest-value response within softTimeout. If nothing has
// returned by then, it keeps waiting indefinitely for the first response
// rather than failing the duty outright (spec.md §4.3.3).
func (m *MultiBeaconNode) ProduceBestBlock(ctx context.Context, slot types.Slot, randaoReveal types.Signature, graffiti [32]byte, builderBoostFactor uint64, softTimeout time.Duration) (*api.VersionedProposal, error) {
	nodes := m.proposalNodes()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		proposal *api.VersionedProposal
		err      error
	}
	ch := make(chan result, len(nodes))
	for _, n := range nodes {
		n := n
		go func() {
			p, err := n.ProduceBlock(ctx, slot, randaoReveal, graffiti, builderBoostFactor)
			ch <- result{p, err}
		}()
	}

	deadline := time.After(softTimeout)
	var best *api.VersionedProposal
	var bestValue uint64
	remaining := len(nodes)

softLoop:
	for remaining > 0 {
		select {
		case r := <-ch:
			remaining--
			if r.err != nil {
				log.WithError(r.err).Warn("failed to get a response from beacon node")
				continue
			}
			v := blockValue(m.Network, r.proposal)
			if best == nil || v > bestValue {
				best, bestValue = r.proposal, v
			}
		case <-deadline:
			break softLoop
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if best == nil && remaining > 0 {
		log.Warn("no blocks received yet but tasks are pending - waiting for first block")
		for remaining > 0 {
			select {
			case r := <-ch:
				remaining--
				if r.err != nil {
					log.WithError(r.err).Warn("failed to get a response from beacon node")
					continue
				}
				best = r.proposal
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}

	if best == nil {
		return nil, errNoResponse("produce_block")
	}
	log.WithField("value", bestValue).Info("proceeding with best block by value")
	return best, nil
}

// SubmitProposal publishes a signed proposal to every node in the
// proposal pool, tolerating individual failures (spec.md §4.3.3).
func (m *MultiBeaconNode) SubmitProposal(ctx context.Context, proposal *api.VersionedSignedProposal) error {
	_, err := allOK(ctx, m.proposalNodes(), func(ctx context.Context, n *beacon.Node) (struct{}, error) {
		return struct{}{}, n.SubmitProposal(ctx, proposal)
	})
	return err
}
