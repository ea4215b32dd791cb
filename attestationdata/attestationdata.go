// Package attestationdata produces AttestationData for a slot, preferring
// the head-event fast path (an expected block root supplied by the event
// consumer) and falling back to a cross-node consensus poll when that
// path times out or was never available (spec.md §4.4).
package attestationdata

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/sirupsen/logrus"

	"github.com/sentrynode/validator/types"
)

var log = logrus.WithField("prefix", "attestationdata")

const (
	timeoutHeadEventAttData          = 500 * time.Millisecond
	timeoutHeadEventCheckpointConfirm = 1 * time.Second
	checkpointCacheSize              = 3
)

// MultiBeaconNode is the subset of multibeacon.MultiBeaconNode this
// provider depends on, named as an interface so it can be faked in tests.
type MultiBeaconNode interface {
	ProduceAttestationDataWithoutHeadEvent(ctx context.Context, slot types.Slot, committeeIndex uint64) (types.AttestationData, error)
	WaitForAttestationData(ctx context.Context, expectedHeadBlockRoot types.Root, slot types.Slot, committeeIndex uint64) (types.AttestationData, error)
	WaitForCheckpointsConfirmed(ctx context.Context, slot types.Slot, source, target types.Checkpoint) error
}

// Provider produces AttestationData per slot/committee and keeps a small
// bounded cache of already-confirmed finality checkpoints so repeated
// confirmations for the same epoch are free.
type Provider struct {
	mbn MultiBeaconNode

	sourceCache *lru.Cache
	targetCache *lru.Cache
}

// New constructs a Provider. Each checkpoint cache is an LRU holding at
// most checkpointCacheSize epochs per side, evicting the least recently
// added or looked-up epoch on its own, so there is nothing left for a
// caller to periodically prune (spec.md §4.4).
func New(mbn MultiBeaconNode) *Provider {
	sourceCache, err := lru.New(checkpointCacheSize)
	if err != nil {
		panic(err)
	}
	targetCache, err := lru.New(checkpointCacheSize)
	if err != nil {
		panic(err)
	}
	return &Provider{
		mbn:         mbn,
		sourceCache: sourceCache,
		targetCache: targetCache,
	}
}

// Produce returns AttestationData for slot. headEventBlockRoot is the
// block root learned from a "head" SSE event for this slot, if any; a
// zero Root means no head event has arrived and the consensus-poll
// fallback is used directly.
func (p *Provider) Produce(ctx context.Context, slot types.Slot, committeeIndex uint64, headEventBlockRoot types.Root) (types.AttestationData, error) {
	if headEventBlockRoot == (types.Root{}) {
		return p.produceWithoutExpectedRoot(ctx, slot, committeeIndex)
	}

	attCtx, cancel := context.WithTimeout(ctx, timeoutHeadEventAttData)
	data, err := p.mbn.WaitForAttestationData(attCtx, headEventBlockRoot, slot, committeeIndex)
	cancel()
	if err != nil {
		log.WithError(err).Warn("timed out waiting for attestation data matching head block root")
		return p.produceWithoutExpectedRoot(ctx, slot, committeeIndex)
	}

	confirmCtx, cancel := context.WithTimeout(ctx, timeoutHeadEventCheckpointConfirm)
	err = p.confirmFinalityCheckpoints(confirmCtx, slot, data.Source, data.Target)
	cancel()
	if err != nil {
		log.WithError(err).Warn("timed out confirming finality checkpoints")
		return p.produceWithoutExpectedRoot(ctx, slot, committeeIndex)
	}
	return data, nil
}

func (p *Provider) produceWithoutExpectedRoot(ctx context.Context, slot types.Slot, committeeIndex uint64) (types.AttestationData, error) {
	data, err := p.mbn.ProduceAttestationDataWithoutHeadEvent(ctx, slot, committeeIndex)
	if err != nil {
		return types.AttestationData{}, err
	}
	// produce_attestation_data_without_head_event already required a full
	// AttestationData match (including checkpoints) among enough nodes, so
	// there's no need to separately confirm them here.
	p.cacheCheckpoints(data.Source, data.Target)
	return data, nil
}

func (p *Provider) confirmFinalityCheckpoints(ctx context.Context, slot types.Slot, source, target types.Checkpoint) error {
	cachedSource, haveSource := p.sourceCache.Get(source.Epoch)
	cachedTarget, haveTarget := p.targetCache.Get(target.Epoch)

	if haveSource && cachedSource.(types.Checkpoint) == source && haveTarget && cachedTarget.(types.Checkpoint) == target {
		log.Debug("finality checkpoints confirmed from cache")
		return nil
	}

	log.WithField("source", source).WithField("target", target).Info("confirming finality checkpoints")
	if err := p.mbn.WaitForCheckpointsConfirmed(ctx, slot, source, target); err != nil {
		return err
	}
	p.cacheCheckpoints(source, target)
	return nil
}

func (p *Provider) cacheCheckpoints(source, target types.Checkpoint) {
	p.sourceCache.Add(source.Epoch, source)
	p.targetCache.Add(target.Epoch, target)
}
