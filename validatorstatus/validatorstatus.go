// Package validatorstatus tracks which of the remote signer's pubkeys
// currently correspond to active, pending, or slashed validators, and
// raises a sticky alarm the moment any of them is observed slashed
// (spec.md §5.1).
package validatorstatus

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/attestantio/go-eth2-client/spec/phase0"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"

	"github.com/sentrynode/validator/types"
)

var log = logrus.WithField("prefix", "validatorstatus")

var validatorsCount = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "validator_status",
	Help: "Amount of validators per status",
}, []string{"status"})

var slashingDetectedGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "slashing_detected",
	Help: "1 if any of the connected validators have been slashed, 0 otherwise",
})

// ActiveStatuses are treated as "active" for duty purposes.
var ActiveStatuses = []types.ValidatorStatus{types.StatusActiveOngoing, types.StatusActiveExiting}

// PendingStatuses are treated as "not yet active, but will be".
var PendingStatuses = []types.ValidatorStatus{types.StatusPendingInitialized, types.StatusPendingQueued}

// SlashedStatuses trigger the sticky slashing alarm.
var SlashedStatuses = []types.ValidatorStatus{types.StatusActiveSlashed}

// MultiBeaconNode is the subset of multibeacon.MultiBeaconNode this
// tracker depends on.
type MultiBeaconNode interface {
	GetValidatorsByPubkey(ctx context.Context, stateID string, pubkeys []phase0.BLSPubKey, statuses []types.ValidatorStatus) ([]types.ValidatorIndexPubkey, error)
}

// SignerPubkeys resolves the pubkeys the local signing layer currently
// serves (keymanager.Keymanager satisfies this).
type SignerPubkeys interface {
	PublicKeys() []types.Pubkey
}

// Tracker partitions the remote signer's pubkeys into active, pending,
// and everything-else, and exposes a sticky slashing flag.
type Tracker struct {
	mbn           MultiBeaconNode
	signer        SignerPubkeys
	stateID       string
	slotsPerEpoch uint64

	mu                sync.RWMutex
	activeValidators  []types.ValidatorIndexPubkey
	pendingValidators []types.ValidatorIndexPubkey

	slashingDetected int32 // atomic bool
}

// New constructs a Tracker. stateID is the Beacon API state identifier
// to query against ("head" in production).
func New(mbn MultiBeaconNode, signer SignerPubkeys, stateID string, slotsPerEpoch uint64) *Tracker {
	slashingDetectedGauge.Set(0)
	return &Tracker{mbn: mbn, signer: signer, stateID: stateID, slotsPerEpoch: slotsPerEpoch}
}

// Initialize performs the first status refresh synchronously: if we
// can't learn which validators are ours, there's no point continuing
// startup since duties can't be scheduled (spec.md §5.1).
func (t *Tracker) Initialize(ctx context.Context) error {
	return t.update(ctx)
}

// HandleSlotTick conforms to clock.Handler. It refreshes validator
// statuses once per epoch, one slot before the epoch boundary, so duty
// updates running at the boundary itself see fresh statuses (spec.md
// §5.1).
func (t *Tracker) HandleSlotTick(ctx context.Context, slot types.Slot, isNewEpoch bool) {
	if (uint64(slot)+1)%t.slotsPerEpoch != 0 {
		return
	}
	if err := t.update(ctx); err != nil {
		log.WithError(err).Error("failed to update validator statuses")
	}
}

// AnyActiveOrPending reports whether this validator client has any
// validator to act on at all.
func (t *Tracker) AnyActiveOrPending() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.activeValidators) > 0 || len(t.pendingValidators) > 0
}

// ActiveValidators returns a snapshot of the current active set.
func (t *Tracker) ActiveValidators() []types.ValidatorIndexPubkey {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]types.ValidatorIndexPubkey(nil), t.activeValidators...)
}

// PendingValidators returns a snapshot of the current pending set.
func (t *Tracker) PendingValidators() []types.ValidatorIndexPubkey {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]types.ValidatorIndexPubkey(nil), t.pendingValidators...)
}

// SlashingDetected reports whether any tracked validator has ever been
// observed in a slashed state. Once true it never resets: a slashed
// validator does not get un-slashed within a process lifetime.
func (t *Tracker) SlashingDetected() bool {
	return atomic.LoadInt32(&t.slashingDetected) != 0
}

func (t *Tracker) setSlashingDetected() {
	atomic.StoreInt32(&t.slashingDetected, 1)
	slashingDetectedGauge.Set(1)
}

// AttesterSlashingEvent carries the two conflicting attestations of an
// SSE attester_slashing event.
type AttesterSlashingEvent struct {
	Attestation1Indices []uint64
	Attestation2Indices []uint64
}

// ProposerSlashingEvent carries the slashed proposer index of an SSE
// proposer_slashing event.
type ProposerSlashingEvent struct {
	ProposerIndex uint64
}

// HandleAttesterSlashingEvent checks whether the intersection of the
// two conflicting attestations' indices (the actually-slashable set)
// includes any validator we track.
func (t *Tracker) HandleAttesterSlashingEvent(ev AttesterSlashingEvent) {
	ours := t.ourIndices()
	set1 := toIndexSet(ev.Attestation1Indices)
	set2 := toIndexSet(ev.Attestation2Indices)
	slashed := make(map[uint64]bool)
	for idx := range set1 {
		if set2[idx] {
			slashed[idx] = true
		}
	}

	var ourSlashed []uint64
	for idx := range slashed {
		if ours[idx] {
			ourSlashed = append(ourSlashed, idx)
		}
	}
	if len(ourSlashed) > 0 {
		t.setSlashingDetected()
		log.WithField("validator_indices", ourSlashed).Error("slashing detected")
	}
	log.WithField("validator_indices", keys(slashed)).Info("processed attester slashing event")
}

// HandleProposerSlashingEvent checks whether the slashed proposer index
// is one we track.
func (t *Tracker) HandleProposerSlashingEvent(ev ProposerSlashingEvent) {
	ours := t.ourIndices()
	if ours[ev.ProposerIndex] {
		t.setSlashingDetected()
		log.WithField("validator_index", ev.ProposerIndex).Error("slashing detected")
	}
	log.WithField("validator_index", ev.ProposerIndex).Info("processed proposer slashing event")
}

func (t *Tracker) ourIndices() map[uint64]bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[uint64]bool, len(t.activeValidators)+len(t.pendingValidators))
	for _, v := range t.activeValidators {
		out[v.Index] = true
	}
	for _, v := range t.pendingValidators {
		out[v.Index] = true
	}
	return out
}

func toIndexSet(indices []uint64) map[uint64]bool {
	out := make(map[uint64]bool, len(indices))
	for _, i := range indices {
		out[i] = true
	}
	return out
}

func keys(m map[uint64]bool) []uint64 {
	out := make([]uint64, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func (t *Tracker) update(ctx context.Context) error {
	pubkeys := t.signer.PublicKeys()
	remaining := make(map[types.Pubkey]bool, len(pubkeys))
	blsPubkeys := make([]phase0.BLSPubKey, len(pubkeys))
	for i, pk := range pubkeys {
		blsPubkeys[i] = phase0.BLSPubKey(pk)
		remaining[pk] = true
	}

	slashed, err := t.mbn.GetValidatorsByPubkey(ctx, t.stateID, blsPubkeys, SlashedStatuses)
	if err != nil {
		return err
	}
	if len(slashed) > 0 {
		t.setSlashingDetected()
		log.WithField("count", len(slashed)).Error("slashed validators detected while updating validator statuses")
	}

	active, err := t.mbn.GetValidatorsByPubkey(ctx, t.stateID, blsPubkeys, ActiveStatuses)
	if err != nil {
		return err
	}
	for _, v := range active {
		delete(remaining, v.Pubkey)
	}

	pendingBLS := make([]phase0.BLSPubKey, 0, len(remaining))
	for pk := range remaining {
		pendingBLS = append(pendingBLS, phase0.BLSPubKey(pk))
	}
	pending, err := t.mbn.GetValidatorsByPubkey(ctx, t.stateID, pendingBLS, PendingStatuses)
	if err != nil {
		return err
	}
	for _, v := range pending {
		delete(remaining, v.Pubkey)
	}

	t.mu.Lock()
	t.activeValidators = active
	t.pendingValidators = pending
	t.mu.Unlock()

	validatorsCount.WithLabelValues("active").Set(float64(len(active)))
	validatorsCount.WithLabelValues("pending").Set(float64(len(pending)))
	validatorsCount.WithLabelValues("other").Set(float64(len(remaining)))

	log.WithField("active", len(active)).WithField("pending", len(pending)).Debug("updated validator statuses")
	if len(active)+len(pending) == 0 {
		log.Warn("no active or pending validators detected")
	}
	return nil
}
