package duties

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	apiv1 "github.com/attestantio/go-eth2-client/api/v1"
	"github.com/attestantio/go-eth2-client/spec/phase0"
	"github.com/prysmaticlabs/go-bitfield"
	"github.com/sirupsen/logrus"
	"go.opencensus.io/trace"

	"github.com/sentrynode/validator/attestationdata"
	"github.com/sentrynode/validator/clock"
	"github.com/sentrynode/validator/config"
	"github.com/sentrynode/validator/errtype"
	"github.com/sentrynode/validator/events"
	"github.com/sentrynode/validator/signing"
	"github.com/sentrynode/validator/types"
)

// DutyCache persists attester duty snapshots across restarts. Optional --
// a service with no cache set simply starts from an empty duty map and
// refetches at the next epoch boundary.
type DutyCache interface {
	LoadAttesterDuties() (map[types.Epoch][]types.AttesterDutyWithSelectionProof, map[types.Epoch]types.Root, error)
	SaveAttesterDuties(duties map[types.Epoch][]types.AttesterDutyWithSelectionProof, roots map[types.Epoch]types.Root) error
}

// AttestationMultiBeaconNode is the subset of multibeacon.MultiBeaconNode
// the attestation and aggregation duties need.
type AttestationMultiBeaconNode interface {
	GetAttesterDuties(ctx context.Context, epoch types.Epoch, indices []phase0.ValidatorIndex) ([]*apiv1.AttesterDuty, types.Root, error)
	PrepareBeaconCommitteeSubscriptions(ctx context.Context, subs []*apiv1.BeaconCommitteeSubscription) error
	SubmitAttestations(ctx context.Context, atts []*phase0.Attestation) error
	AggregateAttestation(ctx context.Context, slot types.Slot, attestationDataRoot types.Root, committeeIndex uint64) (*phase0.Attestation, error)
	SubmitAggregateAndProofs(ctx context.Context, proofs []*phase0.SignedAggregateAndProof) error
}

// ActiveOrPendingIndices resolves which validator indices currently have
// duties scheduled against them.
type ActiveOrPendingIndices interface {
	ActiveValidators() []types.ValidatorIndexPubkey
	PendingValidators() []types.ValidatorIndexPubkey
}

type dutyKey struct {
	epoch types.Epoch
	index uint64
}

// AttestationService produces, signs, and publishes attestations at the
// 1/3-slot deadline (or as soon as a matching head event arrives),
// aggregates at the 2/3-slot mark, and keeps the attester duty set fresh
// across epoch boundaries and reorgs (spec.md §4.8.1, §4.8.2).
type AttestationService struct {
	Base

	mbn           AttestationMultiBeaconNode
	attData       *attestationdata.Provider
	signer        signing.Provider
	statusTracker ActiveOrPendingIndices
	slashingGate  SlashingGate
	clk           *clock.SlotClock
	spec          config.Spec
	slotsPerEpoch uint64

	disableSlashingProtectionGate bool

	mu                  sync.Mutex
	duties              map[dutyKey]types.AttesterDutyWithSelectionProof
	dutiesDependentRoot map[types.Epoch]types.Root

	scheduled map[types.Slot]context.CancelFunc

	cache DutyCache
}

// SetDutyCache attaches a persistence layer for duty snapshots. Call
// LoadFromCache before the service starts handling slot ticks to warm
// start from the last saved snapshot.
func (s *AttestationService) SetDutyCache(c DutyCache) {
	s.cache = c
}

// LoadFromCache restores the last saved duty snapshot, if a cache is set
// and one exists on disk. A missing or unreadable snapshot is not an
// error -- the service just starts empty and refetches normally.
func (s *AttestationService) LoadFromCache() {
	if s.cache == nil {
		return
	}
	duties, roots, err := s.cache.LoadAttesterDuties()
	if err != nil {
		s.Base.log.WithError(err).Debug("no cached attester duties to restore")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for epoch, ds := range duties {
		for i := range ds {
			d := ds[i]
			s.duties[dutyKey{epoch: epoch, index: d.ValidatorIndex}] = d
		}
	}
	for epoch, root := range roots {
		s.dutiesDependentRoot[epoch] = root
	}
	s.Base.log.WithField("epochs", len(duties)).Info("restored attester duties from cache")
}

func (s *AttestationService) saveToCache() {
	if s.cache == nil {
		return
	}
	s.mu.Lock()
	duties := make(map[types.Epoch][]types.AttesterDutyWithSelectionProof)
	for k, d := range s.duties {
		duties[k.epoch] = append(duties[k.epoch], d)
	}
	roots := make(map[types.Epoch]types.Root, len(s.dutiesDependentRoot))
	for epoch, root := range s.dutiesDependentRoot {
		roots[epoch] = root
	}
	s.mu.Unlock()

	if err := s.cache.SaveAttesterDuties(duties, roots); err != nil {
		s.Base.log.WithError(err).Warn("failed to save attester duties to cache")
	}
}

// NewAttestationService constructs an AttestationService.
func NewAttestationService(mbn AttestationMultiBeaconNode, attData *attestationdata.Provider, signer signing.Provider, statusTracker ActiveOrPendingIndices, slashingGate SlashingGate, clk *clock.SlotClock, spec config.Spec, disableSlashingProtectionGate bool) *AttestationService {
	return &AttestationService{
		Base:                          NewBase(logrus.WithField("prefix", "attestation")),
		mbn:                           mbn,
		attData:                       attData,
		signer:                        signer,
		statusTracker:                 statusTracker,
		slashingGate:                  slashingGate,
		clk:                           clk,
		spec:                          spec,
		slotsPerEpoch:                 spec.SlotsPerEpoch,
		disableSlashingProtectionGate: disableSlashingProtectionGate,
		duties:                        make(map[dutyKey]types.AttesterDutyWithSelectionProof),
		dutiesDependentRoot:           make(map[types.Epoch]types.Root),
		scheduled:                     make(map[types.Slot]context.CancelFunc),
	}
}

// HandleSlotTick conforms to clock.Handler. It schedules the attestation
// deadline job for the slot and, on an epoch boundary, kicks off a duty
// refresh (spec.md §4.8.1).
func (s *AttestationService) HandleSlotTick(ctx context.Context, slot types.Slot, isNewEpoch bool) {
	deadline := s.clk.TimestampForSlot(slot).Add(s.clk.SecondsPerInterval())
	s.scheduleAttestAt(ctx, slot, deadline)

	if isNewEpoch {
		go func() {
			if err := s.updateDuties(ctx); err != nil {
				s.Base.log.WithError(err).Error("failed to update attester duties")
			}
		}()
	}
}

func (s *AttestationService) scheduleAttestAt(parent context.Context, slot types.Slot, at time.Time) {
	ctx, cancel := context.WithCancel(parent)

	s.mu.Lock()
	if prev, ok := s.scheduled[slot]; ok {
		prev()
	}
	s.scheduled[slot] = cancel
	s.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Until(at)):
		}
		if err := s.AttestIfNotYetAttested(parent, slot, nil); err != nil {
			s.Base.log.WithError(err).WithField("slot", slot).Warn("attestation deadline job failed")
		}
	}()
}

// HandleHeadEvent fires the attestation job as soon as the first head
// event for a slot arrives, cancelling the scheduled deadline job
// (spec.md §4.8.1).
func (s *AttestationService) HandleHeadEvent(ctx context.Context, ev events.HeadEvent) {
	if dependentRootsStale(s.dependentRoots(), ev.PreviousDutyDependentRoot, ev.CurrentDutyDependentRoot) {
		s.Base.log.Debug("head event duty dependent root mismatch -> updating duties")
		go func() {
			if err := s.updateDuties(ctx); err != nil {
				s.Base.log.WithError(err).Error("failed to update attester duties")
			}
		}()
	}

	if int64(ev.Slot) <= s.Base.LastSlotStarted() {
		s.Base.log.WithField("slot", ev.Slot).Warn("ignoring late head event")
		return
	}

	s.mu.Lock()
	if cancel, ok := s.scheduled[ev.Slot]; ok {
		cancel()
		delete(s.scheduled, ev.Slot)
	}
	s.mu.Unlock()

	if err := s.AttestIfNotYetAttested(ctx, ev.Slot, &ev); err != nil {
		s.Base.log.WithError(err).WithField("slot", ev.Slot).Warn("head-triggered attestation failed")
	}
}

func (s *AttestationService) dependentRoots() map[types.Epoch]types.Root {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[types.Epoch]types.Root, len(s.dutiesDependentRoot))
	for k, v := range s.dutiesDependentRoot {
		out[k] = v
	}
	return out
}

func dependentRootsStale(known map[types.Epoch]types.Root, roots ...types.Root) bool {
	byValue := make(map[types.Root]bool, len(known))
	for _, r := range known {
		byValue[r] = true
	}
	for _, r := range roots {
		if !byValue[r] {
			return true
		}
	}
	return false
}

// AttestIfNotYetAttested performs the attestation duty for slot unless it
// has already started, refusing outright if slashing has been detected
// or slot doesn't match the current slot (spec.md §4.8.1, §8 invariant S1).
func (s *AttestationService) AttestIfNotYetAttested(ctx context.Context, slot types.Slot, headEvent *events.HeadEvent) error {
	ctx, span := trace.StartSpan(ctx, "AttestationService.AttestIfNotYetAttested")
	defer span.End()

	if s.slashingGate != nil && s.slashingGate.SlashingDetected() && !s.disableSlashingProtectionGate {
		err := errtype.New(errtype.KindSlashingDetected, "attest_if_not_yet_attested", fmt.Errorf("slashing detected, not attesting"))
		RecordError(err)
		return err
	}
	if slot != s.clk.CurrentSlot() {
		err := errtype.New(errtype.KindProgrammerError, "attest_if_not_yet_attested", fmt.Errorf("invalid slot for attestation: %d, current slot %d", slot, s.clk.CurrentSlot()))
		RecordError(err)
		return err
	}
	if !s.Base.TryStart(slot) {
		err := errtype.New(errtype.KindProgrammerError, "attest_if_not_yet_attested", fmt.Errorf("already started attesting to slot %d or later", slot))
		RecordError(err)
		return err
	}
	defer s.Base.MarkCompleted(slot)

	duties := s.takeDutiesForSlot(slot)
	if len(duties) > 0 {
		if err := s.attest(ctx, slot, headEvent, duties); err != nil {
			RecordError(err)
			return err
		}
		return nil
	}

	// No duty this slot, but if one is scheduled later in the epoch,
	// produce attestation data anyway to confirm/cache finality
	// checkpoints early (spec.md §4.8.1).
	epoch := slot.ToEpoch(s.slotsPerEpoch)
	if s.hasAnyDutyInEpoch(epoch) {
		var root types.Root
		if headEvent != nil {
			root = headEvent.Block
		}
		dctx, cancel := context.WithTimeout(ctx, time.Until(s.clk.TimestampForSlot(slot+1)))
		defer cancel()
		_, err := s.attData.Produce(dctx, slot, 0, root)
		return err
	}
	return nil
}

func (s *AttestationService) takeDutiesForSlot(slot types.Slot) []types.AttesterDutyWithSelectionProof {
	epoch := slot.ToEpoch(s.slotsPerEpoch)
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.AttesterDutyWithSelectionProof
	for k, d := range s.duties {
		if k.epoch == epoch && d.Slot == slot {
			out = append(out, d)
			delete(s.duties, k)
		}
	}
	return out
}

func (s *AttestationService) hasAnyDutyInEpoch(epoch types.Epoch) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.duties {
		if k.epoch == epoch {
			return true
		}
	}
	return false
}

func (s *AttestationService) attest(ctx context.Context, slot types.Slot, headEvent *events.HeadEvent, duties []types.AttesterDutyWithSelectionProof) error {
	ObserveStart(KindAttestation, s.clk.TimeSinceSlotStart(slot).Seconds())

	var headRoot types.Root
	if headEvent != nil {
		headRoot = headEvent.Block
	}
	attCtx, cancel := context.WithTimeout(ctx, time.Until(s.clk.TimestampForSlot(slot+1)))
	data, err := s.attData.Produce(attCtx, slot, 0, headRoot)
	cancel()
	if err != nil {
		return errtype.New(errtype.KindConsensusFailure, "attest", err)
	}

	currentEpoch := s.clk.CurrentEpoch()
	if data.Source.Epoch > currentEpoch || data.Target.Epoch > currentEpoch {
		return errtype.New(errtype.KindProgrammerError, "attest", fmt.Errorf("attestation data checkpoint in the future: %+v", data))
	}

	var aggregatorDuties []types.AttesterDutyWithSelectionProof
	for _, d := range duties {
		if d.IsAggregator {
			aggregatorDuties = append(aggregatorDuties, d)
		}
	}
	go s.scheduleAggregation(ctx, slot, data, aggregatorDuties)

	signed, err := s.signAttestations(ctx, data, duties)
	if err != nil {
		return err
	}
	return s.publishAttestations(ctx, slot, data, signed)
}

type signedAttestation struct {
	duty      types.AttesterDutyWithSelectionProof
	signature types.Signature
}

func (s *AttestationService) signAttestations(ctx context.Context, data types.AttestationData, duties []types.AttesterDutyWithSelectionProof) ([]signedAttestation, error) {
	fork, err := s.clk.GetFork(data.Slot)
	if err != nil {
		return nil, errtype.New(errtype.KindProtocolMismatch, "sign_attestations", err)
	}

	payload, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	msg := signing.SignableMessage{
		Kind: signing.KindAttestation,
		ForkInfo: &signing.ForkInfo{
			Fork:                  fork,
			GenesisValidatorsRoot: s.clk.GenesisValidatorsRoot(),
		},
		Payload: payload,
	}

	msgs := make([]signing.SignableMessage, len(duties))
	pubkeys := make([]types.Pubkey, len(duties))
	for i, d := range duties {
		msgs[i] = msg
		pubkeys[i] = d.Pubkey
	}

	results, err := s.signer.SignInBatches(ctx, msgs, pubkeys)
	if err != nil {
		return nil, errtype.New(errtype.KindSignerError, "sign_attestations", err)
	}

	byPubkey := make(map[types.Pubkey]types.AttesterDutyWithSelectionProof, len(duties))
	for _, d := range duties {
		byPubkey[d.Pubkey] = d
	}

	out := make([]signedAttestation, 0, len(results))
	for _, r := range results {
		d, ok := byPubkey[r.Pubkey]
		if !ok || r.Signature == (types.Signature{}) {
			continue
		}
		out = append(out, signedAttestation{duty: d, signature: r.Signature})
	}
	return out, nil
}

func (s *AttestationService) publishAttestations(ctx context.Context, slot types.Slot, data types.AttestationData, signed []signedAttestation) error {
	ObserveSubmission(KindAttestation, s.clk.TimeSinceSlotStart(slot).Seconds())

	apiData := attestationDataToAPI(data)
	atts := make([]*phase0.Attestation, 0, len(signed))
	for _, sa := range signed {
		bits := bitfield.NewBitlist(sa.duty.CommitteeLength)
		bits.SetBitAt(sa.duty.ValidatorCommitteeIndex, true)
		atts = append(atts, &phase0.Attestation{
			AggregationBits: bits,
			Data:            apiData,
			Signature:       phase0.BLSSignature(sa.signature),
		})
	}

	if err := s.mbn.SubmitAttestations(ctx, atts); err != nil {
		return errtype.New(errtype.KindTransientNetwork, "publish_attestations", err)
	}
	s.Base.log.WithField("slot", slot).WithField("count", len(atts)).Info("published attestations")
	return nil
}

func attestationDataToAPI(d types.AttestationData) *phase0.AttestationData {
	return &phase0.AttestationData{
		Slot:            phase0.Slot(d.Slot),
		Index:           phase0.CommitteeIndex(d.CommitteeIndex),
		BeaconBlockRoot: phase0.Root(d.BeaconBlockRoot),
		Source: &phase0.Checkpoint{
			Epoch: phase0.Epoch(d.Source.Epoch),
			Root:  phase0.Root(d.Source.Root),
		},
		Target: &phase0.Checkpoint{
			Epoch: phase0.Epoch(d.Target.Epoch),
			Root:  phase0.Root(d.Target.Root),
		},
	}
}

func (s *AttestationService) updateDuties(ctx context.Context) error {
	indices := s.dutyIndices()
	if len(indices) == 0 {
		s.Base.log.Warn("not updating attester duties - no active or pending validators")
		return nil
	}

	currentEpoch := s.clk.CurrentEpoch()
	for _, epoch := range []types.Epoch{currentEpoch, currentEpoch + 1} {
		if err := s.updateDutiesForEpoch(ctx, epoch, indices); err != nil {
			return err
		}
	}
	s.pruneDuties(currentEpoch)
	s.saveToCache()
	return nil
}

func (s *AttestationService) dutyIndices() []phase0.ValidatorIndex {
	active := s.statusTracker.ActiveValidators()
	pending := s.statusTracker.PendingValidators()
	out := make([]phase0.ValidatorIndex, 0, len(active)+len(pending))
	for _, v := range active {
		out = append(out, phase0.ValidatorIndex(v.Index))
	}
	for _, v := range pending {
		out = append(out, phase0.ValidatorIndex(v.Index))
	}
	return out
}

func (s *AttestationService) updateDutiesForEpoch(ctx context.Context, epoch types.Epoch, indices []phase0.ValidatorIndex) error {
	apiDuties, dependentRoot, err := s.mbn.GetAttesterDuties(ctx, epoch, indices)
	if err != nil {
		return errtype.New(errtype.KindTransientNetwork, "update_duties", err)
	}

	s.mu.Lock()
	known, ok := s.dutiesDependentRoot[epoch]
	s.mu.Unlock()
	if ok && known == dependentRoot {
		s.Base.log.WithField("epoch", epoch).Debug("attester duties unchanged, skipping")
		return nil
	}

	currentSlot := s.clk.CurrentSlot()
	var dueSoon, dueLater []types.AttesterDuty
	for _, d := range apiDuties {
		duty := attesterDutyFromAPI(d)
		if duty.Slot < currentSlot {
			continue
		}
		if duty.Slot <= currentSlot+1 {
			dueSoon = append(dueSoon, duty)
		} else {
			dueLater = append(dueLater, duty)
		}
	}

	s.mu.Lock()
	for k := range s.duties {
		if k.epoch == epoch {
			delete(s.duties, k)
		}
	}
	s.mu.Unlock()

	complete := true
	for _, batch := range [][]types.AttesterDuty{dueSoon, dueLater} {
		withProofs, batchComplete, err := s.attachSelectionProofs(ctx, batch)
		if err != nil {
			return errtype.New(errtype.KindSignerError, "update_duties", err)
		}
		if !batchComplete {
			complete = false
		}
		s.mu.Lock()
		for _, d := range withProofs {
			s.duties[dutyKey{epoch: epoch, index: d.ValidatorIndex}] = d
		}
		s.mu.Unlock()
	}

	if !complete {
		s.Base.log.WithField("epoch", epoch).Warn("not all attester duties received a selection proof, deferring dependent_root write to retry on next tick")
		return nil
	}

	s.mu.Lock()
	s.dutiesDependentRoot[epoch] = dependentRoot
	s.mu.Unlock()
	s.Base.log.WithField("epoch", epoch).WithField("count", len(dueSoon)+len(dueLater)).Debug("updated attester duties")
	return nil
}

func attesterDutyFromAPI(d *apiv1.AttesterDuty) types.AttesterDuty {
	return types.AttesterDuty{
		Pubkey:                  types.Pubkey(d.PubKey),
		ValidatorIndex:          uint64(d.ValidatorIndex),
		CommitteeIndex:          uint64(d.CommitteeIndex),
		CommitteeLength:         d.CommitteeLength,
		CommitteesAtSlot:        d.CommitteesAtSlot,
		ValidatorCommitteeIndex: d.ValidatorCommitteeIndex,
		Slot:                    types.Slot(d.Slot),
	}
}

// attachSelectionProofs signs an aggregation-slot message per duty and
// reports whether every duty in the batch received one: a partial signer
// failure must not be reported complete, or the caller would write a
// dependent_root that causes the dropped duties to never be retried
// (spec.md step "only when every duty has a selection proof").
func (s *AttestationService) attachSelectionProofs(ctx context.Context, duties []types.AttesterDuty) ([]types.AttesterDutyWithSelectionProof, bool, error) {
	if len(duties) == 0 {
		return nil, true, nil
	}

	fork, err := s.clk.GetFork(duties[0].Slot)
	if err != nil {
		return nil, false, err
	}
	forkInfo := &signing.ForkInfo{Fork: fork, GenesisValidatorsRoot: s.clk.GenesisValidatorsRoot()}

	msgs := make([]signing.SignableMessage, len(duties))
	pubkeys := make([]types.Pubkey, len(duties))
	for i, d := range duties {
		payload, err := json.Marshal(struct {
			Slot types.Slot `json:"slot"`
		}{Slot: d.Slot})
		if err != nil {
			return nil, false, err
		}
		msgs[i] = signing.SignableMessage{Kind: signing.KindAggregationSlot, ForkInfo: forkInfo, Payload: payload}
		pubkeys[i] = d.Pubkey
	}

	results, err := s.signer.SignInBatches(ctx, msgs, pubkeys)
	if err != nil {
		return nil, false, err
	}
	sigByPubkey := make(map[types.Pubkey]types.Signature, len(results))
	for _, r := range results {
		sigByPubkey[r.Pubkey] = r.Signature
	}

	out := make([]types.AttesterDutyWithSelectionProof, 0, len(duties))
	var subs []*apiv1.BeaconCommitteeSubscription
	for _, d := range duties {
		proof, ok := sigByPubkey[d.Pubkey]
		if !ok {
			continue
		}
		isAggregator := isAggregatorByCommitteeLength(d.CommitteeLength, s.spec.TargetAggregatorsPerCommittee, proof)
		withProof := types.AttesterDutyWithSelectionProof{AttesterDuty: d, IsAggregator: isAggregator, SelectionProof: proof}
		out = append(out, withProof)
		subs = append(subs, &apiv1.BeaconCommitteeSubscription{
			ValidatorIndex:   phase0.ValidatorIndex(d.ValidatorIndex),
			CommitteeIndex:   phase0.CommitteeIndex(d.CommitteeIndex),
			CommitteesAtSlot: d.CommitteesAtSlot,
			Slot:             phase0.Slot(d.Slot),
			IsAggregator:     isAggregator,
		})
	}

	subsCopy := subs
	go func() {
		if len(subsCopy) == 0 {
			return
		}
		if err := s.mbn.PrepareBeaconCommitteeSubscriptions(context.Background(), subsCopy); err != nil {
			s.Base.log.WithError(err).Warn("failed to prepare beacon committee subscriptions")
		}
	}()

	return out, len(out) == len(duties), nil
}

func (s *AttestationService) pruneDuties(currentEpoch types.Epoch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.duties {
		if k.epoch < currentEpoch {
			delete(s.duties, k)
		}
	}
	for e := range s.dutiesDependentRoot {
		if e < currentEpoch {
			delete(s.dutiesDependentRoot, e)
		}
	}
}
