package duties

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	apiv1 "github.com/attestantio/go-eth2-client/api/v1"
	"github.com/attestantio/go-eth2-client/spec/altair"
	"github.com/attestantio/go-eth2-client/spec/phase0"
	"github.com/sirupsen/logrus"
	"go.opencensus.io/trace"

	"github.com/sentrynode/validator/clock"
	"github.com/sentrynode/validator/config"
	"github.com/sentrynode/validator/errtype"
	"github.com/sentrynode/validator/events"
	"github.com/sentrynode/validator/signing"
	"github.com/sentrynode/validator/types"
)

// SyncCommitteeMultiBeaconNode is the subset of multibeacon.MultiBeaconNode
// the sync committee duty needs.
type SyncCommitteeMultiBeaconNode interface {
	GetSyncDuties(ctx context.Context, epoch types.Epoch, indices []phase0.ValidatorIndex) ([]*apiv1.SyncCommitteeDuty, error)
	PrepareSyncCommitteeSubscriptions(ctx context.Context, subs []*apiv1.SyncCommitteeSubscription) error
	BlockRoot(ctx context.Context, blockID string) (types.Root, error)
	SubmitSyncCommitteeMessages(ctx context.Context, msgs []*phase0.SyncCommitteeMessage) error
	SyncCommitteeContribution(ctx context.Context, slot types.Slot, subcommitteeIndex uint64, beaconBlockRoot types.Root) (*altair.SyncCommitteeContribution, error)
	SubmitSyncCommitteeContributions(ctx context.Context, proofs []*altair.SignedContributionAndProof) error
}

// SyncDutyCache persists sync committee duty snapshots across restarts,
// keyed by sync committee period.
type SyncDutyCache interface {
	LoadSyncDuties() (map[types.Epoch][]types.SyncDuty, error)
	SaveSyncDuties(duties map[types.Epoch][]types.SyncDuty) error
}

// syncPeriodKey identifies one validator's duty within a sync committee
// period, since several validators can share a period.
type syncPeriodKey struct {
	period types.Epoch // actually a sync-period number, not an epoch -- kept as Epoch to reuse dutyKey's shape
	index  uint64
}

// SyncCommitteeService produces sync committee messages at the 1/3-slot
// deadline (or as soon as a matching head event arrives) and aggregates
// contributions at the 2/3-slot mark, for the duration of each sync
// committee period this validator client's keys are assigned to (spec.md
// §4.8.4).
type SyncCommitteeService struct {
	Base

	mbn           SyncCommitteeMultiBeaconNode
	signer        signing.Provider
	statusTracker ActiveOrPendingIndices
	slashingGate  SlashingGate
	clk           *clock.SlotClock
	spec          config.Spec

	disableSlashingProtectionGate bool

	mu        sync.Mutex
	duties    map[syncPeriodKey]types.SyncDuty
	scheduled map[types.Slot]context.CancelFunc

	cache SyncDutyCache
}

// SetDutyCache attaches a persistence layer for duty snapshots. Call
// LoadFromCache before the service starts handling slot ticks to warm
// start from the last saved snapshot.
func (s *SyncCommitteeService) SetDutyCache(c SyncDutyCache) {
	s.cache = c
}

// LoadFromCache restores the last saved duty snapshot, if a cache is set
// and one exists on disk.
func (s *SyncCommitteeService) LoadFromCache() {
	if s.cache == nil {
		return
	}
	duties, err := s.cache.LoadSyncDuties()
	if err != nil {
		s.Base.log.WithError(err).Debug("no cached sync committee duties to restore")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for period, ds := range duties {
		for i := range ds {
			d := ds[i]
			s.duties[syncPeriodKey{period: period, index: d.ValidatorIndex}] = d
		}
	}
	s.Base.log.WithField("periods", len(duties)).Info("restored sync committee duties from cache")
}

func (s *SyncCommitteeService) saveToCache() {
	if s.cache == nil {
		return
	}
	s.mu.Lock()
	duties := make(map[types.Epoch][]types.SyncDuty)
	for k, d := range s.duties {
		duties[k.period] = append(duties[k.period], d)
	}
	s.mu.Unlock()

	if err := s.cache.SaveSyncDuties(duties); err != nil {
		s.Base.log.WithError(err).Warn("failed to save sync committee duties to cache")
	}
}

// NewSyncCommitteeService constructs a SyncCommitteeService.
func NewSyncCommitteeService(mbn SyncCommitteeMultiBeaconNode, signer signing.Provider, statusTracker ActiveOrPendingIndices, slashingGate SlashingGate, clk *clock.SlotClock, spec config.Spec, disableSlashingProtectionGate bool) *SyncCommitteeService {
	return &SyncCommitteeService{
		Base:                          NewBase(logrus.WithField("prefix", "sync_committee")),
		mbn:                           mbn,
		signer:                        signer,
		statusTracker:                 statusTracker,
		slashingGate:                  slashingGate,
		clk:                           clk,
		spec:                          spec,
		disableSlashingProtectionGate: disableSlashingProtectionGate,
		duties:                        make(map[syncPeriodKey]types.SyncDuty),
		scheduled:                     make(map[types.Slot]context.CancelFunc),
	}
}

// syncPeriodForSlot computes the sync committee period slot+1 belongs to,
// matching how a validator's duty for slot n is only settled once the
// state has advanced to slot n+1 (spec.md §4.8.4, altair validator guide
// "sync committee" section).
func syncPeriodForSlot(slot types.Slot, spec config.Spec) types.Epoch {
	epoch := (slot + 1).ToEpoch(spec.SlotsPerEpoch)
	return syncPeriodForEpoch(epoch, spec)
}

func syncPeriodForEpoch(epoch types.Epoch, spec config.Spec) types.Epoch {
	if spec.EpochsPerSyncCommitteePeriod == 0 {
		return 0
	}
	return types.Epoch(uint64(epoch) / spec.EpochsPerSyncCommitteePeriod)
}

// HandleSlotTick conforms to clock.Handler: it schedules the sync message
// job at the 1/3-slot deadline and refreshes duties on an epoch boundary
// (spec.md §4.8.4).
func (s *SyncCommitteeService) HandleSlotTick(ctx context.Context, slot types.Slot, isNewEpoch bool) {
	s.scheduleSyncMessageAt(ctx, slot)

	if isNewEpoch {
		go func() {
			if err := s.updateDuties(ctx); err != nil {
				s.Base.log.WithError(err).Error("failed to update sync committee duties")
			}
		}()
	}
}

func (s *SyncCommitteeService) scheduleSyncMessageAt(ctx context.Context, slot types.Slot) {
	deadline := s.clk.TimestampForSlot(slot).Add(s.clk.SecondsPerInterval())

	parent, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.scheduled[slot] = cancel
	s.mu.Unlock()

	go func() {
		select {
		case <-parent.Done():
			return
		case <-time.After(time.Until(deadline)):
		}
		if err := s.ProduceSyncMessageIfNotYetProduced(parent, slot, nil); err != nil {
			s.Base.log.WithError(err).WithField("slot", slot).Warn("sync committee message deadline job failed")
		}
	}()
}

// HandleHeadEvent fires the sync message job as soon as the first head
// event for a slot arrives, cancelling the scheduled deadline job (spec.md
// §4.8.4).
func (s *SyncCommitteeService) HandleHeadEvent(ctx context.Context, ev events.HeadEvent) {
	s.mu.Lock()
	if cancel, ok := s.scheduled[ev.Slot]; ok {
		cancel()
		delete(s.scheduled, ev.Slot)
	}
	s.mu.Unlock()

	if err := s.ProduceSyncMessageIfNotYetProduced(ctx, ev.Slot, &ev); err != nil {
		s.Base.log.WithError(err).WithField("slot", ev.Slot).Warn("head-triggered sync committee message failed")
	}
}

func (s *SyncCommitteeService) dutiesForSlot(slot types.Slot) []types.SyncDuty {
	period := syncPeriodForSlot(slot, s.spec)
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.SyncDuty, 0)
	for k, v := range s.duties {
		if k.period == period {
			out = append(out, v)
		}
	}
	return out
}

// ProduceSyncMessageIfNotYetProduced performs the sync committee message
// duty for slot unless it has already started, refusing outright if
// slashing has been detected (spec.md §4.8.4, §8 invariant S1).
func (s *SyncCommitteeService) ProduceSyncMessageIfNotYetProduced(ctx context.Context, slot types.Slot, headEvent *events.HeadEvent) error {
	ctx, span := trace.StartSpan(ctx, "SyncCommitteeService.ProduceSyncMessageIfNotYetProduced")
	defer span.End()

	if s.slashingGate != nil && s.slashingGate.SlashingDetected() && !s.disableSlashingProtectionGate {
		err := errtype.New(errtype.KindSlashingDetected, "produce_sync_message", fmt.Errorf("slashing detected, not producing sync committee message"))
		RecordError(err)
		return err
	}
	if !s.Base.TryStart(slot) {
		s.Base.log.WithField("slot", slot).Warn("not producing sync committee message: already started for this slot or later")
		return nil
	}
	defer s.Base.MarkCompleted(slot)

	duties := s.dutiesForSlot(slot)
	if len(duties) == 0 {
		s.Base.log.WithField("slot", slot).Debug("no remaining sync duties for slot")
		return nil
	}

	ObserveStart(KindSyncCommitteeMessage, s.clk.TimeSinceSlotStart(slot).Seconds())

	blockRoot, err := s.blockRootFor(ctx, slot, headEvent)
	if err != nil {
		RecordError(err)
		return err
	}

	if err := s.signAndPublishMessages(ctx, slot, blockRoot, duties); err != nil {
		RecordError(err)
		s.Base.log.WithError(err).WithField("slot", slot).Warn("failed to publish sync committee messages")
	}

	s.scheduleAggregation(ctx, slot, blockRoot, duties)
	return nil
}

func (s *SyncCommitteeService) blockRootFor(ctx context.Context, slot types.Slot, headEvent *events.HeadEvent) (types.Root, error) {
	if headEvent != nil {
		return headEvent.Block, nil
	}
	root, err := s.mbn.BlockRoot(ctx, "head")
	if err != nil {
		return types.Root{}, errtype.New(errtype.KindTransientNetwork, "block_root_for_sync_message", err)
	}
	return root, nil
}

func (s *SyncCommitteeService) signAndPublishMessages(ctx context.Context, slot types.Slot, blockRoot types.Root, duties []types.SyncDuty) error {
	fork, err := s.clk.GetFork(slot)
	if err != nil {
		return errtype.New(errtype.KindProtocolMismatch, "sign_sync_messages", err)
	}
	forkInfo := &signing.ForkInfo{Fork: fork, GenesisValidatorsRoot: s.clk.GenesisValidatorsRoot()}

	payload, err := json.Marshal(struct {
		BeaconBlockRoot string `json:"beacon_block_root"`
		Slot            string `json:"slot"`
	}{BeaconBlockRoot: blockRoot.String(), Slot: fmt.Sprint(uint64(slot))})
	if err != nil {
		return err
	}
	msg := signing.SignableMessage{Kind: signing.KindSyncCommitteeMessage, ForkInfo: forkInfo, Payload: payload}

	msgs := make([]signing.SignableMessage, len(duties))
	pubkeys := make([]types.Pubkey, len(duties))
	for i, d := range duties {
		msgs[i] = msg
		pubkeys[i] = d.Pubkey
	}

	results, err := s.signer.SignInBatches(ctx, msgs, pubkeys)
	if err != nil {
		return errtype.New(errtype.KindSignerError, "sign_sync_messages", err)
	}

	byPubkey := make(map[types.Pubkey]uint64, len(duties))
	for _, d := range duties {
		byPubkey[d.Pubkey] = d.ValidatorIndex
	}

	signed := make([]*phase0.SyncCommitteeMessage, 0, len(results))
	for _, r := range results {
		idx, ok := byPubkey[r.Pubkey]
		if !ok {
			continue
		}
		signed = append(signed, &phase0.SyncCommitteeMessage{
			Slot:            phase0.Slot(slot),
			BeaconBlockRoot: phase0.Root(blockRoot),
			ValidatorIndex:  phase0.ValidatorIndex(idx),
			Signature:       phase0.BLSSignature(r.Signature),
		})
	}

	ObserveSubmission(KindSyncCommitteeMessage, s.clk.TimeSinceSlotStart(slot).Seconds())
	if err := s.mbn.SubmitSyncCommitteeMessages(ctx, signed); err != nil {
		return errtype.New(errtype.KindTransientNetwork, "publish_sync_messages", err)
	}
	s.Base.log.WithField("slot", slot).WithField("count", len(signed)).Info("published sync committee messages")
	return nil
}

type syncSelectionProof struct {
	duty              types.SyncDuty
	subcommitteeIndex uint64
	isAggregator      bool
	selectionProof    types.Signature
}

// scheduleAggregation signs selection proofs for every (duty, subnet)
// pair and schedules the 2/3-slot aggregation job for whichever of them
// turn out to be aggregators (spec.md §4.8.4).
func (s *SyncCommitteeService) scheduleAggregation(ctx context.Context, slot types.Slot, blockRoot types.Root, duties []types.SyncDuty) {
	proofs, err := s.signSelectionProofs(ctx, slot, duties)
	if err != nil {
		RecordError(err)
		s.Base.log.WithError(err).WithField("slot", slot).Warn("failed to sign sync committee selection proofs")
		return
	}

	hasAggregator := false
	for _, p := range proofs {
		if p.isAggregator {
			hasAggregator = true
			break
		}
	}
	if !hasAggregator {
		return
	}

	at := s.clk.TimestampForSlot(slot).Add(2 * s.clk.SecondsPerInterval())
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Until(at)):
		}
		if err := s.aggregateSyncMessages(ctx, slot, blockRoot, proofs); err != nil {
			RecordError(err)
			s.Base.log.WithError(err).WithField("slot", slot).Warn("failed to aggregate sync committee messages")
		}
	}()
}

func (s *SyncCommitteeService) signSelectionProofs(ctx context.Context, slot types.Slot, duties []types.SyncDuty) ([]syncSelectionProof, error) {
	fork, err := s.clk.GetFork(slot)
	if err != nil {
		return nil, errtype.New(errtype.KindProtocolMismatch, "sign_selection_proofs", err)
	}
	forkInfo := &signing.ForkInfo{Fork: fork, GenesisValidatorsRoot: s.clk.GenesisValidatorsRoot()}

	type job struct {
		duty              types.SyncDuty
		subcommitteeIndex uint64
	}
	var jobs []job
	for _, d := range duties {
		for _, subnet := range subnetsForSyncCommittee(d.CommitteeIndices, s.spec) {
			jobs = append(jobs, job{duty: d, subcommitteeIndex: subnet})
		}
	}
	if len(jobs) == 0 {
		return nil, nil
	}

	msgs := make([]signing.SignableMessage, len(jobs))
	pubkeys := make([]types.Pubkey, len(jobs))
	for i, j := range jobs {
		payload, err := json.Marshal(struct {
			Slot              string `json:"slot"`
			SubcommitteeIndex string `json:"subcommittee_index"`
		}{Slot: fmt.Sprint(uint64(slot)), SubcommitteeIndex: fmt.Sprint(j.subcommitteeIndex)})
		if err != nil {
			return nil, err
		}
		msgs[i] = signing.SignableMessage{Kind: signing.KindSyncCommitteeSelectionProof, ForkInfo: forkInfo, Payload: payload}
		pubkeys[i] = j.duty.Pubkey
	}

	results, err := s.signer.SignInBatches(ctx, msgs, pubkeys)
	if err != nil {
		return nil, errtype.New(errtype.KindSignerError, "sign_selection_proofs", err)
	}

	sigByPubkey := make(map[types.Pubkey][]types.Signature, len(results))
	for _, r := range results {
		sigByPubkey[r.Pubkey] = append(sigByPubkey[r.Pubkey], r.Signature)
	}

	out := make([]syncSelectionProof, 0, len(jobs))
	for _, j := range jobs {
		sigs := sigByPubkey[j.duty.Pubkey]
		if len(sigs) == 0 {
			continue
		}
		sig := sigs[0]
		sigByPubkey[j.duty.Pubkey] = sigs[1:]

		out = append(out, syncSelectionProof{
			duty:              j.duty,
			subcommitteeIndex: j.subcommitteeIndex,
			isAggregator:      isAggregatorBySyncCommitteeSize(s.spec, sig),
			selectionProof:    sig,
		})
	}
	return out, nil
}

func (s *SyncCommitteeService) aggregateSyncMessages(ctx context.Context, slot types.Slot, blockRoot types.Root, proofs []syncSelectionProof) error {
	fork, err := s.clk.GetFork(slot)
	if err != nil {
		return errtype.New(errtype.KindProtocolMismatch, "aggregate_sync_messages", err)
	}
	forkInfo := &signing.ForkInfo{Fork: fork, GenesisValidatorsRoot: s.clk.GenesisValidatorsRoot()}

	ObserveStart(KindSyncCommitteeContribution, s.clk.TimeSinceSlotStart(slot).Seconds())

	subnets := make(map[uint64]bool)
	for _, p := range proofs {
		if p.isAggregator {
			subnets[p.subcommitteeIndex] = true
		}
	}

	contributions := make(map[uint64]*altair.SyncCommitteeContribution, len(subnets))
	for subnet := range subnets {
		c, err := s.mbn.SyncCommitteeContribution(ctx, slot, subnet, blockRoot)
		if err != nil {
			s.Base.log.WithError(err).WithField("subcommittee_index", subnet).Warn("failed to fetch sync committee contribution")
			continue
		}
		contributions[subnet] = c
	}

	var msgs []signing.SignableMessage
	var pubkeys []types.Pubkey
	var aggregatorIndices []uint64
	var matchedContributions []*altair.SyncCommitteeContribution

	for _, p := range proofs {
		if !p.isAggregator {
			continue
		}
		contribution, ok := contributions[p.subcommitteeIndex]
		if !ok {
			continue
		}
		payload, err := json.Marshal(struct {
			AggregatorIndex string `json:"aggregator_index"`
			SelectionProof  string `json:"selection_proof"`
		}{AggregatorIndex: fmt.Sprint(p.duty.ValidatorIndex), SelectionProof: p.selectionProof.String()})
		if err != nil {
			return err
		}
		msgs = append(msgs, signing.SignableMessage{Kind: signing.KindSyncCommitteeContributionProof, ForkInfo: forkInfo, Payload: payload})
		pubkeys = append(pubkeys, p.duty.Pubkey)
		aggregatorIndices = append(aggregatorIndices, p.duty.ValidatorIndex)
		matchedContributions = append(matchedContributions, contribution)
	}

	if len(msgs) == 0 {
		return nil
	}

	results, err := s.signer.SignInBatches(ctx, msgs, pubkeys)
	if err != nil {
		return errtype.New(errtype.KindSignerError, "sign_contribution_and_proofs", err)
	}
	sigByPubkey := make(map[types.Pubkey]types.Signature, len(results))
	for _, r := range results {
		sigByPubkey[r.Pubkey] = r.Signature
	}

	signed := make([]*altair.SignedContributionAndProof, 0, len(matchedContributions))
	for i, contribution := range matchedContributions {
		sig, ok := sigByPubkey[pubkeys[i]]
		if !ok {
			continue
		}
		signed = append(signed, &altair.SignedContributionAndProof{
			Message: &altair.ContributionAndProof{
				AggregatorIndex: phase0.ValidatorIndex(aggregatorIndices[i]),
				Contribution:    contribution,
				SelectionProof:  phase0.BLSSignature(proofSignatureFor(proofs, pubkeys[i])),
			},
			Signature: phase0.BLSSignature(sig),
		})
	}

	ObserveSubmission(KindSyncCommitteeContribution, s.clk.TimeSinceSlotStart(slot).Seconds())
	if err := s.mbn.SubmitSyncCommitteeContributions(ctx, signed); err != nil {
		return errtype.New(errtype.KindTransientNetwork, "publish_sync_contributions", err)
	}
	s.Base.log.WithField("slot", slot).WithField("count", len(signed)).Info("published sync committee contribution and proofs")
	return nil
}

func proofSignatureFor(proofs []syncSelectionProof, pubkey types.Pubkey) types.Signature {
	for _, p := range proofs {
		if p.duty.Pubkey == pubkey {
			return p.selectionProof
		}
	}
	return types.Signature{}
}

// subnetsForSyncCommittee maps a validator's sync committee indices to the
// subnets (subcommittees) it belongs to.
func subnetsForSyncCommittee(indices []uint64, spec config.Spec) []uint64 {
	if spec.SyncCommitteeSubnetCount == 0 {
		return nil
	}
	perSubnet := spec.SyncCommitteeSize / spec.SyncCommitteeSubnetCount
	if perSubnet == 0 {
		perSubnet = 1
	}
	seen := make(map[uint64]bool)
	var out []uint64
	for _, idx := range indices {
		subnet := idx / perSubnet
		if !seen[subnet] {
			seen[subnet] = true
			out = append(out, subnet)
		}
	}
	return out
}

// isAggregatorBySyncCommitteeSize applies the sync-committee analogue of
// is_aggregator: sha256(selectionProof)[:8] read little-endian mod
// (subcommittee size / target aggregators) == 0 (spec.md §4.8.4, altair
// validator guide).
func isAggregatorBySyncCommitteeSize(spec config.Spec, selectionProof types.Signature) bool {
	perSubnet := spec.SyncCommitteeSize / spec.SyncCommitteeSubnetCount
	modulo := perSubnet / spec.TargetAggregatorsPerSyncSubcommittee
	if modulo < 1 {
		modulo = 1
	}
	digest := sha256.Sum256(selectionProof[:])
	return binary.LittleEndian.Uint64(digest[:8])%modulo == 0
}

func (s *SyncCommitteeService) updateDuties(ctx context.Context) error {
	active := s.statusTracker.ActiveValidators()
	pending := s.statusTracker.PendingValidators()
	if len(active)+len(pending) == 0 {
		s.Base.log.Warn("not updating sync committee duties - no active or pending validators")
		return nil
	}

	indices := make([]phase0.ValidatorIndex, 0, len(active)+len(pending))
	for _, v := range active {
		indices = append(indices, phase0.ValidatorIndex(v.Index))
	}
	for _, v := range pending {
		indices = append(indices, phase0.ValidatorIndex(v.Index))
	}

	epoch := s.clk.CurrentEpoch()
	period := syncPeriodForEpoch(epoch, s.spec)

	fetched, err := s.mbn.GetSyncDuties(ctx, epoch, indices)
	if err != nil {
		return errtype.New(errtype.KindTransientNetwork, "update_sync_duties", err)
	}

	s.mu.Lock()
	for k := range s.duties {
		if k.period == period {
			delete(s.duties, k)
		}
	}
	subs := make([]*apiv1.SyncCommitteeSubscription, 0, len(fetched))
	untilEpoch := phase0.Epoch((uint64(period) + 1) * s.spec.EpochsPerSyncCommitteePeriod)
	for _, d := range fetched {
		committeeIndices := make([]uint64, len(d.ValidatorSyncCommitteeIndices))
		for i, ci := range d.ValidatorSyncCommitteeIndices {
			committeeIndices[i] = uint64(ci)
		}
		duty := types.SyncDuty{
			Pubkey:           types.Pubkey(d.PubKey),
			ValidatorIndex:   uint64(d.ValidatorIndex),
			CommitteeIndices: committeeIndices,
		}
		s.duties[syncPeriodKey{period: period, index: duty.ValidatorIndex}] = duty

		subs = append(subs, &apiv1.SyncCommitteeSubscription{
			ValidatorIndex:       d.ValidatorIndex,
			SyncCommitteeIndices: d.ValidatorSyncCommitteeIndices,
			UntilEpoch:           untilEpoch,
		})
	}
	s.mu.Unlock()

	if err := s.mbn.PrepareSyncCommitteeSubscriptions(ctx, subs); err != nil {
		s.Base.log.WithError(err).Warn("failed to prepare sync committee subscriptions")
	}

	s.pruneDutiesBefore(period)
	s.saveToCache()
	s.Base.log.WithField("epoch", epoch).WithField("sync_period", period).Debug("updated sync committee duties")
	return nil
}

func (s *SyncCommitteeService) pruneDutiesBefore(currentPeriod types.Epoch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.duties {
		if k.period < currentPeriod {
			delete(s.duties, k)
		}
	}
}
