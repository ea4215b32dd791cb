package duties

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/attestantio/go-eth2-client/api"
	apiv1 "github.com/attestantio/go-eth2-client/api/v1"
	apiv1electra "github.com/attestantio/go-eth2-client/api/v1/electra"
	"github.com/attestantio/go-eth2-client/spec/bellatrix"
	"github.com/attestantio/go-eth2-client/spec/electra"
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

// BlockProposalMultiBeaconNode is the subset of multibeacon.MultiBeaconNode
// the block proposal duty needs.
type BlockProposalMultiBeaconNode interface {
	GetProposerDuties(ctx context.Context, epoch types.Epoch) ([]*apiv1.ProposerDuty, types.Root, error)
	PrepareBeaconProposer(ctx context.Context, preparations []*apiv1.ProposalPreparation) error
	RegisterValidators(ctx context.Context, regs []*apiv1.SignedValidatorRegistration) error
	ProduceBestBlock(ctx context.Context, slot types.Slot, randaoReveal types.Signature, graffiti [32]byte, builderBoostFactor uint64, softTimeout time.Duration) (*api.VersionedProposal, error)
	SubmitProposal(ctx context.Context, proposal *api.VersionedSignedProposal) error
}

// ProposerDutyCache persists proposer duty snapshots across restarts.
type ProposerDutyCache interface {
	LoadProposerDuties() (map[types.Epoch][]types.ProposerDuty, map[types.Epoch]types.Root, error)
	SaveProposerDuties(duties map[types.Epoch][]types.ProposerDuty, roots map[types.Epoch]types.Root) error
}

// FeeRecipientOverrides resolves per-pubkey fee-recipient, gas-limit, and
// graffiti settings, falling back to CLI-configured defaults when a pubkey
// has no override (spec.md §6.3).
type FeeRecipientOverrides interface {
	GetFeeRecipient(pubkey types.Pubkey) (string, error)
	GetGasLimit(pubkey types.Pubkey) (string, error)
	GetGraffiti(pubkey types.Pubkey) (string, error)
}

// BlockProposalService produces, signs, and publishes blocks at the start
// of every slot this validator client has a duty for, and pre-fetches the
// RANDAO reveal one slot early (spec.md §4.8.3).
type BlockProposalService struct {
	Base

	mbn           BlockProposalMultiBeaconNode
	overrides     FeeRecipientOverrides
	signer        signing.Provider
	statusTracker ActiveOrPendingIndices
	slashingGate  SlashingGate
	clk           *clock.SlotClock
	spec          config.Spec

	builderBoostFactor            uint64
	useExternalBuilder            bool
	disableSlashingProtectionGate bool
	proposalSoftTimeout           time.Duration

	mu                  sync.Mutex
	duties              map[dutyKey]types.ProposerDuty
	dutiesDependentRoot map[types.Epoch]types.Root
	randaoRevealCache   map[types.Slot]types.Signature

	cache ProposerDutyCache
}

// SetDutyCache attaches a persistence layer for duty snapshots. Call
// LoadFromCache before the service starts handling slot ticks to warm
// start from the last saved snapshot.
func (s *BlockProposalService) SetDutyCache(c ProposerDutyCache) {
	s.cache = c
}

// LoadFromCache restores the last saved duty snapshot, if a cache is set
// and one exists on disk.
func (s *BlockProposalService) LoadFromCache() {
	if s.cache == nil {
		return
	}
	duties, roots, err := s.cache.LoadProposerDuties()
	if err != nil {
		s.Base.log.WithError(err).Debug("no cached proposer duties to restore")
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
	s.Base.log.WithField("epochs", len(duties)).Info("restored proposer duties from cache")
}

func (s *BlockProposalService) saveToCache() {
	if s.cache == nil {
		return
	}
	s.mu.Lock()
	duties := make(map[types.Epoch][]types.ProposerDuty)
	for k, d := range s.duties {
		duties[k.epoch] = append(duties[k.epoch], d)
	}
	roots := make(map[types.Epoch]types.Root, len(s.dutiesDependentRoot))
	for epoch, root := range s.dutiesDependentRoot {
		roots[epoch] = root
	}
	s.mu.Unlock()

	if err := s.cache.SaveProposerDuties(duties, roots); err != nil {
		s.Base.log.WithError(err).Warn("failed to save proposer duties to cache")
	}
}

// NewBlockProposalService constructs a BlockProposalService.
func NewBlockProposalService(mbn BlockProposalMultiBeaconNode, overrides FeeRecipientOverrides, signer signing.Provider, statusTracker ActiveOrPendingIndices, slashingGate SlashingGate, clk *clock.SlotClock, spec config.Spec, builderBoostFactor uint64, useExternalBuilder, disableSlashingProtectionGate bool, proposalSoftTimeout time.Duration) *BlockProposalService {
	return &BlockProposalService{
		Base:                          NewBase(logrus.WithField("prefix", "block_proposal")),
		mbn:                           mbn,
		overrides:                     overrides,
		signer:                        signer,
		statusTracker:                 statusTracker,
		slashingGate:                  slashingGate,
		clk:                           clk,
		spec:                          spec,
		builderBoostFactor:            builderBoostFactor,
		useExternalBuilder:            useExternalBuilder,
		disableSlashingProtectionGate: disableSlashingProtectionGate,
		proposalSoftTimeout:           proposalSoftTimeout,
		duties:                        make(map[dutyKey]types.ProposerDuty),
		dutiesDependentRoot:           make(map[types.Epoch]types.Root),
		randaoRevealCache:             make(map[types.Slot]types.Signature),
	}
}

// HandleSlotTick conforms to clock.Handler: it proposes a block for slot if
// due, pre-fetches next slot's RANDAO reveal, re-sends fee-recipient
// preparations ahead of an upcoming duty, optionally registers validators
// with external builders, and on an epoch boundary refreshes proposer
// duties (spec.md §4.8.3).
func (s *BlockProposalService) HandleSlotTick(ctx context.Context, slot types.Slot, isNewEpoch bool) {
	if err := s.ProposeBlock(ctx, slot); err != nil {
		RecordError(err)
		s.Base.log.WithError(err).WithField("slot", slot).Warn("failed to propose block")
	}

	if duty, ok := s.dutyForSlot(slot + 1); ok {
		if err := s.fetchRandaoReveal(ctx, duty); err != nil {
			s.Base.log.WithError(err).WithField("slot", slot+1).Warn("failed to pre-fetch randao reveal")
		}
		if err := s.prepareBeaconProposer(ctx); err != nil {
			s.Base.log.WithError(err).Warn("failed to re-send beacon proposer preparations")
		}
	}

	if s.useExternalBuilder {
		go func() {
			if err := s.registerValidators(ctx, slot); err != nil {
				RecordError(err)
				s.Base.log.WithError(err).Warn("failed to register validators with builders")
			}
		}()
	}

	if isNewEpoch {
		go func() {
			if err := s.updateDuties(ctx); err != nil {
				s.Base.log.WithError(err).Error("failed to update proposer duties")
			}
		}()
		go func() {
			if err := s.prepareBeaconProposer(ctx); err != nil {
				s.Base.log.WithError(err).Warn("failed to prepare beacon proposer")
			}
		}()
	}
}

// HandleHeadEvent refreshes proposer duties when the dependent root it
// carries doesn't match a cached epoch's (spec.md §4.8.3).
func (s *BlockProposalService) HandleHeadEvent(ctx context.Context, ev events.HeadEvent) {
	if dependentRootsStale(s.dependentRootsProposer(), ev.PreviousDutyDependentRoot, ev.CurrentDutyDependentRoot) {
		s.Base.log.Debug("head event duty dependent root mismatch -> updating proposer duties")
		go func() {
			if err := s.updateDuties(ctx); err != nil {
				s.Base.log.WithError(err).Error("failed to update proposer duties")
			}
		}()
	}
}

func (s *BlockProposalService) dependentRootsProposer() map[types.Epoch]types.Root {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[types.Epoch]types.Root, len(s.dutiesDependentRoot))
	for k, v := range s.dutiesDependentRoot {
		out[k] = v
	}
	return out
}

func (s *BlockProposalService) dutyForSlot(slot types.Slot) (types.ProposerDuty, bool) {
	epoch := slot.ToEpoch(s.spec.SlotsPerEpoch)
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range s.duties {
		if k.epoch == epoch && v.Slot == slot {
			return v, true
		}
	}
	return types.ProposerDuty{}, false
}

func (s *BlockProposalService) takeDutyForSlot(slot types.Slot) (types.ProposerDuty, bool) {
	epoch := slot.ToEpoch(s.spec.SlotsPerEpoch)
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range s.duties {
		if k.epoch == epoch && v.Slot == slot {
			delete(s.duties, k)
			return v, true
		}
	}
	return types.ProposerDuty{}, false
}

func (s *BlockProposalService) fetchRandaoReveal(ctx context.Context, duty types.ProposerDuty) error {
	slot := duty.Slot
	fork, err := s.clk.GetFork(slot)
	if err != nil {
		return errtype.New(errtype.KindProtocolMismatch, "fetch_randao_reveal", err)
	}
	epoch := slot.ToEpoch(s.spec.SlotsPerEpoch)
	payload, err := json.Marshal(struct {
		Epoch string `json:"epoch"`
	}{Epoch: fmt.Sprint(uint64(epoch))})
	if err != nil {
		return err
	}
	msg := signing.SignableMessage{
		Kind:     signing.KindRandaoReveal,
		ForkInfo: &signing.ForkInfo{Fork: fork, GenesisValidatorsRoot: s.clk.GenesisValidatorsRoot()},
		Payload:  payload,
	}
	reveal, err := s.signer.Sign(ctx, msg, duty.Pubkey)
	if err != nil {
		return errtype.New(errtype.KindSignerError, "fetch_randao_reveal", err)
	}

	s.mu.Lock()
	s.randaoRevealCache[slot] = reveal
	s.mu.Unlock()
	return nil
}

func (s *BlockProposalService) randaoReveal(ctx context.Context, slot types.Slot, duty types.ProposerDuty) (types.Signature, error) {
	s.mu.Lock()
	reveal, ok := s.randaoRevealCache[slot]
	if ok {
		delete(s.randaoRevealCache, slot)
	}
	s.mu.Unlock()
	if ok {
		return reveal, nil
	}
	s.Base.log.WithField("slot", slot).Warn("failed to get randao reveal from cache, fetching on demand")
	if err := s.fetchRandaoReveal(ctx, duty); err != nil {
		return types.Signature{}, errtype.New(errtype.KindConsensusFailure, "get_randao_reveal", err)
	}
	s.mu.Lock()
	reveal = s.randaoRevealCache[slot]
	delete(s.randaoRevealCache, slot)
	s.mu.Unlock()
	return reveal, nil
}

// ProposeBlock performs the propose-a-block duty for slot unless it has
// already started, refusing outright if slashing has been detected or slot
// doesn't match the current slot (spec.md §4.8.3, §8 invariant S1).
func (s *BlockProposalService) ProposeBlock(ctx context.Context, slot types.Slot) error {
	ctx, span := trace.StartSpan(ctx, "BlockProposalService.ProposeBlock")
	defer span.End()

	if s.slashingGate != nil && s.slashingGate.SlashingDetected() && !s.disableSlashingProtectionGate {
		return errtype.New(errtype.KindSlashingDetected, "propose_block", fmt.Errorf("slashing detected, not producing block"))
	}
	if slot != s.clk.CurrentSlot() {
		return errtype.New(errtype.KindProgrammerError, "propose_block", fmt.Errorf("invalid slot for block proposal: %d, current slot %d", slot, s.clk.CurrentSlot()))
	}

	duty, ok := s.takeDutyForSlot(slot)
	if !ok {
		s.Base.log.WithField("slot", slot).Debug("no proposer duty for slot")
		return nil
	}

	if !s.Base.TryStart(slot) {
		return errtype.New(errtype.KindProgrammerError, "propose_block", fmt.Errorf("already started producing a block for slot %d or later", slot))
	}
	defer s.Base.MarkCompleted(slot)

	return s.propose(ctx, slot, duty)
}

func (s *BlockProposalService) propose(ctx context.Context, slot types.Slot, duty types.ProposerDuty) error {
	ObserveStart(KindBlockProposal, s.clk.TimeSinceSlotStart(slot).Seconds())

	reveal, err := s.randaoReveal(ctx, slot, duty)
	if err != nil {
		return err
	}

	graffiti, err := s.graffitiFor(duty.Pubkey)
	if err != nil {
		return err
	}

	proposal, err := s.mbn.ProduceBestBlock(ctx, slot, reveal, graffiti, s.builderBoostFactor, s.proposalSoftTimeout)
	if err != nil {
		return errtype.New(errtype.KindConsensusFailure, "produce_block", err)
	}

	header, err := blockHeaderOf(proposal)
	if err != nil {
		return errtype.New(errtype.KindProtocolMismatch, "produce_block", err)
	}

	signature, err := s.signBlock(ctx, slot, duty, header, proposal.Version.String())
	if err != nil {
		return err
	}

	return s.publishBlock(ctx, slot, proposal, signature)
}

func (s *BlockProposalService) graffitiFor(pubkey types.Pubkey) ([32]byte, error) {
	var out [32]byte
	g, err := s.overrides.GetGraffiti(pubkey)
	if err != nil {
		return out, errtype.New(errtype.KindProgrammerError, "graffiti_for", err)
	}
	copy(out[:], g)
	return out, nil
}

type beaconBlockHeaderPayload struct {
	Slot          string `json:"slot"`
	ProposerIndex string `json:"proposer_index"`
	ParentRoot    string `json:"parent_root"`
	StateRoot     string `json:"state_root"`
	BodyRoot      string `json:"body_root"`
}

type beaconBlockV2Payload struct {
	Version     string                   `json:"version"`
	BlockHeader beaconBlockHeaderPayload `json:"block_header"`
}

func (s *BlockProposalService) signBlock(ctx context.Context, slot types.Slot, duty types.ProposerDuty, header beaconBlockHeaderPayload, version string) (types.Signature, error) {
	fork, err := s.clk.GetFork(slot)
	if err != nil {
		return types.Signature{}, errtype.New(errtype.KindProtocolMismatch, "sign_block", err)
	}
	payload, err := json.Marshal(beaconBlockV2Payload{Version: strings.ToUpper(version), BlockHeader: header})
	if err != nil {
		return types.Signature{}, err
	}
	msg := signing.SignableMessage{
		Kind:     signing.KindBeaconBlockV2,
		ForkInfo: &signing.ForkInfo{Fork: fork, GenesisValidatorsRoot: s.clk.GenesisValidatorsRoot()},
		Payload:  payload,
	}
	sig, err := s.signer.Sign(ctx, msg, duty.Pubkey)
	if err != nil {
		return types.Signature{}, errtype.New(errtype.KindSignerError, "sign_block", err)
	}
	return sig, nil
}

func (s *BlockProposalService) publishBlock(ctx context.Context, slot types.Slot, proposal *api.VersionedProposal, signature types.Signature) error {
	ObserveSubmission(KindBlockProposal, s.clk.TimeSinceSlotStart(slot).Seconds())

	signed := &api.VersionedSignedProposal{Version: proposal.Version, Blinded: proposal.Blinded}
	if err := attachSignature(signed, proposal, phase0.BLSSignature(signature)); err != nil {
		return errtype.New(errtype.KindProtocolMismatch, "publish_block", err)
	}

	if err := s.mbn.SubmitProposal(ctx, signed); err != nil {
		return errtype.New(errtype.KindTransientNetwork, "publish_block", err)
	}
	s.Base.log.WithField("slot", slot).Info("published block")
	return nil
}

func (s *BlockProposalService) prepareBeaconProposer(ctx context.Context) error {
	active := s.statusTracker.ActiveValidators()
	pending := s.statusTracker.PendingValidators()
	if len(active)+len(pending) == 0 {
		return nil
	}

	preparations := make([]*apiv1.ProposalPreparation, 0, len(active)+len(pending))
	for _, list := range [][]types.ValidatorIndexPubkey{active, pending} {
		for _, v := range list {
			feeRecipient, err := s.overrides.GetFeeRecipient(v.Pubkey)
			if err != nil {
				continue
			}
			addr, err := bellatrixAddress(feeRecipient)
			if err != nil {
				continue
			}
			preparations = append(preparations, &apiv1.ProposalPreparation{
				ValidatorIndex: phase0.ValidatorIndex(v.Index),
				FeeRecipient:   addr,
			})
		}
	}
	if err := s.mbn.PrepareBeaconProposer(ctx, preparations); err != nil {
		return errtype.New(errtype.KindTransientNetwork, "prepare_beacon_proposer", err)
	}
	return nil
}

// registerValidators registers a 1/SlotsPerEpoch slice of our validators
// with external builders every slot, spreading registrations across the
// epoch, in batches of 512 per spec.md §4.8.3.
func (s *BlockProposalService) registerValidators(ctx context.Context, currentSlot types.Slot) error {
	const batchSize = 512
	active := s.statusTracker.ActiveValidators()
	pending := s.statusTracker.PendingValidators()

	slotsPerEpoch := s.spec.SlotsPerEpoch
	var toRegister []types.ValidatorIndexPubkey
	for _, list := range [][]types.ValidatorIndexPubkey{active, pending} {
		for _, v := range list {
			if v.Index%slotsPerEpoch == uint64(currentSlot)%slotsPerEpoch {
				toRegister = append(toRegister, v)
			}
		}
	}
	if len(toRegister) == 0 {
		return nil
	}

	regTime := s.clk.TimestampForSlot(currentSlot)

	for i := 0; i < len(toRegister); i += batchSize {
		end := i + batchSize
		if end > len(toRegister) {
			end = len(toRegister)
		}
		batch := toRegister[i:end]
		if err := s.registerValidatorBatch(ctx, batch, regTime); err != nil {
			RecordError(err)
			s.Base.log.WithError(err).Warn("failed to register validator batch with builders")
		}
	}
	return nil
}

func (s *BlockProposalService) registerValidatorBatch(ctx context.Context, batch []types.ValidatorIndexPubkey, regTime time.Time) error {
	timestamp := fmt.Sprint(regTime.Unix())
	msgs := make([]signing.SignableMessage, len(batch))
	pubkeys := make([]types.Pubkey, len(batch))
	for i, v := range batch {
		feeRecipient, err := s.overrides.GetFeeRecipient(v.Pubkey)
		if err != nil {
			return errtype.New(errtype.KindProgrammerError, "register_validators", err)
		}
		gasLimit, err := s.overrides.GetGasLimit(v.Pubkey)
		if err != nil {
			return errtype.New(errtype.KindProgrammerError, "register_validators", err)
		}
		payload, err := json.Marshal(struct {
			FeeRecipient string `json:"fee_recipient"`
			GasLimit     string `json:"gas_limit"`
			Timestamp    string `json:"timestamp"`
			Pubkey       string `json:"pubkey"`
		}{FeeRecipient: feeRecipient, GasLimit: gasLimit, Timestamp: timestamp, Pubkey: v.Pubkey.String()})
		if err != nil {
			return err
		}
		msgs[i] = signing.SignableMessage{Kind: signing.KindValidatorRegistration, Payload: payload}
		pubkeys[i] = v.Pubkey
	}

	results, err := s.signer.SignInBatches(ctx, msgs, pubkeys)
	if err != nil {
		return errtype.New(errtype.KindSignerError, "register_validators", err)
	}

	byPubkey := make(map[types.Pubkey]types.Signature, len(results))
	for _, r := range results {
		byPubkey[r.Pubkey] = r.Signature
	}

	regs := make([]*apiv1.SignedValidatorRegistration, 0, len(batch))
	for _, v := range batch {
		sig, ok := byPubkey[v.Pubkey]
		if !ok {
			continue
		}
		feeRecipient, err := s.overrides.GetFeeRecipient(v.Pubkey)
		if err != nil {
			continue
		}
		gasLimit, err := s.overrides.GetGasLimit(v.Pubkey)
		if err != nil {
			continue
		}
		addr, err := bellatrixAddress(feeRecipient)
		if err != nil {
			continue
		}
		limit, err := parseUint64(gasLimit)
		if err != nil {
			continue
		}
		regs = append(regs, &apiv1.SignedValidatorRegistration{
			Message: &apiv1.ValidatorRegistration{
				FeeRecipient: addr,
				GasLimit:     limit,
				Timestamp:    regTime,
				Pubkey:       phase0.BLSPubKey(v.Pubkey),
			},
			Signature: phase0.BLSSignature(sig),
		})
	}
	if len(regs) == 0 {
		return nil
	}
	if err := s.mbn.RegisterValidators(ctx, regs); err != nil {
		return errtype.New(errtype.KindTransientNetwork, "register_validators", err)
	}
	s.Base.log.WithField("count", len(regs)).Info("published validator registrations")
	return nil
}

func (s *BlockProposalService) updateDuties(ctx context.Context) error {
	active := s.statusTracker.ActiveValidators()
	pending := s.statusTracker.PendingValidators()
	wanted := make(map[uint64]bool, len(active)+len(pending))
	for _, v := range active {
		wanted[v.Index] = true
	}
	for _, v := range pending {
		wanted[v.Index] = true
	}
	if len(wanted) == 0 {
		s.Base.log.Warn("not updating proposer duties - no active or pending validators")
		return nil
	}

	currentEpoch := s.clk.CurrentEpoch()
	for _, epoch := range []types.Epoch{currentEpoch, currentEpoch + 1} {
		if err := s.updateDutiesForEpoch(ctx, epoch, wanted); err != nil {
			return err
		}
	}
	s.pruneProposerDuties(currentEpoch)
	s.saveToCache()
	return nil
}

func (s *BlockProposalService) updateDutiesForEpoch(ctx context.Context, epoch types.Epoch, wanted map[uint64]bool) error {
	fetched, dependentRoot, err := s.mbn.GetProposerDuties(ctx, epoch)
	if err != nil {
		return errtype.New(errtype.KindTransientNetwork, "update_duties", err)
	}

	currentSlot := s.clk.CurrentSlot()

	s.mu.Lock()
	for k := range s.duties {
		if k.epoch == epoch {
			delete(s.duties, k)
		}
	}
	i := uint64(0)
	for _, d := range fetched {
		if types.Slot(d.Slot) < currentSlot || !wanted[uint64(d.ValidatorIndex)] {
			continue
		}
		s.duties[dutyKey{epoch: epoch, index: i}] = types.ProposerDuty{
			Pubkey:         types.Pubkey(d.PubKey),
			ValidatorIndex: uint64(d.ValidatorIndex),
			Slot:           types.Slot(d.Slot),
		}
		i++
	}
	s.dutiesDependentRoot[epoch] = dependentRoot
	s.mu.Unlock()

	s.Base.log.WithField("epoch", epoch).Debug("updated proposer duties")
	return nil
}

func (s *BlockProposalService) pruneProposerDuties(currentEpoch types.Epoch) {
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

func parseUint64(s string) (uint64, error) {
	var v uint64
	_, err := fmt.Sscan(s, &v)
	return v, err
}

func bellatrixAddress(hexAddr string) (bellatrix.ExecutionAddress, error) {
	var addr bellatrix.ExecutionAddress
	b, err := hex.DecodeString(strings.TrimPrefix(hexAddr, "0x"))
	if err != nil {
		return addr, err
	}
	if len(b) != len(addr) {
		return addr, fmt.Errorf("fee recipient address: expected %d bytes, got %d", len(addr), len(b))
	}
	copy(addr[:], b)
	return addr, nil
}

// blockHeaderOf extracts the (slot, proposer_index, parent_root,
// state_root, body_root) header tuple that the remote signer signs. Only
// the Electra-family wire shape is handled: types.ForkName enumerates
// electra/fulu/gloas only, and fulu/gloas reuse Electra's block layout at
// the consensus-client library version this core builds against (spec.md
// §4.8.3).
func blockHeaderOf(p *api.VersionedProposal) (beaconBlockHeaderPayload, error) {
	var slot phase0.Slot
	var proposerIndex phase0.ValidatorIndex
	var parentRoot, stateRoot, bodyRoot phase0.Root
	var err error

	switch {
	case p.Electra != nil:
		b := p.Electra
		slot, proposerIndex, parentRoot, stateRoot = b.Slot, b.ProposerIndex, b.ParentRoot, b.StateRoot
		bodyRoot, err = b.Body.HashTreeRoot()
	case p.ElectraBlinded != nil:
		b := p.ElectraBlinded
		slot, proposerIndex, parentRoot, stateRoot = b.Slot, b.ProposerIndex, b.ParentRoot, b.StateRoot
		bodyRoot, err = b.Body.HashTreeRoot()
	default:
		return beaconBlockHeaderPayload{}, fmt.Errorf("produced proposal carries no recognized block")
	}
	if err != nil {
		return beaconBlockHeaderPayload{}, err
	}

	return beaconBlockHeaderPayload{
		Slot:          fmt.Sprint(uint64(slot)),
		ProposerIndex: fmt.Sprint(uint64(proposerIndex)),
		ParentRoot:    types.Root(parentRoot).String(),
		StateRoot:     types.Root(stateRoot).String(),
		BodyRoot:      types.Root(bodyRoot).String(),
	}, nil
}

// attachSignature sets the signed block's version-matching field and
// signature, mirroring blockHeaderOf's fork coverage.
func attachSignature(signed *api.VersionedSignedProposal, p *api.VersionedProposal, sig phase0.BLSSignature) error {
	switch {
	case p.Electra != nil:
		signed.Electra = &electra.SignedBeaconBlock{Message: p.Electra, Signature: sig}
	case p.ElectraBlinded != nil:
		signed.ElectraBlinded = &apiv1electra.SignedBlindedBeaconBlock{Message: p.ElectraBlinded, Signature: sig}
	default:
		return fmt.Errorf("produced proposal carries no recognized block")
	}
	return nil
}

