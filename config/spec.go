// Package config holds the consensus Spec values connected beacon nodes must
// agree on (spec.md §3) and the small set of well-known network presets.
// Arbitrary network-config YAML loading mechanics are out of scope (spec.md
// §1); this package only carries the struct shape and the presets a
// validator client ships with.
package config

import (
	"fmt"

	"github.com/sentrynode/validator/types"
)

// Network identifies a well-known Ethereum network.
type Network string

const (
	NetworkMainnet Network = "mainnet"
	NetworkGnosis  Network = "gnosis"
	NetworkChiado  Network = "chiado"
	NetworkHolesky Network = "holesky"
	NetworkSepolia Network = "sepolia"
)

// CompareConsensusValueOnly reports whether block-value comparison should
// ignore the execution-payload value because it is denominated in a
// different currency (spec.md §4.3.1, §9).
func (n Network) CompareConsensusValueOnly() bool {
	return n == NetworkGnosis || n == NetworkChiado
}

// Spec carries the subset of consensus-layer constants the validator client
// core needs (spec.md §3). All connected beacon nodes must report the same
// values (MultiBeaconNode.initialize, §4.3).
type Spec struct {
	SlotsPerEpoch                   uint64
	SlotDurationMS                  uint64
	IntervalsPerSlot                uint64
	EpochsPerSyncCommitteePeriod    uint64
	TargetAggregatorsPerCommittee   uint64
	TargetAggregatorsPerSyncSubcommittee uint64
	SyncCommitteeSize               uint64
	SyncCommitteeSubnetCount         uint64
	MaxValidatorsPerCommittee       uint64
	MaxCommitteesPerSlot            uint64

	Forks []types.Fork
}

// Equal reports whether two Spec values agree on every field this core
// cares about (spec.md §4.3 initialization contract, §8 invariant 8).
func (s Spec) Equal(o Spec) bool {
	if s.SlotsPerEpoch != o.SlotsPerEpoch ||
		s.SlotDurationMS != o.SlotDurationMS ||
		s.IntervalsPerSlot != o.IntervalsPerSlot ||
		s.EpochsPerSyncCommitteePeriod != o.EpochsPerSyncCommitteePeriod ||
		s.TargetAggregatorsPerCommittee != o.TargetAggregatorsPerCommittee ||
		s.TargetAggregatorsPerSyncSubcommittee != o.TargetAggregatorsPerSyncSubcommittee ||
		s.SyncCommitteeSize != o.SyncCommitteeSize ||
		s.SyncCommitteeSubnetCount != o.SyncCommitteeSubnetCount {
		return false
	}
	if len(s.Forks) != len(o.Forks) {
		return false
	}
	for i := range s.Forks {
		if s.Forks[i] != o.Forks[i] {
			return false
		}
	}
	return true
}

// ForkAt returns the active fork for the given epoch: the newest fork whose
// ActivationEpoch is <= epoch (spec.md §4.1 get_fork).
func (s Spec) ForkAt(epoch types.Epoch) (types.Fork, error) {
	var best *types.Fork
	for i := range s.Forks {
		f := s.Forks[i]
		if f.ActivationEpoch <= epoch {
			if best == nil || f.ActivationEpoch > best.ActivationEpoch {
				best = &s.Forks[i]
			}
		}
	}
	if best == nil {
		return types.Fork{}, fmt.Errorf("no fork activated by epoch %d", epoch)
	}

	result := *best
	result.PreviousVersion = result.Version
	var prev *types.Fork
	for i := range s.Forks {
		f := s.Forks[i]
		if f.ActivationEpoch < best.ActivationEpoch {
			if prev == nil || f.ActivationEpoch > prev.ActivationEpoch {
				prev = &s.Forks[i]
			}
		}
	}
	if prev != nil {
		result.PreviousVersion = prev.Version
	}
	return result, nil
}

// MainnetPreset returns the mainnet Spec used when a beacon node's own
// reported /config/spec is unavailable or for tests.
func MainnetPreset() Spec {
	return Spec{
		SlotsPerEpoch:                 32,
		SlotDurationMS:                12000,
		IntervalsPerSlot:              3,
		EpochsPerSyncCommitteePeriod:  256,
		TargetAggregatorsPerCommittee: 16,
		TargetAggregatorsPerSyncSubcommittee: 16,
		SyncCommitteeSize:             512,
		SyncCommitteeSubnetCount:      4,
		MaxValidatorsPerCommittee:     2048,
		MaxCommitteesPerSlot:          64,
		Forks: []types.Fork{
			{Name: types.ForkElectra, Version: types.ForkVersion{0x05, 0x00, 0x00, 0x00}, ActivationEpoch: 364032},
			{Name: types.ForkFulu, Version: types.ForkVersion{0x06, 0x00, 0x00, 0x00}, ActivationEpoch: 1 << 32},
			{Name: types.ForkGloas, Version: types.ForkVersion{0x07, 0x00, 0x00, 0x00}, ActivationEpoch: 1 << 32},
		},
	}
}

// VendorQuirks documents the per-vendor workarounds called out in spec.md §9
// as quirk flags rather than silent overrides.
type VendorQuirks struct {
	// SkipSlashingTopics disables subscribing to attester_slashing /
	// proposer_slashing SSE topics for beacon nodes known not to emit
	// them reliably.
	SkipSlashingTopics bool
	// IntervalsPerSlotOverride, when non-zero, overrides a beacon node's
	// reported INTERVALS_PER_SLOT (some clients omit or misreport it).
	IntervalsPerSlotOverride uint64
	// MaxBlobCommitmentsPerBlockOverride, when non-zero, overrides a
	// beacon node's reported MAX_BLOB_COMMITMENTS_PER_BLOCK.
	MaxBlobCommitmentsPerBlockOverride uint64
}
