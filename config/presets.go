package config

import (
	"fmt"

	"gopkg.in/yaml.v2"

	"github.com/sentrynode/validator/types"
)

// presetYAML mirrors the subset of a network's config.yaml a connected
// beacon node is expected to agree with (spec.md §3). Full arbitrary
// network-config loading is out of scope (spec.md §1); this is only the
// well-known preset table a validator client ships with.
type presetYAML struct {
	SlotsPerEpoch                        uint64 `yaml:"SLOTS_PER_EPOCH"`
	SecondsPerSlot                       uint64 `yaml:"SECONDS_PER_SLOT"`
	IntervalsPerSlot                     uint64 `yaml:"INTERVALS_PER_SLOT"`
	EpochsPerSyncCommitteePeriod         uint64 `yaml:"EPOCHS_PER_SYNC_COMMITTEE_PERIOD"`
	TargetAggregatorsPerCommittee        uint64 `yaml:"TARGET_AGGREGATORS_PER_COMMITTEE"`
	TargetAggregatorsPerSyncSubcommittee uint64 `yaml:"TARGET_AGGREGATORS_PER_SYNC_SUBCOMMITTEE"`
	SyncCommitteeSize                    uint64 `yaml:"SYNC_COMMITTEE_SIZE"`
	SyncCommitteeSubnetCount             uint64 `yaml:"SYNC_COMMITTEE_SUBNET_COUNT"`
	MaxValidatorsPerCommittee            uint64 `yaml:"MAX_VALIDATORS_PER_COMMITTEE"`
	MaxCommitteesPerSlot                 uint64 `yaml:"MAX_COMMITTEES_PER_SLOT"`
}

// mainnetPresetYAML is the literal config.yaml values mainnet.MainnetPreset
// is derived from, kept as YAML text (rather than building the Spec struct
// literal directly) so the well-known presets go through the same
// yaml.Unmarshal path a fetched network's own config.yaml would.
const mainnetPresetYAML = `
SLOTS_PER_EPOCH: 32
SECONDS_PER_SLOT: 12
INTERVALS_PER_SLOT: 3
EPOCHS_PER_SYNC_COMMITTEE_PERIOD: 256
TARGET_AGGREGATORS_PER_COMMITTEE: 16
TARGET_AGGREGATORS_PER_SYNC_SUBCOMMITTEE: 16
SYNC_COMMITTEE_SIZE: 512
SYNC_COMMITTEE_SUBNET_COUNT: 4
MAX_VALIDATORS_PER_COMMITTEE: 2048
MAX_COMMITTEES_PER_SLOT: 64
`

const gnosisPresetYAML = `
SLOTS_PER_EPOCH: 16
SECONDS_PER_SLOT: 5
INTERVALS_PER_SLOT: 3
EPOCHS_PER_SYNC_COMMITTEE_PERIOD: 512
TARGET_AGGREGATORS_PER_COMMITTEE: 16
TARGET_AGGREGATORS_PER_SYNC_SUBCOMMITTEE: 16
SYNC_COMMITTEE_SIZE: 512
SYNC_COMMITTEE_SUBNET_COUNT: 4
MAX_VALIDATORS_PER_COMMITTEE: 2048
MAX_COMMITTEES_PER_SLOT: 64
`

var rawNetworkPresets = map[Network]string{
	NetworkMainnet: mainnetPresetYAML,
	NetworkGnosis:  gnosisPresetYAML,
	NetworkChiado:  gnosisPresetYAML,
	NetworkHolesky: mainnetPresetYAML,
	NetworkSepolia: mainnetPresetYAML,
}

// forksByNetwork pairs the preset constants above with each network's fork
// schedule; not itself part of a beacon node's /config/spec response, so
// it stays a Go literal rather than going through YAML.
var forksByNetwork = map[Network][]types.Fork{
	NetworkMainnet: {
		{Name: types.ForkElectra, Version: types.ForkVersion{0x05, 0x00, 0x00, 0x00}, ActivationEpoch: 364032},
		{Name: types.ForkFulu, Version: types.ForkVersion{0x06, 0x00, 0x00, 0x00}, ActivationEpoch: 1 << 32},
		{Name: types.ForkGloas, Version: types.ForkVersion{0x07, 0x00, 0x00, 0x00}, ActivationEpoch: 1 << 32},
	},
}

// LoadNetworkPreset decodes the well-known YAML preset for network into a
// Spec, falling back to the mainnet fork schedule for networks this table
// doesn't carry one for. It exists so an operator-supplied network name
// resolves to a default Spec before the first /config/spec response from
// a connected beacon node arrives (spec.md §4.3).
func LoadNetworkPreset(network Network) (Spec, error) {
	raw, ok := rawNetworkPresets[network]
	if !ok {
		return Spec{}, fmt.Errorf("config: no preset known for network %q", network)
	}

	var p presetYAML
	if err := yaml.Unmarshal([]byte(raw), &p); err != nil {
		return Spec{}, fmt.Errorf("config: decoding preset for %q: %w", network, err)
	}

	forks, ok := forksByNetwork[network]
	if !ok {
		forks = forksByNetwork[NetworkMainnet]
	}

	return Spec{
		SlotsPerEpoch:                        p.SlotsPerEpoch,
		SlotDurationMS:                       p.SecondsPerSlot * 1000,
		IntervalsPerSlot:                     p.IntervalsPerSlot,
		EpochsPerSyncCommitteePeriod:         p.EpochsPerSyncCommitteePeriod,
		TargetAggregatorsPerCommittee:        p.TargetAggregatorsPerCommittee,
		TargetAggregatorsPerSyncSubcommittee: p.TargetAggregatorsPerSyncSubcommittee,
		SyncCommitteeSize:                    p.SyncCommitteeSize,
		SyncCommitteeSubnetCount:             p.SyncCommitteeSubnetCount,
		MaxValidatorsPerCommittee:            p.MaxValidatorsPerCommittee,
		MaxCommitteesPerSlot:                 p.MaxCommitteesPerSlot,
		Forks:                                forks,
	}, nil
}
