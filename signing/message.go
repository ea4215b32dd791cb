// Package signing talks to a remote signer (e.g. web3signer) or a local
// keymanager on behalf of every message kind the validator core needs
// signed (spec.md §4.5): attestations, aggregates, blocks, randao reveals,
// sync committee traffic, validator registrations, and voluntary exits.
package signing

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/sentrynode/validator/types"
)

// MessageKind is the closed set of signable message types (spec.md §4.5,
// resolving the duplicate-enumeration concern the same way errtype.Kind
// resolves it for errors: one enum, not one per signer implementation).
type MessageKind string

const (
	KindAttestation                    MessageKind = "ATTESTATION"
	KindAggregationSlot                MessageKind = "AGGREGATION_SLOT"
	KindAggregateAndProof              MessageKind = "AGGREGATE_AND_PROOF"
	KindAggregateAndProofV2            MessageKind = "AGGREGATE_AND_PROOF_V2"
	KindRandaoReveal                   MessageKind = "RANDAO_REVEAL"
	KindBeaconBlockV2                  MessageKind = "BLOCK_V2"
	KindSyncCommitteeMessage           MessageKind = "SYNC_COMMITTEE_MESSAGE"
	KindSyncCommitteeSelectionProof    MessageKind = "SYNC_COMMITTEE_SELECTION_PROOF"
	KindSyncCommitteeContributionProof MessageKind = "SYNC_COMMITTEE_CONTRIBUTION_AND_PROOF"
	KindValidatorRegistration          MessageKind = "VALIDATOR_REGISTRATION"
	KindVoluntaryExit                  MessageKind = "VOLUNTARY_EXIT"
)

// HighPriority reports whether a message kind belongs on the low-latency
// connection lane: block and attestation signing sit on the hot path of
// every slot, so they get their own connection pool separate from
// aggregation/selection-proof traffic (spec.md §4.5, remote_signer lane
// split).
func (k MessageKind) HighPriority() bool {
	switch k {
	case KindBeaconBlockV2, KindRandaoReveal, KindAttestation, KindSyncCommitteeMessage:
		return true
	default:
		return false
	}
}

// ForkInfo carries the fork version and genesis validators root mixed
// into every signing domain.
type ForkInfo struct {
	Fork                  types.Fork
	GenesisValidatorsRoot types.Root
}

// SignableMessage is one request to sign: a kind tag plus the
// kind-specific payload, pre-serialized to the wire JSON shape the remote
// signer expects.
type SignableMessage struct {
	Kind     MessageKind
	ForkInfo *ForkInfo // nil for ValidatorRegistration, which carries no fork info
	Payload  json.RawMessage
}

// wireKeyFor returns the JSON key a remote signer expects the
// kind-specific payload nested under, mirroring the one-field-per-subclass
// split of the Python SignableMessage schema (schemas/remote_signer.py).
// AGGREGATE_AND_PROOF and its V2 counterpart share a key: both subclasses
// nest their dict payload under "aggregate_and_proof".
func wireKeyFor(kind MessageKind) (string, bool) {
	switch kind {
	case KindAttestation:
		return "attestation", true
	case KindAggregationSlot:
		return "aggregation_slot", true
	case KindAggregateAndProof, KindAggregateAndProofV2:
		return "aggregate_and_proof", true
	case KindRandaoReveal:
		return "randao_reveal", true
	case KindBeaconBlockV2:
		return "beacon_block", true
	case KindSyncCommitteeMessage:
		return "sync_committee_message", true
	case KindSyncCommitteeSelectionProof:
		return "sync_aggregator_selection_data", true
	case KindSyncCommitteeContributionProof:
		return "contribution_and_proof", true
	case KindValidatorRegistration:
		return "validator_registration", true
	case KindVoluntaryExit:
		return "voluntary_exit", true
	default:
		return "", false
	}
}

// wireFork is the wire representation of types.Fork inside fork_info: all
// three fields hex/decimal strings, per Fork in schemas/remote_signer.py.
type wireFork struct {
	PreviousVersion string `json:"previous_version"`
	CurrentVersion  string `json:"current_version"`
	Epoch           string `json:"epoch"`
}

type wireForkInfo struct {
	Fork                  wireFork `json:"fork"`
	GenesisValidatorsRoot string   `json:"genesis_validators_root"`
}

// wireBody builds the full remote-signer request envelope for msg:
// {"type": ..., "fork_info": {...}, "<kind_key>": <payload>}, omitting
// fork_info for kinds that carry none (currently only
// ValidatorRegistration). The bare kind-specific payload is never sent on
// its own: the signer computes the signing domain from fork_info and has
// no other way to learn it.
func (m SignableMessage) wireBody() ([]byte, error) {
	key, ok := wireKeyFor(m.Kind)
	if !ok {
		return nil, fmt.Errorf("signing: unknown message kind %q", m.Kind)
	}

	body := map[string]interface{}{
		"type": string(m.Kind),
		key:    m.Payload,
	}
	if m.ForkInfo != nil {
		body["fork_info"] = wireForkInfo{
			Fork: wireFork{
				PreviousVersion: m.ForkInfo.Fork.PreviousVersion.String(),
				CurrentVersion:  m.ForkInfo.Fork.Version.String(),
				Epoch:           strconv.FormatUint(uint64(m.ForkInfo.Fork.ActivationEpoch), 10),
			},
			GenesisValidatorsRoot: m.ForkInfo.GenesisValidatorsRoot.String(),
		}
	}
	return json.Marshal(body)
}
