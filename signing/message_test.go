package signing

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentrynode/validator/types"
)

func TestWireBodyIncludesForkInfo(t *testing.T) {
	fork := types.Fork{
		Name:            types.ForkElectra,
		Version:         types.ForkVersion{0x05, 0x00, 0x00, 0x00},
		PreviousVersion: types.ForkVersion{0x04, 0x00, 0x00, 0x00},
		ActivationEpoch: 269568,
	}
	msg := SignableMessage{
		Kind: KindAttestation,
		ForkInfo: &ForkInfo{
			Fork:                  fork,
			GenesisValidatorsRoot: types.Root{0xaa},
		},
		Payload: json.RawMessage(`{"slot":"1"}`),
	}

	body, err := msg.wireBody()
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(body, &decoded))

	assert.Equal(t, "ATTESTATION", decoded["type"])
	assert.Equal(t, map[string]interface{}{"slot": "1"}, decoded["attestation"])

	forkInfo, ok := decoded["fork_info"].(map[string]interface{})
	require.True(t, ok, "fork_info must be present")
	assert.Equal(t, msg.ForkInfo.GenesisValidatorsRoot.String(), forkInfo["genesis_validators_root"])

	forkObj, ok := forkInfo["fork"].(map[string]interface{})
	require.True(t, ok, "fork_info.fork must be present")
	assert.Equal(t, fork.Version.String(), forkObj["current_version"])
	assert.Equal(t, fork.PreviousVersion.String(), forkObj["previous_version"])
	assert.Equal(t, "269568", forkObj["epoch"])
}

func TestWireBodyOmitsForkInfoForValidatorRegistration(t *testing.T) {
	msg := SignableMessage{
		Kind:    KindValidatorRegistration,
		Payload: json.RawMessage(`{"fee_recipient":"0x00"}`),
	}

	body, err := msg.wireBody()
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(body, &decoded))

	assert.Equal(t, "VALIDATOR_REGISTRATION", decoded["type"])
	assert.Equal(t, map[string]interface{}{"fee_recipient": "0x00"}, decoded["validator_registration"])
	_, hasForkInfo := decoded["fork_info"]
	assert.False(t, hasForkInfo, "validator registration carries no fork_info")
}

func TestWireKeyForSharedByAggregateAndProofVersions(t *testing.T) {
	k1, ok1 := wireKeyFor(KindAggregateAndProof)
	k2, ok2 := wireKeyFor(KindAggregateAndProofV2)
	require.True(t, ok1)
	require.True(t, ok2)
	assert.Equal(t, "aggregate_and_proof", k1)
	assert.Equal(t, k1, k2)
}

func TestWireKeyForUnknownKind(t *testing.T) {
	_, ok := wireKeyFor(MessageKind("BOGUS"))
	assert.False(t, ok)
}
