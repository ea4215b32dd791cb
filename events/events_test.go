package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentrynode/validator/beacon"
	"github.com/sentrynode/validator/types"
)

func testNode() *beacon.Node {
	return &beacon.Node{Host: "test-host"}
}

func TestHandleHeadEventDispatches(t *testing.T) {
	var got HeadEvent
	c := &Consumer{
		currentSlot: func() types.Slot { return 0 },
		handlers: Handlers{
			OnHead: []func(HeadEvent){func(ev HeadEvent) { got = ev }},
		},
	}

	data := []byte(`{"slot":"100","block":"0x` + hex32("aa") + `","previous_duty_dependent_root":"0x` + hex32("bb") + `","current_duty_dependent_root":"0x` + hex32("cc") + `","execution_optimistic":false}`)
	require.NoError(t, c.handle(testNode(), "head", data))

	assert.Equal(t, types.Slot(100), got.Slot)
}

func TestHandleHeadEventRejectsExecutionOptimistic(t *testing.T) {
	c := &Consumer{currentSlot: func() types.Slot { return 0 }}
	data := []byte(`{"slot":"100","block":"0x` + hex32("aa") + `","previous_duty_dependent_root":"0x` + hex32("bb") + `","current_duty_dependent_root":"0x` + hex32("cc") + `","execution_optimistic":true}`)
	err := c.handle(testNode(), "head", data)
	require.Error(t, err)
}

func TestHandleHeadEventIgnoresOldSlot(t *testing.T) {
	var called bool
	c := &Consumer{
		currentSlot: func() types.Slot { return 200 },
		handlers: Handlers{
			OnHead: []func(HeadEvent){func(ev HeadEvent) { called = true }},
		},
	}
	data := []byte(`{"slot":"100","block":"0x` + hex32("aa") + `","previous_duty_dependent_root":"0x` + hex32("bb") + `","current_duty_dependent_root":"0x` + hex32("cc") + `","execution_optimistic":false}`)
	require.NoError(t, c.handle(testNode(), "head", data))
	assert.False(t, called)
}

func TestHandleAttesterSlashingEvent(t *testing.T) {
	var got AttesterSlashingEvent
	c := &Consumer{
		handlers: Handlers{
			OnAttesterSlashing: []func(AttesterSlashingEvent){func(ev AttesterSlashingEvent) { got = ev }},
		},
	}
	data := []byte(`{"attestation_1":{"attesting_indices":["1","2"]},"attestation_2":{"attesting_indices":["2","3"]}}`)
	require.NoError(t, c.handle(testNode(), "attester_slashing", data))
	assert.Equal(t, []uint64{1, 2}, got.Attestation1Indices)
	assert.Equal(t, []uint64{2, 3}, got.Attestation2Indices)
}

func TestHandleProposerSlashingEvent(t *testing.T) {
	var got ProposerSlashingEvent
	c := &Consumer{
		handlers: Handlers{
			OnProposerSlashing: []func(ProposerSlashingEvent){func(ev ProposerSlashingEvent) { got = ev }},
		},
	}
	data := []byte(`{"signed_header_1":{"message":{"proposer_index":"42"}},"signed_header_2":{"message":{"proposer_index":"42"}}}`)
	require.NoError(t, c.handle(testNode(), "proposer_slashing", data))
	assert.Equal(t, uint64(42), got.ProposerIndex)
}

func TestHandleUnknownEventNameErrors(t *testing.T) {
	c := &Consumer{}
	err := c.handle(testNode(), "some_unknown_event", []byte(`{}`))
	require.Error(t, err)
}

func hex32(prefix string) string {
	out := prefix
	for len(out) < 64 {
		out += "0"
	}
	return out
}
