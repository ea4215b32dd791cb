package dutycache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentrynode/validator/types"
)

func TestSaveAndLoadAttesterDuties(t *testing.T) {
	c := New(t.TempDir())
	duties := map[types.Epoch][]types.AttesterDutyWithSelectionProof{
		5: {{AttesterDuty: types.AttesterDuty{ValidatorIndex: 7, Slot: 160}, IsAggregator: true}},
	}
	roots := map[types.Epoch]types.Root{5: {1, 2, 3}}

	require.NoError(t, c.SaveAttesterDuties(duties, roots))

	gotDuties, gotRoots, err := c.LoadAttesterDuties()
	require.NoError(t, err)
	assert.Equal(t, duties, gotDuties)
	assert.Equal(t, roots, gotRoots)
}

func TestSaveAndLoadProposerDuties(t *testing.T) {
	c := New(t.TempDir())
	duties := map[types.Epoch][]types.ProposerDuty{
		5: {{ValidatorIndex: 3, Slot: 161}},
	}
	roots := map[types.Epoch]types.Root{5: {9}}

	require.NoError(t, c.SaveProposerDuties(duties, roots))

	gotDuties, gotRoots, err := c.LoadProposerDuties()
	require.NoError(t, err)
	assert.Equal(t, duties, gotDuties)
	assert.Equal(t, roots, gotRoots)
}

func TestSaveAndLoadSyncDuties(t *testing.T) {
	c := New(t.TempDir())
	duties := map[types.Epoch][]types.SyncDuty{
		2: {{ValidatorIndex: 11, CommitteeIndices: []uint64{4, 200}}},
	}

	require.NoError(t, c.SaveSyncDuties(duties))

	got, err := c.LoadSyncDuties()
	require.NoError(t, err)
	assert.Equal(t, duties, got)
}

func TestLoadMissingFileErrors(t *testing.T) {
	c := New(t.TempDir())

	_, _, err := c.LoadAttesterDuties()
	assert.Error(t, err)
}
