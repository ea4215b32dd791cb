package db

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentrynode/validator/types"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	d, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func testPubkey(b byte) types.Pubkey {
	var p types.Pubkey
	p[0] = b
	return p
}

func TestUpsertAndGet(t *testing.T) {
	d := openTestDB(t)
	pk := testPubkey(1)

	require.NoError(t, d.Upsert(pk, "http://signer"))

	rec, ok, err := d.Get(pk)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "http://signer", rec.URL)
	assert.Nil(t, rec.FeeRecipient)
}

func TestUpsertPreservesMutationColumns(t *testing.T) {
	d := openTestDB(t)
	pk := testPubkey(2)
	require.NoError(t, d.Upsert(pk, "http://signer"))

	fee := "0xabc"
	require.NoError(t, d.SetFeeRecipient(pk, &fee))

	require.NoError(t, d.Upsert(pk, "http://signer2"))

	rec, ok, err := d.Get(pk)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "http://signer2", rec.URL)
	require.NotNil(t, rec.FeeRecipient)
	assert.Equal(t, fee, *rec.FeeRecipient)
}

func TestDeleteClearsFeeRecipientOverride(t *testing.T) {
	d := openTestDB(t)
	pk := testPubkey(3)
	require.NoError(t, d.Upsert(pk, "http://signer"))
	fee := "0xabc"
	require.NoError(t, d.SetFeeRecipient(pk, &fee))

	require.NoError(t, d.SetFeeRecipient(pk, nil))

	rec, ok, err := d.Get(pk)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Nil(t, rec.FeeRecipient)
}

func TestGetMissingReturnsFalse(t *testing.T) {
	d := openTestDB(t)
	_, ok, err := d.Get(testPubkey(9))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAllReturnsEveryRecord(t *testing.T) {
	d := openTestDB(t)
	require.NoError(t, d.Upsert(testPubkey(1), "a"))
	require.NoError(t, d.Upsert(testPubkey(2), "b"))

	all, err := d.All()
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
