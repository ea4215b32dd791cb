package keymanager

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentrynode/validator/db"
	"github.com/sentrynode/validator/signing"
	"github.com/sentrynode/validator/types"
)

type fakeSigner struct {
	url      string
	pubkeys  []types.Pubkey
	signErr  error
	signHits int
}

func (f *fakeSigner) PublicKeys(ctx context.Context) ([]types.Pubkey, error) {
	return f.pubkeys, nil
}

func (f *fakeSigner) Sign(ctx context.Context, msg signing.SignableMessage, pubkey types.Pubkey) (types.Signature, error) {
	f.signHits++
	if f.signErr != nil {
		return types.Signature{}, f.signErr
	}
	var sig types.Signature
	sig[0] = pubkey[0]
	return sig, nil
}

func (f *fakeSigner) SignInBatches(ctx context.Context, msgs []signing.SignableMessage, pubkeys []types.Pubkey) ([]signing.SignedResult, error) {
	out := make([]signing.SignedResult, len(msgs))
	for i := range msgs {
		sig, err := f.Sign(ctx, msgs[i], pubkeys[i])
		if err != nil {
			return nil, err
		}
		out[i] = signing.SignedResult{Message: msgs[i], Pubkey: pubkeys[i], Signature: sig}
	}
	return out, nil
}

func testPubkey(b byte) types.Pubkey {
	var p types.Pubkey
	p[0] = b
	return p
}

func newTestKeymanager(t *testing.T) (*Keymanager, *db.DB, map[string]*fakeSigner) {
	t.Helper()
	d, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })

	signers := make(map[string]*fakeSigner)
	factory := func(url string) (signing.Provider, error) {
		s := &fakeSigner{url: url}
		signers[url] = s
		return s, nil
	}

	k, err := New(d, factory, Defaults{FeeRecipient: "0xdefault", GasLimit: "30000000", Graffiti: "default"})
	require.NoError(t, err)
	return k, d, signers
}

func TestNewBuildsSignerMappingFromDB(t *testing.T) {
	k, d, signers := newTestKeymanager(t)
	require.NoError(t, d.Upsert(testPubkey(1), "http://signer-a"))
	require.NoError(t, d.Upsert(testPubkey(2), "http://signer-a"))
	require.NoError(t, d.Upsert(testPubkey(3), "http://signer-b"))
	require.NoError(t, k.refreshSignerMapping())

	assert.Len(t, k.PublicKeys(), 3)
	assert.Len(t, signers, 2, "keys sharing a URL should reuse one signer")
}

func TestSignReturnsErrPubkeyNotFound(t *testing.T) {
	k, _, _ := newTestKeymanager(t)
	_, err := k.Sign(context.Background(), signing.SignableMessage{}, testPubkey(9))
	require.Error(t, err)
	var notFound *ErrPubkeyNotFound
	assert.ErrorAs(t, err, &notFound)
}

func TestSignDelegatesToAssignedSigner(t *testing.T) {
	k, d, signers := newTestKeymanager(t)
	require.NoError(t, d.Upsert(testPubkey(1), "http://signer-a"))
	require.NoError(t, k.refreshSignerMapping())

	sig, err := k.Sign(context.Background(), signing.SignableMessage{}, testPubkey(1))
	require.NoError(t, err)
	assert.Equal(t, byte(1), sig[0])
	assert.Equal(t, 1, signers["http://signer-a"].signHits)
}

func TestSignInBatchesSkipsUnknownPubkeys(t *testing.T) {
	k, d, _ := newTestKeymanager(t)
	require.NoError(t, d.Upsert(testPubkey(1), "http://signer-a"))
	require.NoError(t, k.refreshSignerMapping())

	msgs := []signing.SignableMessage{{}, {}}
	pubkeys := []types.Pubkey{testPubkey(1), testPubkey(99)}

	results, err := k.SignInBatches(context.Background(), msgs, pubkeys)
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestFeeRecipientFallsBackToDefault(t *testing.T) {
	k, d, _ := newTestKeymanager(t)
	require.NoError(t, d.Upsert(testPubkey(1), "http://signer-a"))
	require.NoError(t, k.refreshSignerMapping())

	got, err := k.GetFeeRecipient(testPubkey(1))
	require.NoError(t, err)
	assert.Equal(t, "0xdefault", got)
}

func TestSetAndDeleteFeeRecipientOverride(t *testing.T) {
	k, d, _ := newTestKeymanager(t)
	require.NoError(t, d.Upsert(testPubkey(1), "http://signer-a"))
	require.NoError(t, k.refreshSignerMapping())

	require.NoError(t, k.SetFeeRecipient(testPubkey(1), "0xoverride"))
	got, err := k.GetFeeRecipient(testPubkey(1))
	require.NoError(t, err)
	assert.Equal(t, "0xoverride", got)

	require.NoError(t, k.DeleteConfiguredFeeRecipient(testPubkey(1)))
	got, err = k.GetFeeRecipient(testPubkey(1))
	require.NoError(t, err)
	assert.Equal(t, "0xdefault", got)
}

func TestGetFeeRecipientUnknownPubkeyErrors(t *testing.T) {
	k, _, _ := newTestKeymanager(t)
	_, err := k.GetFeeRecipient(testPubkey(1))
	require.Error(t, err)
}

func TestImportRemoteKeysReportsDuplicates(t *testing.T) {
	k, _, _ := newTestKeymanager(t)
	keys := []RemoteKey{{Pubkey: testPubkey(1), URL: "http://signer-a"}}

	results := k.ImportRemoteKeys(keys)
	require.Len(t, results, 1)
	assert.Equal(t, ImportStatusImported, results[0].Status)

	results = k.ImportRemoteKeys(keys)
	require.Len(t, results, 1)
	assert.Equal(t, ImportStatusDuplicate, results[0].Status)

	assert.Len(t, k.PublicKeys(), 1)
}

func TestDeleteRemoteKeysReportsNotFound(t *testing.T) {
	k, d, _ := newTestKeymanager(t)
	require.NoError(t, d.Upsert(testPubkey(1), "http://signer-a"))
	require.NoError(t, k.refreshSignerMapping())

	results := k.DeleteRemoteKeys([]types.Pubkey{testPubkey(1), testPubkey(2)})
	require.Len(t, results, 2)
	assert.Equal(t, DeleteStatusDeleted, results[0].Status)
	assert.Equal(t, DeleteStatusNotFound, results[1].Status)
	assert.Empty(t, k.PublicKeys())
}

func TestSignVoluntaryExitUsesCurrentEpochWhenNilGiven(t *testing.T) {
	k, d, _ := newTestKeymanager(t)
	require.NoError(t, d.Upsert(testPubkey(1), "http://signer-a"))
	require.NoError(t, k.refreshSignerMapping())

	lookup := func(ctx context.Context, pubkey types.Pubkey) (uint64, error) { return 42, nil }
	fork := types.Fork{Name: types.ForkElectra, Version: types.ForkVersion{0x05, 0, 0, 0}}

	_, epoch, index, err := k.SignVoluntaryExit(context.Background(), testPubkey(1), nil, types.Epoch(100), fork, types.Root{}, lookup)
	require.NoError(t, err)
	assert.Equal(t, types.Epoch(100), epoch)
	assert.Equal(t, uint64(42), index)
}
