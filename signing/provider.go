package signing

import (
	"context"

	"github.com/sentrynode/validator/types"
)

// SignedResult pairs a request with the signature the signer returned for
// it, keeping them together the way sign_in_batches returns (message,
// signature, identifier) tuples so callers can zip results back onto
// their inputs without assuming order is preserved.
type SignedResult struct {
	Message   SignableMessage
	Pubkey    types.Pubkey
	Signature types.Signature
}

// Provider signs messages on behalf of a set of public keys. RemoteSigner
// (web3signer over HTTP) and a local Keymanager both implement it
// (spec.md §4.5).
type Provider interface {
	PublicKeys(ctx context.Context) ([]types.Pubkey, error)
	Sign(ctx context.Context, msg SignableMessage, pubkey types.Pubkey) (types.Signature, error)
	SignInBatches(ctx context.Context, msgs []SignableMessage, pubkeys []types.Pubkey) ([]SignedResult, error)
}
