// Package keymanager maps pubkeys to the remote signer responsible for
// them, backed by db.DB, and implements the mutation operations the
// Keymanager API exposes: fee-recipient, gas-limit, and graffiti
// overrides, remote-key import/delete, and voluntary-exit signing
// (spec.md §6.3, §8 invariant S5).
package keymanager

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/sentrynode/validator/db"
	"github.com/sentrynode/validator/signing"
	"github.com/sentrynode/validator/types"
)

var log = logrus.WithField("prefix", "keymanager")

// ErrPubkeyNotFound is returned by every operation keyed on a pubkey this
// keymanager doesn't manage -- including a duty that was scheduled before
// a key removal raced it (spec.md §7).
type ErrPubkeyNotFound struct {
	Pubkey types.Pubkey
}

func (e *ErrPubkeyNotFound) Error() string {
	return fmt.Sprintf("pubkey not found: %s", e.Pubkey.Trunc())
}

// Defaults are the CLI-configured fallbacks returned when a pubkey has no
// override recorded.
type Defaults struct {
	FeeRecipient string
	GasLimit     string
	Graffiti     string
}

// SignerFactory constructs a signing.Provider for a given signer base
// URL. Production wiring passes signing.NewRemoteSigner; tests pass a
// fake.
type SignerFactory func(url string) (signing.Provider, error)

// Keymanager owns the pubkey -> signer mapping and the override columns
// of the keymanager DB.
type Keymanager struct {
	db            *db.DB
	newSigner     SignerFactory
	defaults      Defaults

	mu              sync.RWMutex
	pubkeyToSigner  map[types.Pubkey]signing.Provider
	signersByURL    map[string]signing.Provider
}

// New constructs a Keymanager and loads the current pubkey->signer
// mapping from the DB.
func New(d *db.DB, newSigner SignerFactory, defaults Defaults) (*Keymanager, error) {
	k := &Keymanager{
		db:             d,
		newSigner:      newSigner,
		defaults:       defaults,
		pubkeyToSigner: make(map[types.Pubkey]signing.Provider),
		signersByURL:   make(map[string]signing.Provider),
	}
	if err := k.refreshSignerMapping(); err != nil {
		return nil, err
	}
	return k, nil
}

// refreshSignerMapping rebuilds pubkeyToSigner from the DB's current
// rows, reusing already-constructed signers by URL so keys sharing a
// signer don't open redundant connection pools (spec.md §6.3).
func (k *Keymanager) refreshSignerMapping() error {
	records, err := k.db.All()
	if err != nil {
		return err
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	newMapping := make(map[types.Pubkey]signing.Provider, len(records))
	newByURL := make(map[string]signing.Provider)

	for _, r := range records {
		if existing, ok := newByURL[r.URL]; ok {
			newMapping[r.Pubkey] = existing
			continue
		}
		if existing, ok := k.signersByURL[r.URL]; ok {
			newMapping[r.Pubkey] = existing
			newByURL[r.URL] = existing
			continue
		}
		signer, err := k.newSigner(r.URL)
		if err != nil {
			return fmt.Errorf("keymanager: constructing signer for %s: %w", r.URL, err)
		}
		newMapping[r.Pubkey] = signer
		newByURL[r.URL] = signer
	}

	k.pubkeyToSigner = newMapping
	k.signersByURL = newByURL
	return nil
}

// Sign signs a single message on behalf of pubkey.
func (k *Keymanager) Sign(ctx context.Context, msg signing.SignableMessage, pubkey types.Pubkey) (types.Signature, error) {
	k.mu.RLock()
	signer, ok := k.pubkeyToSigner[pubkey]
	k.mu.RUnlock()
	if !ok {
		return types.Signature{}, &ErrPubkeyNotFound{Pubkey: pubkey}
	}
	return signer.Sign(ctx, msg, pubkey)
}

// SignInBatches groups messages by their pubkey's signer and fans each
// group out to that signer's own SignInBatches, dropping (with a warning,
// not an error) any message whose pubkey has no signer -- a key can be
// removed after a duty was already scheduled for it (spec.md §7).
func (k *Keymanager) SignInBatches(ctx context.Context, msgs []signing.SignableMessage, pubkeys []types.Pubkey) ([]signing.SignedResult, error) {
	if len(msgs) != len(pubkeys) {
		return nil, fmt.Errorf("keymanager: number of messages (%d) does not match number of pubkeys (%d)", len(msgs), len(pubkeys))
	}

	type group struct {
		signer   signing.Provider
		msgs     []signing.SignableMessage
		pubkeys  []types.Pubkey
	}
	groups := make(map[signing.Provider]*group)

	k.mu.RLock()
	for i, pk := range pubkeys {
		signer, ok := k.pubkeyToSigner[pk]
		if !ok {
			log.WithField("pubkey", pk.Trunc()).Warn("no signer found - not signing message")
			continue
		}
		g, ok := groups[signer]
		if !ok {
			g = &group{signer: signer}
			groups[signer] = g
		}
		g.msgs = append(g.msgs, msgs[i])
		g.pubkeys = append(g.pubkeys, pk)
	}
	k.mu.RUnlock()

	var all []signing.SignedResult
	for _, g := range groups {
		results, err := g.signer.SignInBatches(ctx, g.msgs, g.pubkeys)
		if err != nil {
			return nil, err
		}
		all = append(all, results...)
	}
	return all, nil
}

// PublicKeys returns every pubkey this keymanager currently manages.
func (k *Keymanager) PublicKeys() []types.Pubkey {
	k.mu.RLock()
	defer k.mu.RUnlock()
	out := make([]types.Pubkey, 0, len(k.pubkeyToSigner))
	for pk := range k.pubkeyToSigner {
		out = append(out, pk)
	}
	return out
}

// signingProvider adapts a Keymanager to signing.Provider: the duty
// services need PublicKeys to take a context and return an error (to
// match RemoteSigner's HTTP-backed implementation), but a local
// keymanager lookup can't actually fail.
type signingProvider struct {
	*Keymanager
}

func (p signingProvider) PublicKeys(ctx context.Context) ([]types.Pubkey, error) {
	return p.Keymanager.PublicKeys(), nil
}

// AsSigningProvider returns a view of k satisfying signing.Provider, for
// wiring into the duty services.
func AsSigningProvider(k *Keymanager) signing.Provider {
	return signingProvider{Keymanager: k}
}
