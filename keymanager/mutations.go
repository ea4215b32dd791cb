package keymanager

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sentrynode/validator/signing"
	"github.com/sentrynode/validator/types"
)

// GetFeeRecipient returns pubkey's overridden fee recipient, falling back
// to the CLI default when no override is recorded (spec.md §6.3, S5).
func (k *Keymanager) GetFeeRecipient(pubkey types.Pubkey) (string, error) {
	rec, ok, err := k.db.Get(pubkey)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", &ErrPubkeyNotFound{Pubkey: pubkey}
	}
	if rec.FeeRecipient != nil && *rec.FeeRecipient != "" {
		return *rec.FeeRecipient, nil
	}
	return k.defaults.FeeRecipient, nil
}

// SetFeeRecipient sets pubkey's fee-recipient override.
func (k *Keymanager) SetFeeRecipient(pubkey types.Pubkey, address string) error {
	if _, ok, err := k.db.Get(pubkey); err != nil {
		return err
	} else if !ok {
		return &ErrPubkeyNotFound{Pubkey: pubkey}
	}
	return k.db.SetFeeRecipient(pubkey, &address)
}

// DeleteConfiguredFeeRecipient clears pubkey's fee-recipient override,
// reverting it to the CLI default.
func (k *Keymanager) DeleteConfiguredFeeRecipient(pubkey types.Pubkey) error {
	if _, ok, err := k.db.Get(pubkey); err != nil {
		return err
	} else if !ok {
		return &ErrPubkeyNotFound{Pubkey: pubkey}
	}
	return k.db.SetFeeRecipient(pubkey, nil)
}

// GetGasLimit returns pubkey's overridden gas limit, falling back to the
// CLI default.
func (k *Keymanager) GetGasLimit(pubkey types.Pubkey) (string, error) {
	rec, ok, err := k.db.Get(pubkey)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", &ErrPubkeyNotFound{Pubkey: pubkey}
	}
	if rec.GasLimit != nil && *rec.GasLimit != "" {
		return *rec.GasLimit, nil
	}
	return k.defaults.GasLimit, nil
}

// SetGasLimit sets pubkey's gas-limit override.
func (k *Keymanager) SetGasLimit(pubkey types.Pubkey, gasLimit string) error {
	if _, ok, err := k.db.Get(pubkey); err != nil {
		return err
	} else if !ok {
		return &ErrPubkeyNotFound{Pubkey: pubkey}
	}
	return k.db.SetGasLimit(pubkey, &gasLimit)
}

// DeleteConfiguredGasLimit clears pubkey's gas-limit override.
func (k *Keymanager) DeleteConfiguredGasLimit(pubkey types.Pubkey) error {
	if _, ok, err := k.db.Get(pubkey); err != nil {
		return err
	} else if !ok {
		return &ErrPubkeyNotFound{Pubkey: pubkey}
	}
	return k.db.SetGasLimit(pubkey, nil)
}

// GetGraffiti returns pubkey's overridden graffiti, falling back to the
// CLI default.
func (k *Keymanager) GetGraffiti(pubkey types.Pubkey) (string, error) {
	rec, ok, err := k.db.Get(pubkey)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", &ErrPubkeyNotFound{Pubkey: pubkey}
	}
	if rec.Graffiti != nil && *rec.Graffiti != "" {
		return *rec.Graffiti, nil
	}
	return k.defaults.Graffiti, nil
}

// SetGraffiti sets pubkey's graffiti override.
func (k *Keymanager) SetGraffiti(pubkey types.Pubkey, graffiti string) error {
	if _, ok, err := k.db.Get(pubkey); err != nil {
		return err
	} else if !ok {
		return &ErrPubkeyNotFound{Pubkey: pubkey}
	}
	return k.db.SetGraffiti(pubkey, &graffiti)
}

// DeleteConfiguredGraffiti clears pubkey's graffiti override.
func (k *Keymanager) DeleteConfiguredGraffiti(pubkey types.Pubkey) error {
	if _, ok, err := k.db.Get(pubkey); err != nil {
		return err
	} else if !ok {
		return &ErrPubkeyNotFound{Pubkey: pubkey}
	}
	return k.db.SetGraffiti(pubkey, nil)
}

// RemoteKey is one (pubkey, signer URL) pair as exposed by the list/import
// keymanager API operations.
type RemoteKey struct {
	Pubkey types.Pubkey
	URL    string
}

// ImportStatus is the per-key outcome of ImportRemoteKeys.
type ImportStatus string

const (
	ImportStatusImported ImportStatus = "imported"
	ImportStatusDuplicate ImportStatus = "duplicate"
	ImportStatusError     ImportStatus = "error"
)

// ImportResult pairs an ImportStatus with an optional message.
type ImportResult struct {
	Status  ImportStatus
	Message string
}

// ListRemoteKeys returns the (pubkey, URL) pairs this keymanager
// currently serves.
func (k *Keymanager) ListRemoteKeys() []RemoteKey {
	k.mu.RLock()
	defer k.mu.RUnlock()
	out := make([]RemoteKey, 0, len(k.pubkeyToSigner))
	for pk := range k.pubkeyToSigner {
		rec, ok, err := k.db.Get(pk)
		if err != nil || !ok {
			continue
		}
		out = append(out, RemoteKey{Pubkey: pk, URL: rec.URL})
	}
	return out
}

// ImportRemoteKeys adds new (pubkey, URL) rows and rebuilds the pubkey ->
// signer mapping afterwards.
func (k *Keymanager) ImportRemoteKeys(keys []RemoteKey) []ImportResult {
	results := make([]ImportResult, len(keys))
	for i, key := range keys {
		if _, ok, err := k.db.Get(key.Pubkey); err != nil {
			results[i] = ImportResult{Status: ImportStatusError, Message: err.Error()}
			continue
		} else if ok {
			results[i] = ImportResult{Status: ImportStatusDuplicate}
			continue
		}
		if err := k.db.Upsert(key.Pubkey, key.URL); err != nil {
			results[i] = ImportResult{Status: ImportStatusError, Message: err.Error()}
			continue
		}
		results[i] = ImportResult{Status: ImportStatusImported}
	}

	if err := k.refreshSignerMapping(); err != nil {
		log.WithError(err).Error("failed to refresh signer mapping after import")
	}
	return results
}

// DeleteStatus is the per-key outcome of DeleteRemoteKeys.
type DeleteStatus string

const (
	DeleteStatusDeleted  DeleteStatus = "deleted"
	DeleteStatusNotFound DeleteStatus = "not_found"
	DeleteStatusError    DeleteStatus = "error"
)

// DeleteResult pairs a DeleteStatus with an optional message.
type DeleteResult struct {
	Status  DeleteStatus
	Message string
}

// DeleteRemoteKeys removes the given pubkeys and rebuilds the pubkey ->
// signer mapping afterwards.
func (k *Keymanager) DeleteRemoteKeys(pubkeys []types.Pubkey) []DeleteResult {
	results := make([]DeleteResult, len(pubkeys))
	for i, pk := range pubkeys {
		if _, ok, err := k.db.Get(pk); err != nil {
			results[i] = DeleteResult{Status: DeleteStatusError, Message: err.Error()}
			continue
		} else if !ok {
			results[i] = DeleteResult{Status: DeleteStatusNotFound}
			continue
		}
		if err := k.db.Delete(pk); err != nil {
			results[i] = DeleteResult{Status: DeleteStatusError, Message: err.Error()}
			continue
		}
		results[i] = DeleteResult{Status: DeleteStatusDeleted}
	}

	if err := k.refreshSignerMapping(); err != nil {
		log.WithError(err).Error("failed to refresh signer mapping after delete")
	}
	return results
}

// ValidatorIndexLookup resolves a pubkey to its current validator index,
// used by SignVoluntaryExit. multibeacon.MultiBeaconNode.GetValidators
// satisfies a narrower surface than this; callers adapt.
type ValidatorIndexLookup func(ctx context.Context, pubkey types.Pubkey) (uint64, error)

// SignVoluntaryExit signs a voluntary exit message for pubkey at epoch
// (or the current epoch if epoch is nil), per spec.md §6.3.
func (k *Keymanager) SignVoluntaryExit(ctx context.Context, pubkey types.Pubkey, epoch *types.Epoch, currentEpoch types.Epoch, fork types.Fork, genesisValidatorsRoot types.Root, lookupIndex ValidatorIndexLookup) (types.Signature, types.Epoch, uint64, error) {
	validatorIndex, err := lookupIndex(ctx, pubkey)
	if err != nil {
		return types.Signature{}, 0, 0, fmt.Errorf("failed to find validator index for pubkey: %s", pubkey)
	}

	e := currentEpoch
	if epoch != nil {
		e = *epoch
	}

	payload, _ := json.Marshal(struct {
		Epoch          string `json:"epoch"`
		ValidatorIndex string `json:"validator_index"`
	}{
		Epoch:          fmt.Sprint(uint64(e)),
		ValidatorIndex: fmt.Sprint(validatorIndex),
	})

	msg := signing.SignableMessage{
		Kind:     signing.KindVoluntaryExit,
		ForkInfo: &signing.ForkInfo{Fork: fork, GenesisValidatorsRoot: genesisValidatorsRoot},
		Payload:  payload,
	}

	sig, err := k.Sign(ctx, msg, pubkey)
	if err != nil {
		return types.Signature{}, 0, 0, err
	}
	return sig, e, validatorIndex, nil
}
