// Package types holds the data model shared across the validator client core:
// identifiers, checkpoints, attestation data, and the typed duty records the
// beacon-node and signing layers exchange. Wire-level (de)serialization lives
// closer to the transport (beacon/, signing/); this package only carries the
// in-memory shapes and their invariants.
package types

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// Slot is a consensus slot number.
type Slot uint64

// Epoch is a consensus epoch number.
type Epoch uint64

// ToEpoch converts a slot to its containing epoch given SlotsPerEpoch.
func (s Slot) ToEpoch(slotsPerEpoch uint64) Epoch {
	if slotsPerEpoch == 0 {
		return 0
	}
	return Epoch(uint64(s) / slotsPerEpoch)
}

// StartSlot returns the first slot of the epoch.
func (e Epoch) StartSlot(slotsPerEpoch uint64) Slot {
	return Slot(uint64(e) * slotsPerEpoch)
}

// Pubkey is a 48-byte BLS public key.
type Pubkey [48]byte

func (p Pubkey) String() string {
	return "0x" + hex.EncodeToString(p[:])
}

// Trunc returns a shortened form suitable for log lines.
func (p Pubkey) Trunc() string {
	s := p.String()
	if len(s) <= 14 {
		return s
	}
	return s[:14] + "..."
}

// MarshalJSON encodes Pubkey the way the Beacon API does: a 0x-prefixed
// hex string.
func (p Pubkey) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

// UnmarshalJSON decodes a 0x-prefixed hex string into Pubkey.
func (p *Pubkey) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	v, err := PubkeyFromHex(s)
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// PubkeyFromHex parses a 0x-prefixed 96-hex-char public key.
func PubkeyFromHex(s string) (Pubkey, error) {
	var p Pubkey
	b, err := decodeFixedHex(s, 48)
	if err != nil {
		return p, fmt.Errorf("pubkey: %w", err)
	}
	copy(p[:], b)
	return p, nil
}

// Signature is a 96-byte BLS signature.
type Signature [96]byte

func (s Signature) String() string {
	return "0x" + hex.EncodeToString(s[:])
}

// MarshalJSON encodes Signature as a 0x-prefixed hex string.
func (s Signature) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON decodes a 0x-prefixed hex string into Signature.
func (s *Signature) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	v, err := SignatureFromHex(str)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// SignatureFromHex parses a 0x-prefixed 192-hex-char signature.
func SignatureFromHex(s string) (Signature, error) {
	var sig Signature
	b, err := decodeFixedHex(s, 96)
	if err != nil {
		return sig, fmt.Errorf("signature: %w", err)
	}
	copy(sig[:], b)
	return sig, nil
}

// Root is a 32-byte hash.
type Root [32]byte

func (r Root) String() string {
	return "0x" + hex.EncodeToString(r[:])
}

// MarshalJSON encodes Root as a 0x-prefixed hex string.
func (r Root) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.String())
}

// UnmarshalJSON decodes a 0x-prefixed hex string into Root.
func (r *Root) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	v, err := RootFromHex(s)
	if err != nil {
		return err
	}
	*r = v
	return nil
}

// RootFromHex parses a 0x-prefixed 64-hex-char root.
func RootFromHex(s string) (Root, error) {
	var r Root
	b, err := decodeFixedHex(s, 32)
	if err != nil {
		return r, fmt.Errorf("root: %w", err)
	}
	copy(r[:], b)
	return r, nil
}

func decodeFixedHex(s string, n int) ([]byte, error) {
	s = strings.TrimPrefix(s, "0x")
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(b) != n {
		return nil, fmt.Errorf("expected %d bytes, got %d", n, len(b))
	}
	return b, nil
}

// ForkVersion is the 4-byte fork version mixed into the signing domain.
type ForkVersion [4]byte

func (v ForkVersion) String() string {
	return "0x" + hex.EncodeToString(v[:])
}

// MarshalJSON encodes ForkVersion as a 0x-prefixed hex string.
func (v ForkVersion) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.String())
}

// UnmarshalJSON decodes a 0x-prefixed hex string into ForkVersion.
func (v *ForkVersion) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	b, err := decodeFixedHex(s, 4)
	if err != nil {
		return fmt.Errorf("fork version: %w", err)
	}
	copy(v[:], b)
	return nil
}

// ForkName is one of the closed set of fork names this core understands.
type ForkName string

const (
	ForkElectra ForkName = "electra"
	ForkFulu    ForkName = "fulu"
	ForkGloas   ForkName = "gloas"
)

// Fork describes one entry of the ordered fork-activation table (§3).
type Fork struct {
	Name            ForkName
	Version         ForkVersion
	ActivationEpoch Epoch

	// PreviousVersion is the version of the fork that preceded this one
	// in the activation table, or Version itself for the genesis fork.
	// It has no bearing on domain computation here (remote signers derive
	// the domain themselves from fork_info) but is required to populate
	// the wire-level fork_info.fork.previous_version field.
	PreviousVersion ForkVersion
}
