// Package dutycache persists fetched duties to disk so a restarted
// validator client doesn't need to wait out a full epoch of re-fetching
// before it can perform any duties (spec.md §4.8, "warm start").
package dutycache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sentrynode/validator/types"
)

const (
	attesterDutiesFile   = "cache_attester_duties.json"
	attesterDepRootsFile = "cache_attester_dependent_roots.json"
	proposerDutiesFile   = "cache_proposer_duties.json"
	proposerDepRootsFile = "cache_proposer_dependent_roots.json"
	syncDutiesFile       = "cache_sync_duties.json"
)

// Cache reads and writes duty snapshots under a single data directory.
type Cache struct {
	dataDir string
}

// New constructs a Cache rooted at dataDir. The directory is created on
// first save if it doesn't already exist.
func New(dataDir string) *Cache {
	return &Cache{dataDir: dataDir}
}

func (c *Cache) path(name string) string {
	return filepath.Join(c.dataDir, name)
}

func loadJSON(path string, v any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("decoding %s: %w", path, err)
	}
	return nil
}

func saveJSON(path string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", path, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating directory for %s: %w", path, err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

// LoadAttesterDuties loads the last-saved attester duty snapshot.
func (c *Cache) LoadAttesterDuties() (map[types.Epoch][]types.AttesterDutyWithSelectionProof, map[types.Epoch]types.Root, error) {
	duties := make(map[types.Epoch][]types.AttesterDutyWithSelectionProof)
	if err := loadJSON(c.path(attesterDutiesFile), &duties); err != nil {
		return nil, nil, err
	}
	roots := make(map[types.Epoch]types.Root)
	if err := loadJSON(c.path(attesterDepRootsFile), &roots); err != nil {
		return nil, nil, err
	}
	return duties, roots, nil
}

// SaveAttesterDuties persists an attester duty snapshot.
func (c *Cache) SaveAttesterDuties(duties map[types.Epoch][]types.AttesterDutyWithSelectionProof, roots map[types.Epoch]types.Root) error {
	if err := saveJSON(c.path(attesterDutiesFile), duties); err != nil {
		return err
	}
	return saveJSON(c.path(attesterDepRootsFile), roots)
}

// LoadProposerDuties loads the last-saved proposer duty snapshot.
func (c *Cache) LoadProposerDuties() (map[types.Epoch][]types.ProposerDuty, map[types.Epoch]types.Root, error) {
	duties := make(map[types.Epoch][]types.ProposerDuty)
	if err := loadJSON(c.path(proposerDutiesFile), &duties); err != nil {
		return nil, nil, err
	}
	roots := make(map[types.Epoch]types.Root)
	if err := loadJSON(c.path(proposerDepRootsFile), &roots); err != nil {
		return nil, nil, err
	}
	return duties, roots, nil
}

// SaveProposerDuties persists a proposer duty snapshot.
func (c *Cache) SaveProposerDuties(duties map[types.Epoch][]types.ProposerDuty, roots map[types.Epoch]types.Root) error {
	if err := saveJSON(c.path(proposerDutiesFile), duties); err != nil {
		return err
	}
	return saveJSON(c.path(proposerDepRootsFile), roots)
}

// LoadSyncDuties loads the last-saved sync committee duty snapshot, keyed
// by sync committee period.
func (c *Cache) LoadSyncDuties() (map[types.Epoch][]types.SyncDuty, error) {
	duties := make(map[types.Epoch][]types.SyncDuty)
	if err := loadJSON(c.path(syncDutiesFile), &duties); err != nil {
		return nil, err
	}
	return duties, nil
}

// SaveSyncDuties persists a sync committee duty snapshot.
func (c *Cache) SaveSyncDuties(duties map[types.Epoch][]types.SyncDuty) error {
	return saveJSON(c.path(syncDutiesFile), duties)
}
