// Package db implements the keymanager's persistent store (spec.md
// §6.3): a single SQLite file tracking, per pubkey, which signer URL
// serves it and any per-validator fee-recipient/gas-limit/graffiti
// overrides applied through the keymanager API.
package db

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/sentrynode/validator/types"
)

// schemaVersion is the current db_version row value. Bump it and add a
// migration in migrations() when the schema changes.
const schemaVersion = 1

// DB wraps the keymanager SQLite store.
type DB struct {
	sql *sql.DB
}

// Open opens (creating if absent) the SQLite file at path and runs any
// pending migrations. WAL journaling is enabled as the very first
// migration, in its own autocommit statement -- PRAGMA journal_mode=WAL
// cannot run inside a transaction (spec.md §6.3).
func Open(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("db: opening %s: %w", path, err)
	}
	sqlDB.SetMaxOpenConns(1) // SQLite allows only one writer; serialize through one conn

	d := &DB{sql: sqlDB}
	if err := d.migrate(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return d, nil
}

func (d *DB) Close() error { return d.sql.Close() }

func (d *DB) migrate() error {
	if _, err := d.sql.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return fmt.Errorf("db: enabling WAL journal mode: %w", err)
	}

	if _, err := d.sql.Exec(`CREATE TABLE IF NOT EXISTS db_version (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("db: creating db_version table: %w", err)
	}

	var version int
	row := d.sql.QueryRow(`SELECT version FROM db_version LIMIT 1`)
	switch err := row.Scan(&version); {
	case err == sql.ErrNoRows:
		version = 0
	case err != nil:
		return fmt.Errorf("db: reading db_version: %w", err)
	}

	for v := version; v < schemaVersion; v++ {
		if err := migrations[v](d.sql); err != nil {
			return fmt.Errorf("db: running migration %d: %w", v, err)
		}
	}

	if version == 0 {
		if _, err := d.sql.Exec(`INSERT INTO db_version (version) VALUES (?)`, schemaVersion); err != nil {
			return fmt.Errorf("db: recording schema version: %w", err)
		}
	} else if version < schemaVersion {
		if _, err := d.sql.Exec(`UPDATE db_version SET version = ?`, schemaVersion); err != nil {
			return fmt.Errorf("db: updating schema version: %w", err)
		}
	}
	return nil
}

var migrations = []func(*sql.DB) error{
	func(db *sql.DB) error {
		_, err := db.Exec(`
			CREATE TABLE IF NOT EXISTS keymanager_data (
				pubkey        TEXT PRIMARY KEY,
				url           TEXT NOT NULL,
				fee_recipient TEXT NULL,
				gas_limit     TEXT NULL,
				graffiti      TEXT NULL
			)`)
		return err
	},
}

// Record is one row of keymanager_data.
type Record struct {
	Pubkey       types.Pubkey
	URL          string
	FeeRecipient *string
	GasLimit     *string
	Graffiti     *string
}

// Upsert inserts or replaces the signer URL for pubkey. Mutation columns
// (fee_recipient, gas_limit, graffiti) are left untouched if the row
// already exists.
func (d *DB) Upsert(pubkey types.Pubkey, url string) error {
	_, err := d.sql.Exec(`
		INSERT INTO keymanager_data (pubkey, url) VALUES (?, ?)
		ON CONFLICT(pubkey) DO UPDATE SET url = excluded.url`,
		pubkey.String(), url)
	return err
}

// Delete removes pubkey's row entirely (used when a key is removed via
// the keymanager API).
func (d *DB) Delete(pubkey types.Pubkey) error {
	_, err := d.sql.Exec(`DELETE FROM keymanager_data WHERE pubkey = ?`, pubkey.String())
	return err
}

// Get fetches a single record, or (Record{}, false, nil) if absent.
func (d *DB) Get(pubkey types.Pubkey) (Record, bool, error) {
	row := d.sql.QueryRow(`SELECT pubkey, url, fee_recipient, gas_limit, graffiti FROM keymanager_data WHERE pubkey = ?`, pubkey.String())
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	return rec, true, nil
}

// All returns every record in the table.
func (d *DB) All() ([]Record, error) {
	rows, err := d.sql.Query(`SELECT pubkey, url, fee_recipient, gas_limit, graffiti FROM keymanager_data`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (Record, error) {
	var pubkeyHex, url string
	var feeRecipient, gasLimit, graffiti sql.NullString
	if err := s.Scan(&pubkeyHex, &url, &feeRecipient, &gasLimit, &graffiti); err != nil {
		return Record{}, err
	}
	pubkey, err := types.PubkeyFromHex(pubkeyHex)
	if err != nil {
		return Record{}, err
	}
	rec := Record{Pubkey: pubkey, URL: url}
	if feeRecipient.Valid {
		rec.FeeRecipient = &feeRecipient.String
	}
	if gasLimit.Valid {
		rec.GasLimit = &gasLimit.String
	}
	if graffiti.Valid {
		rec.Graffiti = &graffiti.String
	}
	return rec, nil
}

// SetFeeRecipient sets or clears (value == nil) the fee-recipient override
// for pubkey.
func (d *DB) SetFeeRecipient(pubkey types.Pubkey, value *string) error {
	_, err := d.sql.Exec(`UPDATE keymanager_data SET fee_recipient = ? WHERE pubkey = ?`, value, pubkey.String())
	return err
}

// SetGasLimit sets or clears the gas-limit override for pubkey.
func (d *DB) SetGasLimit(pubkey types.Pubkey, value *string) error {
	_, err := d.sql.Exec(`UPDATE keymanager_data SET gas_limit = ? WHERE pubkey = ?`, value, pubkey.String())
	return err
}

// SetGraffiti sets or clears the graffiti override for pubkey.
func (d *DB) SetGraffiti(pubkey types.Pubkey, value *string) error {
	_, err := d.sql.Exec(`UPDATE keymanager_data SET graffiti = ? WHERE pubkey = ?`, value, pubkey.String())
	return err
}
