// Package store persists the small device-state key space shared between
// coordinator instances: identity credentials, the logout epoch and the
// permanent-disable flag. It is the state the stale-instance guard compares
// its startup snapshot against.
package store

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// Persisted keys.
const (
	KeyIdentityToken         = "identity_token"
	KeyTenantCode            = "tenant_code"
	KeyLogoutEpochMillis     = "logout_epoch_millis"
	KeyPermanentDisableFlag  = "permanent_disable_flag"
	KeyPermanentDisableEpoch = "permanent_disable_epoch"
)

// Snapshot is a point-in-time copy of the persisted device state.
type Snapshot struct {
	IdentityToken    string
	TenantCode       string
	LogoutEpoch      int64 // unix millis of the most recent logout, 0 if never
	PermanentDisable bool
	DisableEpoch     int64 // unix millis when the disable flag was set
}

// HasCredentials reports whether both identity fields are present.
func (s Snapshot) HasCredentials() bool {
	return s.IdentityToken != "" && s.TenantCode != ""
}

// DeviceStore is a badger-backed key-value store for device state.
type DeviceStore struct {
	db *badger.DB
}

// Options configures Open.
type Options struct {
	// Path is the directory for the store. Ignored when InMemory is set.
	Path string
	// InMemory disables disk persistence; used by tests.
	InMemory bool
}

// Open opens (creating if needed) the device store.
func Open(opts Options) (*DeviceStore, error) {
	bopts := badger.DefaultOptions(opts.Path)
	bopts = bopts.WithLogger(nil)
	if opts.InMemory {
		bopts = bopts.WithInMemory(true).WithDir("").WithValueDir("")
	}

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open device store: %w", err)
	}
	return &DeviceStore{db: db}, nil
}

// Close releases the underlying database.
func (d *DeviceStore) Close() error {
	return d.db.Close()
}

// get returns the raw value for key, or "" when absent.
func (d *DeviceStore) get(key string) (string, error) {
	var val string
	err := d.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			val = string(v)
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read %s: %w", key, err)
	}
	return val, nil
}

func (d *DeviceStore) set(key, val string) error {
	err := d.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), []byte(val))
	})
	if err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

func (d *DeviceStore) delete(keys ...string) error {
	err := d.db.Update(func(txn *badger.Txn) error {
		for _, k := range keys {
			if err := txn.Delete([]byte(k)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete keys: %w", err)
	}
	return nil
}

// Identity returns the persisted identity token and tenant code.
func (d *DeviceStore) Identity() (token, tenant string, err error) {
	if token, err = d.get(KeyIdentityToken); err != nil {
		return "", "", err
	}
	if tenant, err = d.get(KeyTenantCode); err != nil {
		return "", "", err
	}
	return token, tenant, nil
}

// SetIdentity persists the identity token and tenant code.
func (d *DeviceStore) SetIdentity(token, tenant string) error {
	if err := d.set(KeyIdentityToken, token); err != nil {
		return err
	}
	return d.set(KeyTenantCode, tenant)
}

// LogoutEpoch returns the unix-millis timestamp of the last recorded logout.
func (d *DeviceStore) LogoutEpoch() (int64, error) {
	return d.getInt64(KeyLogoutEpochMillis)
}

// MarkLogout records now as the logout epoch. Only the stale-instance guard
// and the logout orchestrator call this.
func (d *DeviceStore) MarkLogout(at time.Time) error {
	return d.set(KeyLogoutEpochMillis, strconv.FormatInt(at.UnixMilli(), 10))
}

// SetPermanentDisable sets or clears the permanent-disable flag, stamping the
// disable epoch when setting.
func (d *DeviceStore) SetPermanentDisable(disabled bool, at time.Time) error {
	if !disabled {
		return d.delete(KeyPermanentDisableFlag, KeyPermanentDisableEpoch)
	}
	if err := d.set(KeyPermanentDisableFlag, "1"); err != nil {
		return err
	}
	return d.set(KeyPermanentDisableEpoch, strconv.FormatInt(at.UnixMilli(), 10))
}

func (d *DeviceStore) getInt64(key string) (int64, error) {
	raw, err := d.get(key)
	if err != nil {
		return 0, err
	}
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return n, nil
}

// Snapshot reads the full persisted key space in one transaction-consistent
// pass.
func (d *DeviceStore) Snapshot() (Snapshot, error) {
	var snap Snapshot
	err := d.db.View(func(txn *badger.Txn) error {
		read := func(key string) (string, error) {
			item, err := txn.Get([]byte(key))
			if errors.Is(err, badger.ErrKeyNotFound) {
				return "", nil
			}
			if err != nil {
				return "", err
			}
			var v string
			err = item.Value(func(b []byte) error {
				v = string(b)
				return nil
			})
			return v, err
		}

		var err error
		if snap.IdentityToken, err = read(KeyIdentityToken); err != nil {
			return err
		}
		if snap.TenantCode, err = read(KeyTenantCode); err != nil {
			return err
		}
		raw, err := read(KeyLogoutEpochMillis)
		if err != nil {
			return err
		}
		if raw != "" {
			if snap.LogoutEpoch, err = strconv.ParseInt(raw, 10, 64); err != nil {
				return fmt.Errorf("parse %s: %w", KeyLogoutEpochMillis, err)
			}
		}
		flag, err := read(KeyPermanentDisableFlag)
		if err != nil {
			return err
		}
		snap.PermanentDisable = flag == "1"
		raw, err = read(KeyPermanentDisableEpoch)
		if err != nil {
			return err
		}
		if raw != "" {
			if snap.DisableEpoch, err = strconv.ParseInt(raw, 10, 64); err != nil {
				return fmt.Errorf("parse %s: %w", KeyPermanentDisableEpoch, err)
			}
		}
		return nil
	})
	if err != nil {
		return Snapshot{}, fmt.Errorf("snapshot device state: %w", err)
	}
	return snap, nil
}

// Purge removes every persisted key. Used by the logout orchestrator's
// data-purge phase; safe to call on an already-empty store.
func (d *DeviceStore) Purge() error {
	return d.delete(
		KeyIdentityToken,
		KeyTenantCode,
		KeyPermanentDisableFlag,
		KeyPermanentDisableEpoch,
	)
}

// Empty reports whether no identity material remains. The logout epoch is
// intentionally kept across purges so newer instances can detect the logout.
func (d *DeviceStore) Empty() (bool, error) {
	token, tenant, err := d.Identity()
	if err != nil {
		return false, err
	}
	return token == "" && tenant == "", nil
}
