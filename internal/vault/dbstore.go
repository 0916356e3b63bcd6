package vault

import (
	"errors"
	"fmt"

	"github.com/gluk-w/ttyvault/internal/database"
)

const settingPrefix = "master_key."

// DBRecordStore keeps the master key record in the settings table.
type DBRecordStore struct {
	store *database.Store
}

func NewDBRecordStore(store *database.Store) *DBRecordStore {
	return &DBRecordStore{store: store}
}

func (s *DBRecordStore) Exists() (bool, error) {
	_, err := s.store.GetSetting(settingPrefix + fieldHash)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, database.ErrNotFound) {
		return false, nil
	}
	return false, fmt.Errorf("check master key record: %w", err)
}

func (s *DBRecordStore) Load() (*Record, error) {
	ok, err := s.Exists()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNoRecord
	}

	var loadErr error
	rec, err := recordFromFields(func(k string) (string, bool) {
		v, err := s.store.GetSetting(settingPrefix + k)
		if err != nil {
			if !errors.Is(err, database.ErrNotFound) && loadErr == nil {
				loadErr = err
			}
			return "", false
		}
		return v, true
	})
	if loadErr != nil {
		return nil, fmt.Errorf("load master key record: %w", loadErr)
	}
	return rec, err
}

// Save writes all fields in one transaction.
func (s *DBRecordStore) Save(rec *Record) error {
	values := make(map[string]string)
	for k, v := range rec.fields() {
		values[settingPrefix+k] = v
	}
	if err := s.store.SetSettings(values); err != nil {
		return fmt.Errorf("save master key record: %w", err)
	}
	return nil
}
