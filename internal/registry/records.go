package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/ipsix/forseti/internal/engine"
	"github.com/ipsix/forseti/internal/storage"
)

// InstallRecord is the persisted metadata of one installed engine.
type InstallRecord struct {
	Identity    engine.Identity `json:"identity"`
	SourceKind  string          `json:"source_kind"`
	Locator     string          `json:"locator"`
	// Pin is the requested version or ref; Version is what it resolved to.
	Pin         string          `json:"pin,omitempty"`
	Version     string          `json:"version"`
	Method      string          `json:"method,omitempty"`
	Checksum    string          `json:"sha256"`
	Path        string          `json:"path"`
	InstalledAt time.Time       `json:"installed_at"`
}

type Records struct {
	store storage.Store
}

func NewRecords(store storage.Store) *Records {
	return &Records{store: store}
}

// Save overwrites any previous record of the same identity.
func (r *Records) Save(rec InstallRecord) error {
	if err := rec.Identity.Validate(); err != nil {
		return err
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode install record: %w", err)
	}
	return r.store.Put(storage.BucketInstalls, rec.Identity.Key(), raw)
}

// Get returns the record stored under key (kind_id), or ErrNotFound.
func (r *Records) Get(key string) (InstallRecord, error) {
	raw, err := r.store.Get(storage.BucketInstalls, key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return InstallRecord{}, ErrNotFound
		}
		return InstallRecord{}, err
	}
	var rec InstallRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return InstallRecord{}, fmt.Errorf("decode install record %s: %w", key, err)
	}
	return rec, nil
}

func (r *Records) Delete(key string) error {
	return r.store.Delete(storage.BucketInstalls, key)
}

func (r *Records) List() ([]InstallRecord, error) {
	var out []InstallRecord
	err := r.store.ForEach(storage.BucketInstalls, func(key, value []byte) error {
		var rec InstallRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			return fmt.Errorf("decode install record %s: %w", key, err)
		}
		out = append(out, rec)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity.Key() < out[j].Identity.Key() })
	return out, nil
}
