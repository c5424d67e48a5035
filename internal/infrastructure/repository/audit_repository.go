package repository

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/davidleathers/reputation-simulator/internal/domain/audit"
	apperrors "github.com/davidleathers/reputation-simulator/internal/domain/errors"
	"github.com/davidleathers/reputation-simulator/internal/infrastructure/store"
	"github.com/davidleathers/reputation-simulator/internal/service/simulation"
)

// auditRepository persists the decision log as one JSON document, most
// recent entry first, under a single namespaced key.
type auditRepository struct {
	kv  store.KV
	key string
}

// NewAuditRepository creates an audit repository on kv.
func NewAuditRepository(kv store.KV, key string) simulation.AuditRepository {
	return &auditRepository{kv: kv, key: key}
}

// Load returns the persisted entries, or none when nothing was saved yet.
func (r *auditRepository) Load(ctx context.Context) ([]audit.Entry, error) {
	raw, err := r.kv.Get(ctx, r.key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, apperrors.Wrap(err, "failed to read audit log")
	}

	var entries []audit.Entry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, apperrors.Wrap(err, "failed to unmarshal audit log")
	}
	return entries, nil
}

// Save replaces the persisted log with entries.
func (r *auditRepository) Save(ctx context.Context, entries []audit.Entry) error {
	if entries == nil {
		entries = []audit.Entry{}
	}
	raw, err := json.Marshal(entries)
	if err != nil {
		return apperrors.Wrap(err, "failed to marshal audit log")
	}
	if err := r.kv.Set(ctx, r.key, raw); err != nil {
		return apperrors.Wrap(err, "failed to write audit log")
	}
	return nil
}

// Clear removes the persisted log.
func (r *auditRepository) Clear(ctx context.Context) error {
	if err := r.kv.Delete(ctx, r.key); err != nil {
		return apperrors.Wrap(err, "failed to clear audit log")
	}
	return nil
}
