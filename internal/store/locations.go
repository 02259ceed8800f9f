package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"price-ingest/internal/models"
)

const locationColumns = `id, chain_id, external_code, address, city, postal_code, store_type, created_at, updated_at`

// FindStoreLocation returns the location with the given identity, or nil when absent
func (t *Tx) FindStoreLocation(ctx context.Context, chainID int64, externalCode string) (*models.StoreLocation, error) {
	var loc models.StoreLocation
	err := t.tx.GetContext(ctx, &loc, t.tx.Rebind(`
		SELECT `+locationColumns+`
		FROM store_locations
		WHERE chain_id = ? AND external_code = ?`+t.lockClause()), chainID, externalCode)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, classify("find store location", err)
	}
	return &loc, nil
}

// UpsertStoreLocation inserts loc when it has no ID yet, otherwise updates its
// descriptive fields. The identity key is never rewritten. A concurrent
// insert of the same identity surfaces as a ReconciliationConflict.
func (t *Tx) UpsertStoreLocation(ctx context.Context, loc *models.StoreLocation) error {
	now := time.Now().UTC()

	if loc.ID == 0 {
		id, err := insertID(ctx, t.tx, t.returning(), `
			INSERT INTO store_locations (chain_id, external_code, address, city, postal_code, store_type)
			VALUES (?, ?, ?, ?, ?, ?)`,
			loc.ChainID, loc.ExternalCode, loc.Address, loc.City, loc.PostalCode, string(loc.Type))
		if err != nil {
			if isUniqueViolation(err) {
				return &models.ReconciliationConflict{Key: fmt.Sprintf("store %d/%s", loc.ChainID, loc.ExternalCode)}
			}
			return classify("insert store location", err)
		}
		loc.ID = id
		loc.CreatedAt = now
		loc.UpdatedAt = now
		return nil
	}

	_, err := t.tx.ExecContext(ctx, t.tx.Rebind(`
		UPDATE store_locations
		SET address = ?, city = ?, postal_code = ?, store_type = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`),
		loc.Address, loc.City, loc.PostalCode, string(loc.Type), loc.ID)
	if err != nil {
		return classify("update store location", err)
	}
	loc.UpdatedAt = now
	return nil
}

// GetStoreLocation reads a location by chain code and external code
func (s *Store) GetStoreLocation(ctx context.Context, retailer, externalCode string) (*models.StoreLocation, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var loc models.StoreLocation
	err := s.db.GetContext(ctx, &loc, s.db.Rebind(`
		SELECT l.id, l.chain_id, l.external_code, l.address, l.city, l.postal_code, l.store_type, l.created_at, l.updated_at
		FROM store_locations l JOIN chains c ON c.id = l.chain_id
		WHERE c.code = ? AND l.external_code = ?`), retailer, externalCode)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("store %s/%s: %w", retailer, externalCode, models.ErrNotFound)
	}
	if err != nil {
		return nil, classify("get store location", err)
	}
	return &loc, nil
}

// GetStoreLocations lists the locations of a chain
func (s *Store) GetStoreLocations(ctx context.Context, retailer string) ([]models.StoreLocation, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	locs := []models.StoreLocation{}
	err := s.db.SelectContext(ctx, &locs, s.db.Rebind(`
		SELECT l.id, l.chain_id, l.external_code, l.address, l.city, l.postal_code, l.store_type, l.created_at, l.updated_at
		FROM store_locations l JOIN chains c ON c.id = l.chain_id
		WHERE c.code = ?
		ORDER BY l.external_code`), retailer)
	if err != nil {
		return nil, classify("list store locations", err)
	}
	return locs, nil
}
