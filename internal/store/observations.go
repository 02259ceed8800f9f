package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"price-ingest/internal/models"
)

const observationColumns = `o.id, o.store_id, o.source_file_id, o.product_key, o.product_code, o.sku,
	o.product_name, o.brand, o.net_quantity, o.unit, o.category, o.regular_price, o.promo_price,
	o.unit_price, o.lowest_price_30d, o.anchor_price, o.currency, o.observed_date, o.is_promotional,
	o.state, o.supersedes_id, o.superseded_at, o.created_at`

// rejectionBatch bounds the rows of one multi-row INSERT
const rejectionBatch = 200

// FindCurrentObservation returns the CURRENT observation for the key, or nil.
// On PostgreSQL and MySQL the row stays locked until the transaction ends.
func (t *Tx) FindCurrentObservation(ctx context.Context, storeID int64, productKey string, observed time.Time) (*models.PriceObservation, error) {
	var obs models.PriceObservation
	err := t.tx.GetContext(ctx, &obs, t.tx.Rebind(`
		SELECT `+observationColumns+`
		FROM price_observations o
		WHERE o.store_id = ? AND o.product_key = ? AND o.observed_date = ? AND o.state = ?`+t.lockClause()),
		storeID, productKey, dateParam(observed), string(models.ObservationCurrent))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, classify("find current observation", err)
	}
	return &obs, nil
}

// InsertObservation stores obs as the CURRENT observation of its key. A
// concurrent CURRENT row for the same key surfaces as a ReconciliationConflict.
func (t *Tx) InsertObservation(ctx context.Context, obs *models.PriceObservation) error {
	obs.State = models.ObservationCurrent

	id, err := insertID(ctx, t.tx, t.returning(), `
		INSERT INTO price_observations (store_id, source_file_id, product_key, product_code, sku,
			product_name, brand, net_quantity, unit, category, regular_price, promo_price, unit_price,
			lowest_price_30d, anchor_price, currency, observed_date, is_promotional, state, supersedes_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		obs.StoreID, obs.SourceFileID, obs.ProductKey, obs.ProductCode, obs.SKU,
		obs.ProductName, obs.Brand, obs.NetQuantity, obs.Unit, obs.Category,
		obs.RegularPrice, obs.PromoPrice, obs.UnitPrice, obs.LowestPrice30d, obs.AnchorPrice,
		obs.Currency, dateParam(obs.ObservedDate), obs.IsPromotional, string(obs.State), obs.SupersedesID)
	if err != nil {
		if isUniqueViolation(err) {
			return &models.ReconciliationConflict{Key: observationKey(obs)}
		}
		return classify("insert observation", err)
	}

	obs.ID = id
	obs.CreatedAt = time.Now().UTC()
	return nil
}

// SupersedeObservation retires a CURRENT observation. It only succeeds when
// the row is still CURRENT; otherwise another writer won and a
// ReconciliationConflict is returned.
func (t *Tx) SupersedeObservation(ctx context.Context, id int64) error {
	res, err := t.tx.ExecContext(ctx, t.tx.Rebind(`
		UPDATE price_observations
		SET state = ?, superseded_at = CURRENT_TIMESTAMP
		WHERE id = ? AND state = ?`),
		string(models.ObservationSuperseded), id, string(models.ObservationCurrent))
	if err != nil {
		return classify("supersede observation", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return classify("supersede observation", err)
	}
	if n == 0 {
		return &models.ReconciliationConflict{Key: fmt.Sprintf("observation %d", id)}
	}
	return nil
}

// InsertRejections stores the diagnostic records of a file
func (t *Tx) InsertRejections(ctx context.Context, fileID int64, rejections []models.ValidationRejection) error {
	for start := 0; start < len(rejections); start += rejectionBatch {
		end := min(start+rejectionBatch, len(rejections))
		batch := make([]models.ValidationRejection, end-start)
		copy(batch, rejections[start:end])
		for i := range batch {
			batch[i].SourceFileID = fileID
		}

		_, err := t.tx.NamedExecContext(ctx, `
			INSERT INTO validation_rejections (source_file_id, member, line, rule, reason, record)
			VALUES (:source_file_id, :member, :line, :rule, :reason, :record)`, batch)
		if err != nil {
			return classify("insert rejections", err)
		}
	}
	return nil
}

// CurrentPrice returns the latest CURRENT observation of a product at a store
func (s *Store) CurrentPrice(ctx context.Context, retailer, storeCode, productKey string) (*models.PriceObservation, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var obs models.PriceObservation
	err := s.db.GetContext(ctx, &obs, s.db.Rebind(`
		SELECT `+observationColumns+`
		FROM price_observations o
		JOIN store_locations l ON l.id = o.store_id
		JOIN chains c ON c.id = l.chain_id
		WHERE c.code = ? AND l.external_code = ? AND o.product_key = ? AND o.state = ?
		ORDER BY o.observed_date DESC
		LIMIT 1`), retailer, storeCode, productKey, string(models.ObservationCurrent))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("price of %s at %s/%s: %w", productKey, retailer, storeCode, models.ErrNotFound)
	}
	if err != nil {
		return nil, classify("current price", err)
	}
	return &obs, nil
}

// PriceHistory returns every observation of a product at a store, newest
// first, superseded rows included.
func (s *Store) PriceHistory(ctx context.Context, retailer, storeCode, productKey string, limit int) ([]models.PriceObservation, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	history := []models.PriceObservation{}
	err := s.db.SelectContext(ctx, &history, s.db.Rebind(`
		SELECT `+observationColumns+`
		FROM price_observations o
		JOIN store_locations l ON l.id = o.store_id
		JOIN chains c ON c.id = l.chain_id
		WHERE c.code = ? AND l.external_code = ? AND o.product_key = ?
		ORDER BY o.observed_date DESC, o.id DESC
		LIMIT ?`), retailer, storeCode, productKey, limit)
	if err != nil {
		return nil, classify("price history", err)
	}
	return history, nil
}

// GetRejections lists the rejections recorded for a file
func (s *Store) GetRejections(ctx context.Context, fileID int64) ([]models.ValidationRejection, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	rejections := []models.ValidationRejection{}
	err := s.db.SelectContext(ctx, &rejections, s.db.Rebind(`
		SELECT id, source_file_id, member, line, rule, reason, record, created_at
		FROM validation_rejections
		WHERE source_file_id = ?
		ORDER BY id`), fileID)
	if err != nil {
		return nil, classify("list rejections", err)
	}
	return rejections, nil
}

// CountCurrent counts the CURRENT observations of a key
func (s *Store) CountCurrent(ctx context.Context, storeID int64, productKey string, observed time.Time) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, s.db.Rebind(`
		SELECT COUNT(*) FROM price_observations
		WHERE store_id = ? AND product_key = ? AND observed_date = ? AND state = ?`),
		storeID, productKey, dateParam(observed), string(models.ObservationCurrent))
	return n, err
}

func observationKey(obs *models.PriceObservation) string {
	return fmt.Sprintf("%d/%s/%s", obs.StoreID, obs.ProductKey, dateParam(obs.ObservedDate))
}
