package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"price-ingest/internal/models"
	"price-ingest/internal/util"
)

// Persistence is the transactional view of the history store the reconciler
// mutates. Every call runs inside the transaction the orchestrator opened.
type Persistence interface {
	FindStoreLocation(ctx context.Context, chainID int64, externalCode string) (*models.StoreLocation, error)
	UpsertStoreLocation(ctx context.Context, loc *models.StoreLocation) error
	FindCurrentObservation(ctx context.Context, storeID int64, productKey string, observed time.Time) (*models.PriceObservation, error)
	InsertObservation(ctx context.Context, obs *models.PriceObservation) error
	SupersedeObservation(ctx context.Context, id int64) error
	// Isolate confines the writes of fn so a failure leaves earlier work intact
	Isolate(ctx context.Context, fn func() error) error
}

// ReconcileInput is the accepted record set of one file
type ReconcileInput struct {
	File   *models.SourceFile
	Stores []models.StoreCandidate
	Prices []models.PriceCandidate
}

// ReconcileResult counts what reconciliation did to the history store
type ReconcileResult struct {
	StoresCreated int
	StoresUpdated int
	Inserted      int
	Superseded    int
	Duplicates    int
	// Collapsed counts rows dropped because a later row of the same file
	// repeated their observation key. They are included in Duplicates.
	Collapsed int
	Errors    []string
}

type mergeAction int

const (
	actionInserted mergeAction = iota
	actionSuperseded
	actionDuplicate
)

// Reconciler merges accepted records into the history store
type Reconciler struct {
	retry  util.RetryPolicy
	logger *zap.Logger
}

// NewReconciler creates a reconciler retrying lost compare-and-supersede
// races according to retry
func NewReconciler(retry util.RetryPolicy) *Reconciler {
	return &Reconciler{
		retry:  retry,
		logger: util.GetLogger(),
	}
}

// Reconcile resolves stores and merges every price candidate. Failures of a
// single store or observation are collected in the result; only transient
// persistence errors and cancellation abort the run, because they leave the
// transaction unusable.
func (r *Reconciler) Reconcile(ctx context.Context, p Persistence, in ReconcileInput) (*ReconcileResult, error) {
	ctx, span := util.StartSpan(ctx, "Reconciler.Reconcile")
	defer span.End()

	res := &ReconcileResult{}
	storeIDs := make(map[string]int64, len(in.Stores))

	for _, c := range mergeStores(in.Stores) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		id, err := r.resolveStore(ctx, p, in.File.ChainID, c, res)
		if err != nil {
			if fatal(err) {
				util.SpanError(span, err)
				return nil, err
			}
			res.Errors = append(res.Errors, fmt.Sprintf("store %s: %v", c.ExternalCode, err))
			continue
		}
		storeIDs[c.ExternalCode] = id
	}

	prices, collapsed := collapsePrices(in.Prices)
	if collapsed > 0 {
		res.Collapsed = collapsed
		res.Duplicates += collapsed
		r.logger.Info("Collapsed repeated observation keys",
			zap.Int64("file_id", in.File.ID),
			zap.Int("rows", collapsed))
	}

	for _, c := range prices {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		storeID, ok := storeIDs[c.StoreCode]
		if !ok {
			res.Errors = append(res.Errors, fmt.Sprintf("%s:%d: store %s is not resolved", c.Member, c.Line, c.StoreCode))
			continue
		}

		action, err := r.mergePrice(ctx, p, observationFrom(c, storeID, in.File.ID))
		if err != nil {
			if fatal(err) {
				util.SpanError(span, err)
				return nil, err
			}
			res.Errors = append(res.Errors, fmt.Sprintf("%s:%d: %v", c.Member, c.Line, err))
			continue
		}

		switch action {
		case actionInserted:
			res.Inserted++
		case actionSuperseded:
			res.Inserted++
			res.Superseded++
		case actionDuplicate:
			res.Duplicates++
		}
	}

	if len(res.Errors) > 0 {
		r.logger.Warn("Reconciliation finished with errors",
			zap.Int64("file_id", in.File.ID),
			zap.Int("errors", len(res.Errors)))
	}
	return res, nil
}

// resolveStore finds or creates the location and refreshes its descriptive
// fields. The identity key is never changed.
func (r *Reconciler) resolveStore(ctx context.Context, p Persistence, chainID int64, c models.StoreCandidate, res *ReconcileResult) (int64, error) {
	var (
		id               int64
		created, updated bool
	)

	err := r.withConflictRetry(ctx, func() error {
		created, updated = false, false
		return p.Isolate(ctx, func() error {
			loc, err := p.FindStoreLocation(ctx, chainID, c.ExternalCode)
			if err != nil {
				return err
			}

			switch {
			case loc == nil:
				loc = &models.StoreLocation{ChainID: chainID, ExternalCode: c.ExternalCode}
				applyDescription(loc, c)
				created = true
			case applyDescription(loc, c):
				updated = true
			default:
				id = loc.ID
				return nil
			}

			if err := p.UpsertStoreLocation(ctx, loc); err != nil {
				return err
			}
			id = loc.ID
			return nil
		})
	})
	if err != nil {
		return 0, err
	}

	if created {
		res.StoresCreated++
	}
	if updated {
		res.StoresUpdated++
	}
	return id, nil
}

// mergePrice applies compare-and-supersede for one observation key
func (r *Reconciler) mergePrice(ctx context.Context, p Persistence, obs *models.PriceObservation) (mergeAction, error) {
	var action mergeAction

	err := r.withConflictRetry(ctx, func() error {
		obs.ID, obs.SupersedesID = 0, nil
		return p.Isolate(ctx, func() error {
			current, err := p.FindCurrentObservation(ctx, obs.StoreID, obs.ProductKey, obs.ObservedDate)
			if err != nil {
				return err
			}

			if current == nil {
				action = actionInserted
				return p.InsertObservation(ctx, obs)
			}

			if current.SamePayload(obs) {
				action = actionDuplicate
				return nil
			}

			if err := p.SupersedeObservation(ctx, current.ID); err != nil {
				return err
			}
			obs.SupersedesID = &current.ID
			action = actionSuperseded
			return p.InsertObservation(ctx, obs)
		})
	})
	return action, err
}

func (r *Reconciler) withConflictRetry(ctx context.Context, fn func() error) error {
	onRetry := func(attempt int, err error) {
		util.ReconcileConflictsTotal.Inc()
		r.logger.Debug("Retrying after reconciliation conflict",
			zap.Int("attempt", attempt),
			zap.Error(err))
	}
	return util.Retry(ctx, r.retry, models.IsConflict, onRetry, fn)
}

// fatal reports errors that leave the transaction unusable
func fatal(err error) bool {
	return models.IsTransient(err) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// mergeStores collapses candidates by external code. Later non-empty
// descriptive fields win.
func mergeStores(cands []models.StoreCandidate) []models.StoreCandidate {
	index := make(map[string]int, len(cands))
	out := make([]models.StoreCandidate, 0, len(cands))

	for _, c := range cands {
		i, ok := index[c.ExternalCode]
		if !ok {
			index[c.ExternalCode] = len(out)
			out = append(out, c)
			continue
		}

		merged := &out[i]
		if c.Address != "" {
			merged.Address = c.Address
		}
		if c.City != "" {
			merged.City = c.City
		}
		if c.PostalCode != "" {
			merged.PostalCode = c.PostalCode
		}
		if c.Type != "" && c.Type != models.StoreTypeOther {
			merged.Type = c.Type
		}
	}
	return out
}

// applyDescription copies the descriptive fields the candidate carries onto
// loc and reports whether anything changed. Empty fields and a generic store
// type never overwrite known values.
func applyDescription(loc *models.StoreLocation, c models.StoreCandidate) bool {
	before := *loc

	if c.Address != "" {
		loc.Address = c.Address
	}
	if c.City != "" {
		loc.City = c.City
	}
	if c.PostalCode != "" {
		loc.PostalCode = c.PostalCode
	}
	if c.Type != "" && (c.Type != models.StoreTypeOther || loc.Type == "") {
		loc.Type = c.Type
	}

	return loc.Address != before.Address || loc.City != before.City ||
		loc.PostalCode != before.PostalCode || loc.Type != before.Type
}

// collapsePrices keeps one candidate per (store, product key, observed date).
// The last occurrence in source order wins and the survivors keep source
// order, so reprocessing a file always merges the same rows.
func collapsePrices(cands []models.PriceCandidate) ([]models.PriceCandidate, int) {
	last := make(map[string]int, len(cands))
	for i := range cands {
		last[priceKey(&cands[i])] = i
	}
	if len(last) == len(cands) {
		return cands, 0
	}

	out := make([]models.PriceCandidate, 0, len(last))
	for i := range cands {
		if last[priceKey(&cands[i])] == i {
			out = append(out, cands[i])
		}
	}
	return out, len(cands) - len(out)
}

func priceKey(c *models.PriceCandidate) string {
	return c.StoreCode + "|" + c.ProductKey() + "|" + c.ObservedDate.Time.Format("2006-01-02")
}

func observationFrom(c models.PriceCandidate, storeID, fileID int64) *models.PriceObservation {
	return &models.PriceObservation{
		StoreID:        storeID,
		SourceFileID:   fileID,
		ProductKey:     c.ProductKey(),
		ProductCode:    c.ProductCode,
		SKU:            c.SKU,
		ProductName:    c.ProductName,
		Brand:          c.Brand,
		NetQuantity:    c.NetQuantity,
		Unit:           c.Unit,
		Category:       c.Category,
		RegularPrice:   c.RegularPrice.Value,
		PromoPrice:     c.PromoPrice.NullDecimal(),
		UnitPrice:      c.UnitPrice.NullDecimal(),
		LowestPrice30d: c.LowestPrice30d.NullDecimal(),
		AnchorPrice:    c.AnchorPrice.NullDecimal(),
		Currency:       c.Currency,
		ObservedDate:   c.ObservedDate.Time,
		IsPromotional:  c.IsPromotional,
	}
}
