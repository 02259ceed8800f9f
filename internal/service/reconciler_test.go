package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"price-ingest/internal/models"
	"price-ingest/internal/util"
)

var (
	day        = time.Date(2025, 10, 4, 0, 0, 0, 0, time.UTC)
	fastRetry  = util.RetryPolicy{Attempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
	sourceFile = &models.SourceFile{ID: 7, ChainID: 1, Retailer: "KONZUM", PublicationDate: day}
)

// fakePersistence keeps the history store in memory. Isolate discards the
// writes of a failed unit like a savepoint would.
type fakePersistence struct {
	nextID       int64
	stores       map[string]*models.StoreLocation
	observations []*models.PriceObservation

	insertErr     map[string]error
	supersedeErrs []error
	upserts       int
}

func newFakePersistence() *fakePersistence {
	return &fakePersistence{stores: map[string]*models.StoreLocation{}, insertErr: map[string]error{}}
}

func (f *fakePersistence) FindStoreLocation(_ context.Context, chainID int64, code string) (*models.StoreLocation, error) {
	loc, ok := f.stores[fmt.Sprintf("%d/%s", chainID, code)]
	if !ok {
		return nil, nil
	}
	cp := *loc
	return &cp, nil
}

func (f *fakePersistence) UpsertStoreLocation(_ context.Context, loc *models.StoreLocation) error {
	f.upserts++
	if loc.ID == 0 {
		f.nextID++
		loc.ID = f.nextID
	}
	cp := *loc
	f.stores[fmt.Sprintf("%d/%s", loc.ChainID, loc.ExternalCode)] = &cp
	return nil
}

func (f *fakePersistence) FindCurrentObservation(_ context.Context, storeID int64, key string, observed time.Time) (*models.PriceObservation, error) {
	for _, o := range f.observations {
		if o.StoreID == storeID && o.ProductKey == key && o.ObservedDate.Equal(observed) && o.State == models.ObservationCurrent {
			cp := *o
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakePersistence) InsertObservation(_ context.Context, obs *models.PriceObservation) error {
	if err := f.insertErr[obs.ProductKey]; err != nil {
		return err
	}
	f.nextID++
	obs.ID = f.nextID
	obs.State = models.ObservationCurrent
	cp := *obs
	f.observations = append(f.observations, &cp)
	return nil
}

func (f *fakePersistence) SupersedeObservation(_ context.Context, id int64) error {
	if len(f.supersedeErrs) > 0 {
		err := f.supersedeErrs[0]
		f.supersedeErrs = f.supersedeErrs[1:]
		return err
	}
	for _, o := range f.observations {
		if o.ID == id && o.State == models.ObservationCurrent {
			o.State = models.ObservationSuperseded
			return nil
		}
	}
	return &models.ReconciliationConflict{Key: fmt.Sprint(id)}
}

func (f *fakePersistence) Isolate(_ context.Context, fn func() error) error {
	n := len(f.observations)
	states := make([]models.ObservationState, n)
	for i, o := range f.observations {
		states[i] = o.State
	}

	if err := fn(); err != nil {
		f.observations = f.observations[:n]
		for i, o := range f.observations {
			o.State = states[i]
		}
		return err
	}
	return nil
}

func (f *fakePersistence) current() []*models.PriceObservation {
	var out []*models.PriceObservation
	for _, o := range f.observations {
		if o.State == models.ObservationCurrent {
			out = append(out, o)
		}
	}
	return out
}

func price(code, store, amount string) models.PriceCandidate {
	return models.PriceCandidate{
		Member:       "prices.csv",
		Line:         2,
		StoreCode:    store,
		ProductCode:  code,
		ProductName:  "ČOKOLINO ČOKOLADNI 400G",
		RegularPrice: models.Amount{Raw: amount, Value: decimal.RequireFromString(amount), Present: true, Valid: true},
		Currency:     "EUR",
		ObservedDate: models.DateValue{Time: day, Valid: true},
	}
}

func storeCandidate(code, city string) models.StoreCandidate {
	return models.StoreCandidate{Retailer: "KONZUM", ExternalCode: code, City: city, Type: models.StoreTypeSupermarket}
}

func TestReconcileInsertDuplicateSupersede(t *testing.T) {
	ctx := context.Background()
	p := newFakePersistence()
	r := NewReconciler(fastRetry)

	in := ReconcileInput{
		File:   sourceFile,
		Stores: []models.StoreCandidate{storeCandidate("0201", "ZAGREB")},
		Prices: []models.PriceCandidate{price("3850104047480", "0201", "2.49")},
	}

	res, err := r.Reconcile(ctx, p, in)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Inserted)
	assert.Equal(t, 1, res.StoresCreated)

	// the same file again changes nothing
	res, err = r.Reconcile(ctx, p, in)
	require.NoError(t, err)
	assert.Zero(t, res.Inserted)
	assert.Equal(t, 1, res.Duplicates)
	assert.Zero(t, res.StoresCreated)
	assert.Len(t, p.observations, 1)

	// a correction supersedes the current row
	in.Prices = []models.PriceCandidate{price("3850104047480", "0201", "2.19")}
	res, err = r.Reconcile(ctx, p, in)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Inserted)
	assert.Equal(t, 1, res.Superseded)

	current := p.current()
	require.Len(t, current, 1)
	assert.Equal(t, "2.19", current[0].RegularPrice.String())
	require.NotNil(t, current[0].SupersedesID)
	assert.Equal(t, p.observations[0].ID, *current[0].SupersedesID)
	assert.Equal(t, models.ObservationSuperseded, p.observations[0].State)
}

func TestReconcilePromoFlagIsPartOfPayload(t *testing.T) {
	ctx := context.Background()
	p := newFakePersistence()
	r := NewReconciler(fastRetry)

	c := price("3850104047480", "0201", "2.49")
	in := ReconcileInput{File: sourceFile, Stores: []models.StoreCandidate{storeCandidate("0201", "")}, Prices: []models.PriceCandidate{c}}
	_, err := r.Reconcile(ctx, p, in)
	require.NoError(t, err)

	c.IsPromotional = true
	in.Prices = []models.PriceCandidate{c}
	res, err := r.Reconcile(ctx, p, in)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Superseded)
}

func TestReconcileUpdatesStoreDescription(t *testing.T) {
	ctx := context.Background()
	p := newFakePersistence()
	r := NewReconciler(fastRetry)

	_, err := r.Reconcile(ctx, p, ReconcileInput{File: sourceFile, Stores: []models.StoreCandidate{storeCandidate("0201", "ZAGREB")}})
	require.NoError(t, err)

	res, err := r.Reconcile(ctx, p, ReconcileInput{File: sourceFile, Stores: []models.StoreCandidate{storeCandidate("0201", "ZAGREB")}})
	require.NoError(t, err)
	assert.Zero(t, res.StoresUpdated)
	assert.Equal(t, 1, p.upserts)

	res, err = r.Reconcile(ctx, p, ReconcileInput{File: sourceFile, Stores: []models.StoreCandidate{storeCandidate("0201", "SESVETE")}})
	require.NoError(t, err)
	assert.Equal(t, 1, res.StoresUpdated)

	loc := p.stores["1/0201"]
	assert.Equal(t, "SESVETE", loc.City)
	assert.Equal(t, "0201", loc.ExternalCode)
	assert.Len(t, p.stores, 1)
}

func TestReconcileKeepsKnownStoreFields(t *testing.T) {
	ctx := context.Background()
	p := newFakePersistence()
	r := NewReconciler(fastRetry)

	full := storeCandidate("0201", "ZAGREB")
	full.Address = "Ilica 1"
	full.PostalCode = "10000"
	_, err := r.Reconcile(ctx, p, ReconcileInput{File: sourceFile, Stores: []models.StoreCandidate{full}})
	require.NoError(t, err)

	bare := models.StoreCandidate{Retailer: "KONZUM", ExternalCode: "0201", Type: models.StoreTypeOther}
	res, err := r.Reconcile(ctx, p, ReconcileInput{File: sourceFile, Stores: []models.StoreCandidate{bare}})
	require.NoError(t, err)
	assert.Zero(t, res.StoresUpdated)
	assert.Equal(t, 1, p.upserts)

	loc := p.stores["1/0201"]
	assert.Equal(t, "Ilica 1", loc.Address)
	assert.Equal(t, "ZAGREB", loc.City)
	assert.Equal(t, "10000", loc.PostalCode)
	assert.Equal(t, models.StoreTypeSupermarket, loc.Type)
}

func TestReconcileCollapsesRepeatedKey(t *testing.T) {
	ctx := context.Background()
	p := newFakePersistence()
	r := NewReconciler(fastRetry)

	first := price("3850104047480", "0201", "2.49")
	last := price("3850104047480", "0201", "2.99")
	last.Line = 3
	in := ReconcileInput{
		File:   sourceFile,
		Stores: []models.StoreCandidate{storeCandidate("0201", "ZAGREB")},
		Prices: []models.PriceCandidate{first, price("3850104012345", "0201", "1.29"), last},
	}

	res, err := r.Reconcile(ctx, p, in)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Inserted)
	assert.Equal(t, 1, res.Collapsed)
	assert.Equal(t, 1, res.Duplicates)

	for i := 0; i < 2; i++ {
		res, err = r.Reconcile(ctx, p, in)
		require.NoError(t, err)
		assert.Zero(t, res.Inserted)
		assert.Zero(t, res.Superseded)
		assert.Equal(t, 3, res.Duplicates)
	}

	require.Len(t, p.observations, 2)
	for _, o := range p.current() {
		if o.ProductKey == "3850104047480" {
			assert.Equal(t, "2.99", o.RegularPrice.String())
		}
	}
}

func TestCollapsePricesKeepsSourceOrder(t *testing.T) {
	a := price("1", "0201", "1.00")
	b := price("2", "0201", "2.00")
	a2 := price("1", "0201", "1.50")
	otherStore := price("1", "0202", "1.00")

	out, n := collapsePrices([]models.PriceCandidate{a, b, a2, otherStore})
	assert.Equal(t, 1, n)
	require.Len(t, out, 3)
	assert.Equal(t, "2", out[0].ProductCode)
	assert.Equal(t, "1.50", out[1].RegularPrice.Raw)
	assert.Equal(t, "0202", out[2].StoreCode)

	out, n = collapsePrices([]models.PriceCandidate{a, b})
	assert.Zero(t, n)
	assert.Len(t, out, 2)
}

func TestReconcileIsolatesFailedObservation(t *testing.T) {
	ctx := context.Background()
	p := newFakePersistence()
	p.insertErr["3850104047481"] = errors.New("foreign key violation")
	r := NewReconciler(fastRetry)

	res, err := r.Reconcile(ctx, p, ReconcileInput{
		File:   sourceFile,
		Stores: []models.StoreCandidate{storeCandidate("0201", "")},
		Prices: []models.PriceCandidate{
			price("3850104047480", "0201", "1.00"),
			price("3850104047481", "0201", "2.00"),
			price("3850104047482", "0201", "3.00"),
			price("3850104047483", "9999", "4.00"),
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Inserted)
	require.Len(t, res.Errors, 2)
	assert.Contains(t, res.Errors[0], "foreign key violation")
	assert.Contains(t, res.Errors[1], "store 9999 is not resolved")
	assert.Len(t, p.observations, 2)
}

func TestReconcileRetriesConflicts(t *testing.T) {
	ctx := context.Background()
	p := newFakePersistence()
	r := NewReconciler(fastRetry)

	in := ReconcileInput{
		File:   sourceFile,
		Stores: []models.StoreCandidate{storeCandidate("0201", "")},
		Prices: []models.PriceCandidate{price("3850104047480", "0201", "1.00")},
	}
	_, err := r.Reconcile(ctx, p, in)
	require.NoError(t, err)

	p.supersedeErrs = []error{&models.ReconciliationConflict{Key: "race"}}
	in.Prices = []models.PriceCandidate{price("3850104047480", "0201", "1.10")}
	res, err := r.Reconcile(ctx, p, in)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Superseded)
	assert.Empty(t, res.Errors)
	assert.Len(t, p.current(), 1)

	// conflicts beyond the retry budget are reported, not fatal
	p.supersedeErrs = []error{
		&models.ReconciliationConflict{Key: "race"},
		&models.ReconciliationConflict{Key: "race"},
		&models.ReconciliationConflict{Key: "race"},
	}
	in.Prices = []models.PriceCandidate{price("3850104047480", "0201", "1.20")}
	res, err = r.Reconcile(ctx, p, in)
	require.NoError(t, err)
	assert.Len(t, res.Errors, 1)
	assert.Len(t, p.current(), 1)
}

func TestReconcileAbortsOnTransientError(t *testing.T) {
	ctx := context.Background()
	p := newFakePersistence()
	p.insertErr["3850104047480"] = &models.PersistenceError{Op: "insert", Transient: true, Err: errors.New("connection reset")}
	r := NewReconciler(fastRetry)

	_, err := r.Reconcile(ctx, p, ReconcileInput{
		File:   sourceFile,
		Stores: []models.StoreCandidate{storeCandidate("0201", "")},
		Prices: []models.PriceCandidate{price("3850104047480", "0201", "1.00")},
	})
	assert.True(t, models.IsTransient(err))
}

func TestReconcileStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewReconciler(fastRetry).Reconcile(ctx, newFakePersistence(), ReconcileInput{
		File:   sourceFile,
		Prices: []models.PriceCandidate{price("3850104047480", "0201", "1.00")},
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMergeStores(t *testing.T) {
	merged := mergeStores([]models.StoreCandidate{
		{ExternalCode: "A", City: "ZAGREB", Type: models.StoreTypeSupermarket},
		{ExternalCode: "B", City: "SPLIT"},
		{ExternalCode: "A", Address: "ILICA 1", Type: models.StoreTypeOther},
	})
	require.Len(t, merged, 2)
	assert.Equal(t, "ZAGREB", merged[0].City)
	assert.Equal(t, "ILICA 1", merged[0].Address)
	assert.Equal(t, models.StoreTypeSupermarket, merged[0].Type)
}
