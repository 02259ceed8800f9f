package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"price-ingest/internal/adapter"
	"price-ingest/internal/decoder"
	"price-ingest/internal/models"
	"price-ingest/internal/normalize"
	"price-ingest/internal/profile"
	"price-ingest/internal/store"
	"price-ingest/internal/util"
	"price-ingest/internal/validate"
)

// Locker serializes work on one file across processes
type Locker interface {
	AcquireFileLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	ReleaseFileLock(ctx context.Context, key string) error
}

// Options tunes the orchestrator
type Options struct {
	// Parallelism is the number of files processed at once by RunBatch
	Parallelism int
	// RowWorkers is the number of members decoded and normalized at once
	RowWorkers int
	Limits     decoder.Limits
	LockTTL    time.Duration
	Retry      util.RetryPolicy
}

// Orchestrator drives source files through decode, normalize, validate and
// reconcile, recording each file's status as it goes.
type Orchestrator struct {
	profiles   *profile.Registry
	adapters   *adapter.Registry
	store      *store.Store
	reconciler *Reconciler
	validator  *validate.Validator
	events     Events
	locker     Locker
	opts       Options
	logger     *zap.Logger
}

// NewOrchestrator creates an orchestrator. events and locker may be nil.
func NewOrchestrator(
	profiles *profile.Registry,
	store *store.Store,
	events Events,
	locker Locker,
	opts Options,
) (*Orchestrator, error) {
	adapters, err := adapter.NewRegistry(profiles)
	if err != nil {
		return nil, err
	}
	if events == nil {
		events = NewLogEvents()
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = 4
	}
	if opts.RowWorkers <= 0 {
		opts.RowWorkers = 4
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 15 * time.Minute
	}

	return &Orchestrator{
		profiles:   profiles,
		adapters:   adapters,
		store:      store,
		reconciler: NewReconciler(opts.Retry),
		validator:  validate.New(),
		events:     events,
		locker:     locker,
		opts:       opts,
		logger:     util.GetLogger(),
	}, nil
}

// EnsureChains registers every profiled retailer as a chain
func (o *Orchestrator) EnsureChains(ctx context.Context) error {
	for _, p := range o.profiles.All() {
		if _, err := o.store.EnsureChain(ctx, p.Code, p.Name); err != nil {
			return fmt.Errorf("failed to register chain %s: %w", p.Code, err)
		}
	}
	return nil
}

// memberResult is the normalized content of one member
type memberResult struct {
	rows   int
	prices []models.PriceCandidate
	stores []models.StoreCandidate
}

// Process runs one file through the pipeline. Problems with the file itself
// are reported in the outcome; the returned error is reserved for failures of
// the pipeline's own infrastructure.
func (o *Orchestrator) Process(ctx context.Context, file *models.SourceFile) (*models.Outcome, error) {
	start := time.Now()
	runID := uuid.New().String()

	ctx, span := util.StartSpan(ctx, "Orchestrator.Process",
		attribute.String("retailer", file.Retailer),
		attribute.String("file_name", file.FileName),
		attribute.String("run_id", runID))
	defer span.End()

	ad, err := o.adapters.For(file.Retailer)
	if err != nil {
		outcome := models.NewOutcome(runID, file)
		outcome.Status = models.FileStatusFailed
		outcome.Error = err.Error()
		o.events.FileFinished(ctx, outcome)
		return outcome, nil
	}
	p := ad.Profile()
	file.Retailer = p.Code

	payload, payloadErr := adapter.Payload(file)
	if payloadErr == nil {
		file.Payload = payload
		if file.Checksum == "" {
			sum := sha256.Sum256(payload)
			file.Checksum = hex.EncodeToString(sum[:])
		}
	}
	if file.Format == "" {
		file.Format = formatLabel(p)
	}

	if o.locker != nil && file.Checksum != "" {
		key := p.Code + ":" + file.Checksum
		acquired, lerr := o.locker.AcquireFileLock(ctx, key, o.opts.LockTTL)
		if lerr != nil {
			o.logger.Warn("File lock unavailable, continuing without it", zap.Error(lerr))
		} else if !acquired {
			outcome := models.NewOutcome(runID, file)
			outcome.Skipped = true
			outcome.Error = models.ErrFileLocked.Error()
			o.events.FileFinished(ctx, outcome)
			return outcome, nil
		} else {
			defer func() {
				if rerr := o.locker.ReleaseFileLock(context.WithoutCancel(ctx), key); rerr != nil {
					o.logger.Warn("Failed to release file lock", zap.String("key", key), zap.Error(rerr))
				}
			}()
		}
	}

	if _, err := o.store.EnsureChain(ctx, p.Code, p.Name); err != nil {
		util.SpanError(span, err)
		outcome := models.NewOutcome(runID, file)
		outcome.Status = models.FileStatusFailed
		outcome.Error = err.Error()
		return outcome, fmt.Errorf("failed to register chain: %w", err)
	}
	outcome := models.NewOutcome(runID, file)
	if err := o.store.RegisterFile(ctx, file); err != nil {
		util.SpanError(span, err)
		outcome.Status = models.FileStatusFailed
		outcome.Error = err.Error()
		return outcome, fmt.Errorf("failed to register file: %w", err)
	}
	outcome.FileID = file.ID
	o.events.FileStarted(ctx, outcome)

	finish := func(outcome *models.Outcome) {
		outcome.Duration = time.Since(start)
		util.FilesProcessedTotal.WithLabelValues(p.Code, string(outcome.Status)).Inc()
		util.FileProcessingLatency.WithLabelValues(p.Code).Observe(outcome.Duration.Seconds())
		o.events.FileFinished(ctx, outcome)
	}

	if payloadErr != nil {
		o.fail(ctx, file, outcome, payloadErr)
		finish(outcome)
		return outcome, nil
	}

	results, err := o.decode(ctx, ad, file)
	if err != nil {
		if ctx.Err() != nil {
			o.fail(ctx, file, outcome, ctx.Err())
			finish(outcome)
			return outcome, ctx.Err()
		}
		o.fail(ctx, file, outcome, err)
		finish(outcome)
		return outcome, nil
	}

	var (
		prices []models.PriceCandidate
		stores []models.StoreCandidate
	)
	outcome.Members = len(results)
	for _, r := range results {
		outcome.RowsSeen += r.rows
		prices = append(prices, r.prices...)
		stores = append(stores, r.stores...)
	}
	util.RowsSeenTotal.WithLabelValues(p.Code).Add(float64(outcome.RowsSeen))

	if err := o.advance(ctx, file, models.FileStatusParsed); err != nil {
		return o.abort(ctx, file, outcome, finish, err)
	}

	_, vspan := util.StartSpan(ctx, "Orchestrator.Validate")
	accepted, rejections, rejectedRows := o.validator.Partition(prices, file.PublicationDate)
	acceptedStores, storeRejections := o.validator.PartitionStores(stores)
	rejections = append(rejections, storeRejections...)
	vspan.End()

	outcome.RowsAccepted = len(accepted)
	outcome.AddRejections(rejectedRows, rejections)
	for _, r := range rejections {
		util.RowsRejectedTotal.WithLabelValues(p.Code, r.Rule).Inc()
	}

	if err := o.advance(ctx, file, models.FileStatusValidated); err != nil {
		return o.abort(ctx, file, outcome, finish, err)
	}

	input := ReconcileInput{File: file, Stores: acceptedStores, Prices: accepted}
	reconcileStart := time.Now()
	err = o.store.WithTx(ctx, func(txCtx context.Context, tx *store.Tx) error {
		res, err := o.reconciler.Reconcile(txCtx, tx, input)
		if err != nil {
			return err
		}

		applyResult(outcome, res)
		outcome.Status = models.FileStatusReconciled
		if outcome.Warnings() {
			outcome.Status = models.FileStatusReconciledWithWarnings
		}

		if err := tx.InsertRejections(txCtx, file.ID, rejections); err != nil {
			return err
		}
		return tx.FinishFile(txCtx, outcome)
	})
	util.ReconcileLatency.Observe(time.Since(reconcileStart).Seconds())
	if err != nil {
		resetResult(outcome)
		return o.abort(ctx, file, outcome, finish, err)
	}
	file.Status = outcome.Status

	util.ObservationsInsertedTotal.WithLabelValues(p.Code).Add(float64(outcome.Inserted))
	util.ObservationsSupersededTotal.WithLabelValues(p.Code).Add(float64(outcome.Superseded))
	util.DuplicatesSkippedTotal.WithLabelValues(p.Code).Add(float64(outcome.Duplicates))

	if len(rejections) > 0 {
		o.events.RecordsRejected(ctx, outcome, rejections)
	}
	finish(outcome)
	return outcome, nil
}

// RunBatch processes files concurrently. Outcomes keep the order of files;
// the error is the first infrastructure failure, which cancels the rest.
func (o *Orchestrator) RunBatch(ctx context.Context, files []*models.SourceFile) ([]*models.Outcome, error) {
	outcomes := make([]*models.Outcome, len(files))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.opts.Parallelism)

	for i, file := range files {
		i, file := i, file
		g.Go(func() error {
			outcome, err := o.Process(gctx, file)
			outcomes[i] = outcome
			return err
		})
	}

	err := g.Wait()
	return outcomes, err
}

// decode parses every member and normalizes its rows. Members are handled
// concurrently; rows within a member keep source order.
func (o *Orchestrator) decode(ctx context.Context, ad adapter.Adapter, file *models.SourceFile) ([]memberResult, error) {
	ctx, span := util.StartSpan(ctx, "Orchestrator.Decode")
	defer span.End()

	parsed, err := ad.Parse(file, o.opts.Limits)
	if err != nil {
		util.SpanError(span, err)
		return nil, err
	}
	defer adapter.Close(parsed)

	norm := normalize.New(ad.Profile())
	results := make([]memberResult, len(parsed))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.opts.RowWorkers)
	for i := range parsed {
		i := i
		g.Go(func() error {
			res, err := normalizeMember(gctx, norm, parsed[i], file.PublicationDate)
			if err != nil {
				return fmt.Errorf("%s: %w", parsed[i].Member.Name, err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		util.SpanError(span, err)
		return nil, err
	}
	return results, nil
}

func normalizeMember(ctx context.Context, n *normalize.Normalizer, pm adapter.Parsed, published time.Time) (memberResult, error) {
	var res memberResult

	memberStore := n.Store(pm.Member.Name, pm.Store)
	byCode := map[string]models.StoreCandidate{}
	if memberStore.ExternalCode != "" {
		byCode[memberStore.ExternalCode] = memberStore
	}

	for {
		if res.rows%1000 == 0 && ctx.Err() != nil {
			return res, ctx.Err()
		}

		row, err := pm.Rows.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return res, err
		}
		res.rows++

		c := n.Price(row, pm.Store[profile.FieldStoreCode], published)
		res.prices = append(res.prices, c)

		if rowHasStore(row) {
			fields := make(map[profile.Field]string, len(pm.Store)+5)
			for f, v := range pm.Store {
				fields[f] = v
			}
			for _, f := range storeFields {
				if v := row.Get(f); v != "" {
					fields[f] = v
				}
			}
			sc := n.Store(pm.Member.Name, fields)
			if sc.ExternalCode != "" {
				byCode[sc.ExternalCode] = sc
			}
		}
	}

	if len(byCode) == 0 && res.rows > 0 {
		// keep the empty-code candidate so the validator reports it
		res.stores = append(res.stores, memberStore)
	}
	for _, sc := range byCode {
		res.stores = append(res.stores, sc)
	}
	return res, nil
}

var storeFields = []profile.Field{
	profile.FieldStoreCode, profile.FieldStoreAddress, profile.FieldStoreCity,
	profile.FieldStorePostalCode, profile.FieldStoreType,
}

func rowHasStore(row decoder.Row) bool {
	for _, f := range storeFields {
		if row.Get(f) != "" {
			return true
		}
	}
	return false
}

// advance moves the file to next, enforcing the status machine
func (o *Orchestrator) advance(ctx context.Context, file *models.SourceFile, next models.FileStatus) error {
	if !file.Status.CanTransition(next) {
		return fmt.Errorf("file %d %s to %s: %w", file.ID, file.Status, next, models.ErrInvalidTransition)
	}
	if err := o.store.UpdateFileStatus(ctx, file.ID, next, ""); err != nil {
		return err
	}
	file.Status = next
	return nil
}

// fail marks the file FAILED. It uses a context detached from cancellation
// so an aborted run still records its terminal status.
func (o *Orchestrator) fail(ctx context.Context, file *models.SourceFile, outcome *models.Outcome, cause error) {
	outcome.Status = models.FileStatusFailed
	outcome.Error = cause.Error()

	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if err := o.store.UpdateFileStatus(fctx, file.ID, models.FileStatusFailed, cause.Error()); err != nil {
		o.logger.Error("Failed to mark file as failed",
			zap.Int64("file_id", file.ID),
			zap.Error(err))
		return
	}
	file.Status = models.FileStatusFailed
}

// abort fails the file after a persistence or cancellation error and hands
// the error back to the caller
func (o *Orchestrator) abort(ctx context.Context, file *models.SourceFile, outcome *models.Outcome, finish func(*models.Outcome), err error) (*models.Outcome, error) {
	o.fail(ctx, file, outcome, err)
	finish(outcome)

	var conflict *models.ReconciliationConflict
	if errors.As(err, &conflict) || errors.Is(err, models.ErrInvalidTransition) {
		return outcome, nil
	}
	return outcome, err
}

func applyResult(o *models.Outcome, r *ReconcileResult) {
	o.Inserted = r.Inserted
	o.Superseded = r.Superseded
	o.Duplicates = r.Duplicates
	o.Collapsed = r.Collapsed
	o.StoresCreated = r.StoresCreated
	o.StoresUpdated = r.StoresUpdated
	o.ReconcileErrors = r.Errors
}

func resetResult(o *models.Outcome) {
	applyResult(o, &ReconcileResult{})
}

func formatLabel(p *profile.Profile) string {
	if p.Archive != profile.ArchiveNone {
		return p.Archive + "+" + string(p.Format)
	}
	return string(p.Format)
}
