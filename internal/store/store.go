// Package store is the persistence layer of the pipeline. It speaks
// PostgreSQL, MySQL and SQLite through sqlx; queries are written with ?
// placeholders and rebound for the connected driver.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"price-ingest/internal/models"
	"price-ingest/internal/util"
)

// Supported drivers
const (
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
	DriverSQLite   = "sqlite"
)

//go:embed schema/*.sql
var schemaFS embed.FS

func init() {
	sqlx.BindDriver(DriverSQLite, sqlx.QUESTION)
}

// Options configures a Store
type Options struct {
	Driver       string
	URL          string
	MaxOpenConns int
	QueryTimeout time.Duration
	// TxTimeout bounds one attempt of a WithTx unit
	TxTimeout time.Duration
	Retry     util.RetryPolicy
}

type Store struct {
	db        *sqlx.DB
	driver    string
	timeout   time.Duration
	txTimeout time.Duration
	retry     util.RetryPolicy
	chainIDs  *cache.Cache
}

// NewStore connects to the database and verifies the connection
func NewStore(opts Options) (*Store, error) {
	driver := opts.Driver
	if driver == "" {
		driver = DriverPostgres
	}

	dsn := opts.URL
	if driver == DriverSQLite {
		dsn = sqliteDSN(dsn)
	}

	db, err := sqlx.Connect(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	maxOpen := opts.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 25
	}
	lifetime := 5 * time.Minute
	if driver == DriverSQLite && strings.Contains(opts.URL, ":memory:") {
		// every connection to :memory: opens a separate database
		maxOpen = 1
		lifetime = 0
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(min(maxOpen, 5))
	db.SetConnMaxLifetime(lifetime)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	timeout := opts.QueryTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	txTimeout := opts.TxTimeout
	if txTimeout <= 0 {
		txTimeout = 10 * time.Minute
	}

	return &Store{
		db:        db,
		driver:    driver,
		timeout:   timeout,
		txTimeout: txTimeout,
		retry:     opts.Retry,
		chainIDs:  cache.New(30*time.Minute, time.Hour),
	}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// GetDB returns the underlying database connection
func (s *Store) GetDB() *sqlx.DB {
	return s.db
}

// Driver returns the database driver name
func (s *Store) Driver() string {
	return s.driver
}

// Ping checks connectivity within the query timeout
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.db.PingContext(ctx)
}

// Migrate creates the schema for the connected driver. Statements are
// idempotent so Migrate can run on every start.
func (s *Store) Migrate(ctx context.Context) error {
	raw, err := schemaFS.ReadFile("schema/" + s.driver + ".sql")
	if err != nil {
		return fmt.Errorf("no schema for driver %s: %w", s.driver, err)
	}

	for _, stmt := range strings.Split(string(raw), ";\n") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to migrate: %w", err)
		}
	}

	util.GetLogger().Info("Schema migrated", zap.String("driver", s.driver))
	return nil
}

// EnsureChain returns the id of the chain with code, creating it when absent
func (s *Store) EnsureChain(ctx context.Context, code, name string) (int64, error) {
	id, err := s.ChainID(ctx, code)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, models.ErrNotFound) {
		return 0, err
	}

	_, err = s.db.ExecContext(ctx, s.db.Rebind("INSERT INTO chains (code, name) VALUES (?, ?)"), code, name)
	if err != nil && !isUniqueViolation(err) {
		return 0, classify("insert chain", err)
	}
	return s.ChainID(ctx, code)
}

// ChainID resolves a chain code, caching the answer
func (s *Store) ChainID(ctx context.Context, code string) (int64, error) {
	if id, ok := s.chainIDs.Get(code); ok {
		return id.(int64), nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var id int64
	err := s.db.GetContext(ctx, &id, s.db.Rebind("SELECT id FROM chains WHERE code = ?"), code)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("chain %s: %w", code, models.ErrNotFound)
	}
	if err != nil {
		return 0, classify("get chain", err)
	}

	s.chainIDs.Set(code, id, cache.DefaultExpiration)
	return id, nil
}

// GetChains lists all chains
func (s *Store) GetChains(ctx context.Context) ([]models.Chain, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var chains []models.Chain
	err := s.db.SelectContext(ctx, &chains, "SELECT id, code, name, created_at FROM chains ORDER BY code")
	return chains, err
}

// sqliteDSN turns on foreign keys and a busy timeout for every connection
func sqliteDSN(dsn string) string {
	if strings.Contains(dsn, "_pragma=") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
}

// returning reports whether INSERT ... RETURNING is available
func (s *Store) returning() bool {
	return s.driver != DriverMySQL
}

// dateParam formats a calendar date for a DATE column on every driver
func dateParam(t time.Time) string {
	return t.Format("2006-01-02")
}
