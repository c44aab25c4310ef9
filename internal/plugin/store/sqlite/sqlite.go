// Package sqlite implements the workspace store on one SQLite database file
// per workspace, plus a registry database mapping workspace identities to
// display metadata. SQLite gives the core its durability and its
// many-readers/serialized-writer concurrency model; write contention is
// retried a bounded number of times and then surfaced as a retryable error.
package sqlite

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chirino/task-service/internal/config"
	"github.com/chirino/task-service/internal/governor"
	"github.com/chirino/task-service/internal/model"
	registrystore "github.com/chirino/task-service/internal/registry/store"
	"github.com/mattn/go-sqlite3"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// ForceImport lets tests reference the package so its init() registration runs.
var ForceImport struct{}

func init() {
	registrystore.Register(registrystore.Plugin{
		Name: "sqlite",
		Loader: func(ctx context.Context) (registrystore.WorkspaceStore, error) {
			cfg := config.FromContext(ctx)
			if cfg == nil {
				def := config.DefaultConfig()
				cfg = &def
			}
			return Open(ctx, cfg)
		},
	})
}

// Store implements registrystore.WorkspaceStore using GORM + SQLite.
type Store struct {
	cfg      *config.Config
	registry *gorm.DB

	mu         sync.Mutex
	workspaces map[string]*workspaceHandle
}

type workspaceHandle struct {
	db *gorm.DB
	ws model.Workspace
}

// Open creates the data directory if needed, opens the registry database and
// applies its schema.
func Open(ctx context.Context, cfg *config.Config) (*Store, error) {
	dataDir := cfg.ResolvedDataDir()
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	registry, err := openDB(filepath.Join(dataDir, "registry.db"), cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open registry database: %w", err)
	}
	if err := migrateRegistry(ctx, registry); err != nil {
		return nil, err
	}

	return &Store{
		cfg:        cfg,
		registry:   registry,
		workspaces: make(map[string]*workspaceHandle),
	}, nil
}

func openDB(path string, cfg *config.Config) (*gorm.DB, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=%d&_journal_mode=WAL&_foreign_keys=on",
		path, cfg.BusyTimeout.Milliseconds())
	return gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
}

// EnsureWorkspace maps an opaque identity to its schema-initialized database,
// creating both the registry row and the database file on first use. The
// identity is used verbatim; only blank identities are rejected. It is
// idempotent and safe under concurrent first access: the in-process map is
// mutex-guarded, the registry row has a unique index, and the schema is
// applied with IF NOT EXISTS statements.
func (s *Store) EnsureWorkspace(ctx context.Context, identity string) (*model.Workspace, error) {
	if strings.TrimSpace(identity) == "" {
		return nil, &registrystore.ValidationError{Field: "workspace", Message: "must not be empty"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if h, ok := s.workspaces[identity]; ok {
		ws := h.ws
		return &ws, nil
	}

	ws, err := s.ensureRegistryRow(ctx, identity)
	if err != nil {
		return nil, err
	}

	db, err := openDB(filepath.Join(s.cfg.ResolvedDataDir(), ws.DBFile), s.cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open workspace database: %w", err)
	}
	if err := migrateWorkspace(ctx, db); err != nil {
		return nil, err
	}

	s.workspaces[identity] = &workspaceHandle{db: db, ws: *ws}
	out := *ws
	return &out, nil
}

func (s *Store) ensureRegistryRow(ctx context.Context, identity string) (*model.Workspace, error) {
	var ws model.Workspace
	result := s.registry.WithContext(ctx).Where("identity = ?", identity).Limit(1).Find(&ws)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to look up workspace: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		return &ws, nil
	}

	digest := sha256.Sum256([]byte(identity))
	ws = model.Workspace{
		Identity:  identity,
		Name:      identity,
		DBFile:    "ws-" + hex.EncodeToString(digest[:8]) + ".db",
		CreatedAt: time.Now().UTC(),
	}
	err := s.withRetry(ctx, func() error {
		return s.registry.WithContext(ctx).Create(&ws).Error
	})
	if err != nil {
		// A concurrent caller may have created the row between the lookup
		// and the insert; the unique index makes that visible here.
		if isUniqueViolation(err) {
			result := s.registry.WithContext(ctx).Where("identity = ?", identity).Limit(1).Find(&ws)
			if result.Error == nil && result.RowsAffected > 0 {
				return &ws, nil
			}
		}
		return nil, fmt.Errorf("failed to register workspace: %w", err)
	}
	return &ws, nil
}

// ListWorkspaces returns the registry's display metadata for every known
// workspace.
func (s *Store) ListWorkspaces(ctx context.Context) ([]model.Workspace, error) {
	var out []model.Workspace
	err := s.registry.WithContext(ctx).
		Where("deleted_at IS NULL").
		Order("created_at ASC, id ASC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list workspaces: %w", err)
	}
	return out, nil
}

// Close closes every open workspace database and the registry.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for _, h := range s.workspaces {
		if err := closeDB(h.db); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.workspaces = make(map[string]*workspaceHandle)
	if err := closeDB(s.registry); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func closeDB(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// workspaceDB ensures the workspace exists and returns its database handle.
func (s *Store) workspaceDB(ctx context.Context, identity string) (*gorm.DB, error) {
	if _, err := s.EnsureWorkspace(ctx, identity); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workspaces[identity].db, nil
}

// withRetry runs fn, retrying on SQLite busy/locked errors with a linear
// backoff. Exhausted retries surface as a transient BusyError.
func (s *Store) withRetry(ctx context.Context, fn func() error) error {
	attempts := s.cfg.WriteRetries
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		err = fn()
		if err == nil || !isBusy(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(i+1) * 50 * time.Millisecond):
		}
	}
	return &registrystore.BusyError{Attempts: attempts}
}

func isBusy(err error) bool {
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		return serr.Code == sqlite3.ErrBusy || serr.Code == sqlite3.ErrLocked
	}
	return false
}

func isUniqueViolation(err error) bool {
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		return serr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			serr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func notFound(resource string, id int64) *registrystore.NotFoundError {
	return &registrystore.NotFoundError{Resource: resource, ID: strconv.FormatInt(id, 10)}
}

func (s *Store) budget() governor.Budget {
	return governor.Budget{
		HardTokens: s.cfg.ResponseBudgetTokens,
		WarnTokens: s.cfg.ResponseWarnTokens,
	}
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// likePattern builds a case-insensitive substring pattern for LIKE ... ESCAPE '\'.
func likePattern(text string) string {
	return "%" + likeEscaper.Replace(strings.ToLower(text)) + "%"
}

// applyTagFilter restricts rows to those whose JSON-serialized tag array
// contains every given tag. The pattern matches the tag's JSON-encoded form,
// quotes included, so quotes and backslashes inside a tag survive the
// round trip through the serialized column.
func applyTagFilter(q *gorm.DB, column string, tags []string) *gorm.DB {
	for _, tag := range model.NormalizeTags(tags) {
		encoded, _ := json.Marshal(tag)
		q = q.Where(column+` LIKE ? ESCAPE '\'`, "%"+likeEscaper.Replace(string(encoded))+"%")
	}
	return q
}
