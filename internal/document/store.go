package document

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrNotFound indicates no stored state exists for a document name. Only
	// this definitive answer may be treated as "fresh document"; any other
	// storage failure must surface to the caller.
	ErrNotFound = errors.New("document: not found")

	errMissingDatabase = errors.New("document: database connection required")
)

// Store is the durable storage contract for document snapshots. Save has
// upsert semantics keyed by document name.
type Store interface {
	Fetch(ctx context.Context, name string) ([]byte, error)
	Save(ctx context.Context, name string, state []byte) error
}

// SQLStore persists snapshots through GORM.
type SQLStore struct {
	db    *gorm.DB
	clock func() time.Time
}

// SQLStoreConfig describes the dependencies for a SQLStore.
type SQLStoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// NewSQLStore constructs a snapshot store backed by the provided database.
func NewSQLStore(cfg SQLStoreConfig) (*SQLStore, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &SQLStore{db: cfg.Database, clock: clock}, nil
}

// Fetch returns the stored state blob for the name, or ErrNotFound.
func (s *SQLStore) Fetch(ctx context.Context, name string) ([]byte, error) {
	var snapshot Snapshot
	err := s.db.WithContext(ctx).
		Where("name = ?", name).
		Take(&snapshot).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, err
	}
	state, err := base64.StdEncoding.DecodeString(snapshot.StateB64)
	if err != nil {
		return nil, fmt.Errorf("document: corrupt stored state for %s: %w", name, err)
	}
	return state, nil
}

// Save upserts the state blob keyed by document name.
func (s *SQLStore) Save(ctx context.Context, name string, state []byte) error {
	snapshot := Snapshot{
		Name:             name,
		StateB64:         base64.StdEncoding.EncodeToString(state),
		UpdatedAtSeconds: s.clock().UTC().Unix(),
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "name"}},
			DoUpdates: clause.AssignmentColumns([]string{"state_b64", "updated_at_s"}),
		}).
		Create(&snapshot).Error
}
