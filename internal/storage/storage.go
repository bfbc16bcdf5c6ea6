// Package storage implements the Task Repository: a durable catalog of
// download tasks backed by SQLite through gorm.
package storage

import (
	"fmt"
	"sort"
	"sync"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/kmkr/streamvault/internal/model"
)

// Repository is a single-writer SQLite-backed Task catalog.
type Repository struct {
	mu sync.Mutex
	db *gorm.DB
}

// Open creates (or attaches to) the SQLite database at path. Pass
// ":memory:" for an ephemeral in-memory database, used by tests.
func Open(path string) (*Repository, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}
	return &Repository{db: db}, nil
}

// Initialize creates the schema if absent. Idempotent.
func (r *Repository) Initialize() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.db.AutoMigrate(&model.Task{}); err != nil {
		return fmt.Errorf("storage: migrate: %w", err)
	}
	return nil
}

// LoadAll returns every persisted task, sorted by id ascending.
func (r *Repository) LoadAll() ([]model.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var rows []model.Task
	if err := r.db.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("storage: load_all: %w", err)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].ID < rows[j].ID })
	return rows, nil
}

// Upsert inserts or replaces a task row by id.
func (r *Repository) Upsert(t model.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t.CancelFunc = nil
	if err := r.db.Save(&t).Error; err != nil {
		return fmt.Errorf("storage: upsert %s: %w", t.ID, err)
	}
	return nil
}

// Delete removes a task row by id. Deleting an absent id is not an error.
func (r *Repository) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.db.Delete(&model.Task{}, "id = ?", id).Error; err != nil {
		return fmt.Errorf("storage: delete %s: %w", id, err)
	}
	return nil
}

// Close releases the underlying database connection.
func (r *Repository) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
