package database

import (
	"gorm.io/gorm"
)

// Store bundles access to the persisted collections. It is constructed once
// at process start and passed to the services that need it.
type Store struct {
	db *gorm.DB
}

// NewStore creates a new store
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// DB returns the underlying database handle
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Transaction runs fn inside a database transaction, exposing a Store bound
// to the transaction handle. This is the atomicity primitive for the
// per-user event commit.
func (s *Store) Transaction(fn func(tx *Store) error) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx})
	})
}
