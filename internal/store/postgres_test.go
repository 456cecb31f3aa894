package store

import (
	"context"
	"testing"

	"github.com/oriys/theatre/internal/domain"
)

// SaveBundle validates before touching the pool, so this much is testable
// without a live Postgres connection; the query paths themselves need one
// and are exercised only by hand against a real database (see DESIGN.md).

func TestSaveBundleRejectsEmptyID(t *testing.T) {
	s := &PostgresStore{}
	err := s.SaveBundle(context.Background(), &domain.PolicyBundle{})
	if err == nil {
		t.Fatalf("expected an error saving a bundle with no ID")
	}
}

func TestPingWithoutPoolErrors(t *testing.T) {
	s := &PostgresStore{}
	if err := s.Ping(context.Background()); err == nil {
		t.Fatalf("expected an error pinging an uninitialized store")
	}
}

func TestCloseWithoutPoolDoesNotPanic(t *testing.T) {
	s := &PostgresStore{}
	if err := s.Close(); err != nil {
		t.Fatalf("Close on a store with no pool: %v", err)
	}
}

func TestNewPostgresStoreRejectsEmptyDSN(t *testing.T) {
	if _, err := NewPostgresStore(context.Background(), ""); err == nil {
		t.Fatalf("expected an error for an empty DSN")
	}
}
