package database

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/lib/pq"
)

func TestOpen_RequiresURL(t *testing.T) {
	_, err := Open(context.Background(), "")
	if err == nil {
		t.Fatal("expected error for empty URL")
	}
}

func TestIsUniqueViolation(t *testing.T) {
	err := &pq.Error{Code: "23505", Constraint: "cases_pkey"}
	if !IsUniqueViolation(err) {
		t.Error("expected unique violation")
	}
	if !IsUniqueViolation(fmt.Errorf("insert case: %w", err)) {
		t.Error("expected unique violation through wrapping")
	}
	if IsUniqueViolation(&pq.Error{Code: "23503"}) {
		t.Error("FK violation is not a unique violation")
	}
	if IsUniqueViolation(errors.New("plain")) {
		t.Error("plain errors are not unique violations")
	}
}

func TestIsForeignKeyViolation(t *testing.T) {
	if !IsForeignKeyViolation(&pq.Error{Code: "23503"}) {
		t.Error("expected FK violation")
	}
	if IsForeignKeyViolation(&pq.Error{Code: "23505"}) {
		t.Error("unique violation is not an FK violation")
	}
}
