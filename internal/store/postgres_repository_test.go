package store

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestIsUniquenessViolation(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"unique violation", &pgconn.PgError{Code: "23505"}, true},
		{"exclusion violation", &pgconn.PgError{Code: "23P01"}, true},
		{"wrapped unique violation", fmt.Errorf("insert failed: %w", &pgconn.PgError{Code: "23505"}), true},
		{"foreign key violation", &pgconn.PgError{Code: "23503"}, false},
		{"plain error", errors.New("boom"), false},
		{"nil", nil, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := isUniquenessViolation(tc.err); got != tc.want {
				t.Fatalf("isUniquenessViolation = %t, want %t", got, tc.want)
			}
		})
	}
}

func TestRecipientStatusCountsTotal(t *testing.T) {
	counts := RecipientStatusCounts{Pending: 1, Processing: 2, Paid: 3, Failed: 4}
	if counts.Total() != 10 {
		t.Fatalf("expected total 10, got %d", counts.Total())
	}
	if (RecipientStatusCounts{}).Total() != 0 {
		t.Fatalf("expected empty counts total 0")
	}
}
