package utils

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"
)

type failingBeginner struct{ err error }

func (f failingBeginner) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	return nil, f.err
}

func TestWithTx_BeginErrorSkipsFn(t *testing.T) {
	boom := errors.New("boom")
	called := false
	err := WithTx(context.Background(), failingBeginner{err: boom}, nil, func(ctx context.Context, tx *sql.Tx) error {
		called = true
		return nil
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped begin error, got %v", err)
	}
	if called {
		t.Fatalf("fn must not run when BeginTx fails")
	}
}

func TestWithTx_NilDB(t *testing.T) {
	if err := WithTx(context.Background(), nil, nil, func(context.Context, *sql.Tx) error { return nil }); err == nil {
		t.Fatalf("expected error for nil db")
	}
}

func TestPostgresPoolDefaults(t *testing.T) {
	got := PostgresPoolConfig{}.withDefaults()
	if got.MaxOpenConns != 25 || got.PingTimeout != 5*time.Second {
		t.Fatalf("unexpected defaults: %+v", got)
	}
}

func TestOpenPostgres_RequiresDSN(t *testing.T) {
	if _, err := OpenPostgres(context.Background(), "", PostgresPoolConfig{}); err == nil {
		t.Fatalf("expected error for empty dsn")
	}
}
