package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	xerrors "XLayer-WalletBot/internal/errors"
)

func forEachStore(t *testing.T, fn func(t *testing.T, store Store)) {
	t.Helper()

	t.Run("memory", func(t *testing.T) {
		store := NewMemoryStore()
		t.Cleanup(func() { _ = store.Close() })
		fn(t, store)
	})
	t.Run("sqlite", func(t *testing.T) {
		store, err := NewSQLiteStore(context.Background(), SQLConfig{DSN: filepath.Join(t.TempDir(), "ledger.db")})
		if err != nil {
			t.Fatalf("open sqlite: %v", err)
		}
		t.Cleanup(func() { _ = store.Close() })
		fn(t, store)
	})
}

func sampleRecord(id string, userID int64, createdAt int64) *Record {
	return &Record{
		ID:         id,
		UserID:     userID,
		From:       "0x1111111111111111111111111111111111111111",
		To:         "0x2222222222222222222222222222222222222222",
		Amount:     "0.5",
		ValueMinor: "500000000000000000",
		Nonce:      3,
		GasPrice:   "1100000000",
		GasLimit:   21000,
		Route:      "rpc",
		CreatedAt:  createdAt,
	}
}

func TestStoreLifecycle(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		rec := sampleRecord("w-1", 7, 100)
		if err := store.Create(ctx, rec); err != nil {
			t.Fatalf("create: %v", err)
		}
		if rec.Status != StatusPending {
			t.Fatalf("expected default status pending, got %s", rec.Status)
		}

		if err := store.Update(ctx, "w-1", Update{Status: StatusPending, TxHash: "0xabc"}); err != nil {
			t.Fatalf("update: %v", err)
		}
		if err := store.Update(ctx, "w-1", Update{Status: StatusSuccess}); err != nil {
			t.Fatalf("update status: %v", err)
		}

		got, err := store.Get(ctx, "w-1")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.Status != StatusSuccess || got.TxHash != "0xabc" {
			t.Fatalf("unexpected record: %+v", got)
		}
		if got.Nonce != 3 || got.GasLimit != 21000 || got.ValueMinor != "500000000000000000" {
			t.Fatalf("fields not persisted: %+v", got)
		}

		byHash, err := store.FindByTxHash(ctx, "0xabc")
		if err != nil || byHash.ID != "w-1" {
			t.Fatalf("find by hash: %+v %v", byHash, err)
		}
		if _, err := store.FindByOrderID(ctx, "missing"); !errors.Is(err, ErrRecordNotFound) {
			t.Fatalf("expected not found, got %v", err)
		}
	})
}

func TestStoreErrors(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		if err := store.Create(ctx, sampleRecord("dup", 1, 1)); err != nil {
			t.Fatalf("create: %v", err)
		}
		if err := store.Create(ctx, sampleRecord("dup", 1, 1)); xerrors.CodeOf(err) != xerrors.CodeConflict {
			t.Fatalf("expected conflict, got %v", err)
		}
		if err := store.Update(ctx, "nope", Update{Status: StatusFailed}); !errors.Is(err, ErrRecordNotFound) {
			t.Fatalf("expected not found, got %v", err)
		}
		if err := store.Update(ctx, "dup", Update{Status: "weird"}); xerrors.CodeOf(err) != xerrors.CodeInvalidInput {
			t.Fatalf("expected invalid input, got %v", err)
		}
		if _, err := store.Get(ctx, "nope"); !errors.Is(err, ErrRecordNotFound) {
			t.Fatalf("expected not found, got %v", err)
		}
		if err := store.Create(ctx, &Record{}); xerrors.CodeOf(err) != xerrors.CodeInvalidInput {
			t.Fatalf("expected invalid input for empty id, got %v", err)
		}
	})
}

func TestStoreListByUser(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		for i, id := range []string{"a", "b", "c"} {
			if err := store.Create(ctx, sampleRecord(id, 9, int64(10+i))); err != nil {
				t.Fatalf("create %s: %v", id, err)
			}
		}
		if err := store.Create(ctx, sampleRecord("other", 10, 50)); err != nil {
			t.Fatalf("create other: %v", err)
		}

		list, err := store.ListByUser(ctx, 9, 2)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(list) != 2 || list[0].ID != "c" || list[1].ID != "b" {
			t.Fatalf("unexpected order: %+v", list)
		}
	})
}

func TestStatusTerminal(t *testing.T) {
	if !StatusSuccess.Terminal() || !StatusFailed.Terminal() {
		t.Fatalf("success and failed must be terminal")
	}
	if StatusPending.Terminal() || StatusUnknown.Terminal() {
		t.Fatalf("pending and unknown must not be terminal")
	}
}

func TestSQLiteMigrationsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	first, err := NewSQLiteStore(context.Background(), SQLConfig{DSN: path})
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	if err := first.Create(context.Background(), sampleRecord("keep", 1, 1)); err != nil {
		t.Fatalf("create: %v", err)
	}
	_ = first.Close()

	second, err := NewSQLiteStore(context.Background(), SQLConfig{DSN: path})
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	defer second.Close()
	if _, err := second.Get(context.Background(), "keep"); err != nil {
		t.Fatalf("record lost across reopen: %v", err)
	}
}
