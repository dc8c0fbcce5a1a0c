package chargebacks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ridgeline-games/commerce/internal/receipts"
	"github.com/ridgeline-games/commerce/internal/testutil"
)

func pgLog(orderID, accountID string) *Log {
	return &Log{
		AccountID:       accountID,
		OrderID:         orderID,
		Store:           receipts.StoreGoogle,
		VoidedTimestamp: 1756400000000,
		Reason:          "chargeback",
		Source:          "google",
		CreatedAt:       time.Now(),
	}
}

func TestPostgresStore_AppendConflict(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPostgresStore(db)

	entry := pgLog("GPA.1111-2222", "player_1")
	if err := store.Append(ctx, entry); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if entry.ID == "" {
		t.Error("Append did not assign an id")
	}

	dup := pgLog("GPA.1111-2222", "player_1")
	if err := store.Append(ctx, dup); !errors.Is(err, ErrAlreadyLogged) {
		t.Fatalf("second Append = %v, want ErrAlreadyLogged", err)
	}
}

func TestPostgresStore_FilterNew(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPostgresStore(db)

	if err := store.Append(ctx, pgLog("GPA.seen", "player_1")); err != nil {
		t.Fatalf("Append: %v", err)
	}

	fresh, err := store.FilterNew(ctx, []string{"GPA.new-1", "GPA.seen", "GPA.new-2"})
	if err != nil {
		t.Fatalf("FilterNew: %v", err)
	}
	if len(fresh) != 2 || fresh[0] != "GPA.new-1" || fresh[1] != "GPA.new-2" {
		t.Errorf("FilterNew = %v, want [GPA.new-1 GPA.new-2]", fresh)
	}

	fresh, err = store.FilterNew(ctx, nil)
	if err != nil {
		t.Fatalf("FilterNew(nil): %v", err)
	}
	if len(fresh) != 0 {
		t.Errorf("FilterNew(nil) = %v, want empty", fresh)
	}
}

func TestPostgresStore_UnbanFreesOrderSlot(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPostgresStore(db)

	if err := store.Append(ctx, pgLog("GPA.3333-4444", "player_1")); err != nil {
		t.Fatalf("Append: %v", err)
	}

	updated, err := store.UnbanByAccount(ctx, "player_1")
	if err != nil {
		t.Fatalf("UnbanByAccount: %v", err)
	}
	if updated != 1 {
		t.Errorf("UnbanByAccount updated %d, want 1", updated)
	}

	// The unbanned entry no longer blocks a fresh chargeback on the order.
	if err := store.Append(ctx, pgLog("GPA.3333-4444", "player_1")); err != nil {
		t.Fatalf("Append after unban: %v", err)
	}

	logs, err := store.ListByAccount(ctx, "player_1")
	if err != nil {
		t.Fatalf("ListByAccount: %v", err)
	}
	if len(logs) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(logs))
	}
}

func TestPostgresStore_List(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPostgresStore(db)

	for _, orderID := range []string{"GPA.a", "GPA.b", "GPA.c"} {
		if err := store.Append(ctx, pgLog(orderID, "player_1")); err != nil {
			t.Fatalf("Append %s: %v", orderID, err)
		}
	}

	logs, err := store.List(ctx, 2)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(logs) != 2 {
		t.Errorf("List(2) returned %d entries", len(logs))
	}
}
