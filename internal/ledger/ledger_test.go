package ledger

import (
	"errors"
	"testing"

	"github.com/ksred/papertrade/internal/database"
	"github.com/ksred/papertrade/internal/types"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := database.OpenMemory()
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return db
}

// openFunded creates an account holding available cash
func openFunded(t *testing.T, db *gorm.DB, l *Ledger, userID, available string) {
	t.Helper()
	if _, err := l.Open(db, userID); err != nil {
		t.Fatalf("open account: %v", err)
	}
	if available == "0" {
		return
	}
	if _, err := l.Credit(db, userID, d(available)); err != nil {
		t.Fatalf("fund account: %v", err)
	}
}

func loadAccount(t *testing.T, db *gorm.DB, userID string) *types.Account {
	t.Helper()
	account, err := New().Get(db, userID)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	return account
}

func assertAccount(t *testing.T, a *types.Account, available, frozen string) {
	t.Helper()
	if !a.AvailableBalance.Equal(d(available)) || !a.FrozenBalance.Equal(d(frozen)) {
		t.Fatalf("account = available %s frozen %s, want available %s frozen %s",
			a.AvailableBalance, a.FrozenBalance, available, frozen)
	}
}

func TestOpen_IsIdempotent(t *testing.T) {
	db := newTestDB(t)
	l := New()

	openFunded(t, db, l, "u1", "250")
	again, err := l.Open(db, "u1")
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	assertAccount(t, again, "250", "0")

	var count int64
	db.Model(&types.Account{}).Where("user_id = ?", "u1").Count(&count)
	if count != 1 {
		t.Errorf("account rows = %d, want 1", count)
	}
}

func TestLock_MissingAccount(t *testing.T) {
	db := newTestDB(t)
	if _, err := New().Lock(db, "ghost"); !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("err = %v, want ErrAccountNotFound", err)
	}
}

func TestFreezeThenUnfreeze_RestoresSplit(t *testing.T) {
	db := newTestDB(t)
	l := New()
	openFunded(t, db, l, "u1", "1000")

	err := db.Transaction(func(tx *gorm.DB) error {
		if _, err := l.Freeze(tx, "u1", d("500")); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		t.Fatalf("freeze: %v", err)
	}
	assertAccount(t, loadAccount(t, db, "u1"), "500", "500")

	if _, err := l.Unfreeze(db, "u1", d("500")); err != nil {
		t.Fatalf("unfreeze: %v", err)
	}
	assertAccount(t, loadAccount(t, db, "u1"), "1000", "0")
}

func TestFreeze_InsufficientLeavesAccountUntouched(t *testing.T) {
	db := newTestDB(t)
	l := New()
	openFunded(t, db, l, "u1", "100")

	err := db.Transaction(func(tx *gorm.DB) error {
		_, err := l.Freeze(tx, "u1", d("100.01"))
		return err
	})
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("err = %v, want ErrInsufficientFunds", err)
	}
	assertAccount(t, loadAccount(t, db, "u1"), "100", "0")
}

func TestSettleBuy_PersistsRefund(t *testing.T) {
	db := newTestDB(t)
	l := New()
	openFunded(t, db, l, "u1", "1000")

	var refund decimal.Decimal
	err := db.Transaction(func(tx *gorm.DB) error {
		if _, err := l.Freeze(tx, "u1", d("500")); err != nil {
			return err
		}
		var err error
		refund, err = l.SettleBuy(tx, "u1", d("500"), d("480"))
		return err
	})
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if !refund.Equal(d("20")) {
		t.Errorf("refund = %s, want 20", refund)
	}
	account := loadAccount(t, db, "u1")
	assertAccount(t, account, "520", "0")
	if !account.Total().Equal(d("520")) {
		t.Errorf("total = %s, want 520", account.Total())
	}
}

func TestUnfreeze_InvariantViolationRollsBack(t *testing.T) {
	db := newTestDB(t)
	l := New()
	openFunded(t, db, l, "u1", "100")

	err := db.Transaction(func(tx *gorm.DB) error {
		if _, err := l.Freeze(tx, "u1", d("40")); err != nil {
			return err
		}
		_, err := l.Unfreeze(tx, "u1", d("41"))
		return err
	})
	if !errors.Is(err, ErrInvariantViolation) {
		t.Fatalf("err = %v, want ErrInvariantViolation", err)
	}
	// the freeze in the same transaction is rolled back too
	assertAccount(t, loadAccount(t, db, "u1"), "100", "0")
}

func TestDebitFrozen_RemovesCash(t *testing.T) {
	db := newTestDB(t)
	l := New()
	openFunded(t, db, l, "u1", "100")

	if _, err := l.Freeze(db, "u1", d("30")); err != nil {
		t.Fatalf("freeze: %v", err)
	}
	if _, err := l.DebitFrozen(db, "u1", d("30")); err != nil {
		t.Fatalf("debit frozen: %v", err)
	}
	assertAccount(t, loadAccount(t, db, "u1"), "70", "0")
}
