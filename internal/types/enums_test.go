package types

import (
	"testing"

	"github.com/shopspring/decimal"
)

var allStatuses = []OrderStatus{
	OrderStatusPending,
	OrderStatusExecuted,
	OrderStatusCancelled,
	OrderStatusRejected,
	OrderStatusFailed,
}

func TestOrderStatusTransitions(t *testing.T) {
	for _, from := range allStatuses {
		for _, to := range allStatuses {
			want := from == OrderStatusPending && to != OrderStatusPending
			if got := from.CanTransitionTo(to); got != want {
				t.Errorf("%s.CanTransitionTo(%s) = %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestOrderStatusTerminal(t *testing.T) {
	for _, s := range allStatuses {
		want := s != OrderStatusPending
		if got := s.Terminal(); got != want {
			t.Errorf("%s.Terminal() = %v, want %v", s, got, want)
		}
	}
	if !OrderStatus("BOGUS").Terminal() {
		t.Error("unknown status should be treated as terminal")
	}
}

func TestParseEnums(t *testing.T) {
	if side, ok := ParseOrderSide(" buy "); !ok || side != OrderSideBuy {
		t.Errorf("ParseOrderSide(\" buy \") = %q, %v", side, ok)
	}
	if _, ok := ParseOrderSide("hold"); ok {
		t.Error("ParseOrderSide(\"hold\") should fail")
	}
	if kind, ok := ParseExecutionType("Limit"); !ok || kind != ExecutionTypeLimit {
		t.Errorf("ParseExecutionType(\"Limit\") = %q, %v", kind, ok)
	}
	if _, ok := ParseExecutionType("stop"); ok {
		t.Error("ParseExecutionType(\"stop\") should fail")
	}
	if role, ok := ParseRole("admin"); !ok || role != RoleAdmin {
		t.Errorf("ParseRole(\"admin\") = %q, %v", role, ok)
	}
}

func TestPrincipalIsAdmin(t *testing.T) {
	if !(Principal{UserID: "a", Role: RoleAdmin}).IsAdmin() {
		t.Error("admin principal not recognised")
	}
	if (Principal{UserID: "u", Role: RoleUser}).IsAdmin() {
		t.Error("user principal treated as admin")
	}
	if (Principal{UserID: "x"}).IsAdmin() {
		t.Error("principal without role treated as admin")
	}
}

func TestAccountTotalIsDerived(t *testing.T) {
	a := Account{
		AvailableBalance: decimal.RequireFromString("500.25"),
		FrozenBalance:    decimal.RequireFromString("499.75"),
	}
	if got := a.Total(); !got.Equal(decimal.NewFromInt(1000)) {
		t.Errorf("Total() = %s, want 1000", got)
	}
}

func TestOrderReservesFunds(t *testing.T) {
	cases := []struct {
		side OrderSide
		kind ExecutionType
		want bool
	}{
		{OrderSideBuy, ExecutionTypeLimit, true},
		{OrderSideBuy, ExecutionTypeMarket, false},
		{OrderSideSell, ExecutionTypeLimit, false},
		{OrderSideSell, ExecutionTypeMarket, false},
	}
	for _, tc := range cases {
		o := Order{Side: tc.side, ExecutionType: tc.kind}
		if got := o.ReservesFunds(); got != tc.want {
			t.Errorf("%s %s ReservesFunds() = %v, want %v", tc.side, tc.kind, got, tc.want)
		}
	}
}

func TestValidTicker(t *testing.T) {
	for _, ticker := range []string{"AAPL", "BRK.B", "BF-B", "X", "ABCDEFGHIJ"} {
		if !ValidTicker(ticker) {
			t.Errorf("ValidTicker(%q) = false", ticker)
		}
	}
	for _, ticker := range []string{"", "aapl", "ABCDEFGHIJK", "A B", "A$"} {
		if ValidTicker(ticker) {
			t.Errorf("ValidTicker(%q) = true", ticker)
		}
	}
}

func TestFitsMoneyScale(t *testing.T) {
	if !FitsMoneyScale(decimal.RequireFromString("10.1234")) {
		t.Error("4 places rejected")
	}
	if FitsMoneyScale(decimal.RequireFromString("0.00004")) {
		t.Error("5 places accepted")
	}
}
