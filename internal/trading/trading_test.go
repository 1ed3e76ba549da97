package trading

import (
	"errors"
	"sync"
	"testing"

	"github.com/ksred/trading-ledger/internal/types"
	"github.com/shopspring/decimal"
)

func TestCreateOrderValidation(t *testing.T) {
	svc, accountsSvc, _ := setupTest(t)
	account := fundedAccount(t, accountsSvc, "1000.00")

	cases := []struct {
		name      string
		accountID string
		req       types.CreateOrderRequest
	}{
		{
			name:      "missing client order id",
			accountID: account.AccountID,
			req:       types.CreateOrderRequest{Symbol: "AAPL", OrderType: "BUY", Quantity: 1, Price: decimal.NewFromInt(10)},
		},
		{
			name:      "empty symbol",
			accountID: account.AccountID,
			req:       types.CreateOrderRequest{ClientOrderID: "v-1", OrderType: "BUY", Quantity: 1, Price: decimal.NewFromInt(10)},
		},
		{
			name:      "bad side",
			accountID: account.AccountID,
			req:       types.CreateOrderRequest{ClientOrderID: "v-2", Symbol: "AAPL", OrderType: "HOLD", Quantity: 1, Price: decimal.NewFromInt(10)},
		},
		{
			name:      "zero quantity",
			accountID: account.AccountID,
			req:       types.CreateOrderRequest{ClientOrderID: "v-3", Symbol: "AAPL", OrderType: "BUY", Quantity: 0, Price: decimal.NewFromInt(10)},
		},
		{
			name:      "negative quantity",
			accountID: account.AccountID,
			req:       types.CreateOrderRequest{ClientOrderID: "v-4", Symbol: "AAPL", OrderType: "BUY", Quantity: -5, Price: decimal.NewFromInt(10)},
		},
		{
			name:      "zero price",
			accountID: account.AccountID,
			req:       types.CreateOrderRequest{ClientOrderID: "v-5", Symbol: "AAPL", OrderType: "BUY", Quantity: 1},
		},
		{
			name:      "unknown account",
			accountID: "missing-account",
			req:       types.CreateOrderRequest{ClientOrderID: "v-6", Symbol: "AAPL", OrderType: "BUY", Quantity: 1, Price: decimal.NewFromInt(10)},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.CreateOrder(tc.accountID, &tc.req)
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
		})
	}

	// Nothing persisted for any of the rejected requests
	orders, err := svc.GetOrderHistory(account.AccountID)
	if err != nil {
		t.Fatalf("failed to load history: %v", err)
	}
	if len(orders) != 0 {
		t.Errorf("validation failures persisted %d orders", len(orders))
	}
}

func TestCreateOrderNormalizesInput(t *testing.T) {
	svc, accountsSvc, _ := setupTest(t)
	account := fundedAccount(t, accountsSvc, "1000.00")

	order, err := svc.CreateOrder(account.AccountID, &types.CreateOrderRequest{
		ClientOrderID: "norm-1",
		Symbol:        " aapl ",
		OrderType:     "buy",
		Quantity:      1,
		Price:         decimal.NewFromInt(10),
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if order.Symbol != "AAPL" {
		t.Errorf("symbol not normalized: %q", order.Symbol)
	}
	if order.Side != types.SideBuy {
		t.Errorf("side not normalized: %q", order.Side)
	}
	if order.Status != types.OrderPending {
		t.Errorf("new order status %q, want PENDING", order.Status)
	}
}

func TestCreateOrderIdempotent(t *testing.T) {
	svc, accountsSvc, _ := setupTest(t)
	account := fundedAccount(t, accountsSvc, "1000.00")

	req := &types.CreateOrderRequest{
		ClientOrderID: "idem-1",
		Symbol:        "TSLA",
		OrderType:     "BUY",
		Quantity:      5,
		Price:         decimal.RequireFromString("250.00"),
	}

	first, err := svc.CreateOrder(account.AccountID, req)
	if err != nil {
		t.Fatalf("first create failed: %v", err)
	}

	second, err := svc.CreateOrder(account.AccountID, req)
	if err != nil {
		t.Fatalf("replay create failed: %v", err)
	}
	if second.OrderID != first.OrderID {
		t.Errorf("replay returned different order: %s vs %s", second.OrderID, first.OrderID)
	}

	orders, _ := svc.GetOrderHistory(account.AccountID)
	if len(orders) != 1 {
		t.Errorf("expected exactly 1 order row, got %d", len(orders))
	}
}

func TestCreateOrderIdempotentUnderRace(t *testing.T) {
	svc, accountsSvc, _ := setupTest(t)
	account := fundedAccount(t, accountsSvc, "1000.00")

	req := types.CreateOrderRequest{
		ClientOrderID: "race-key",
		Symbol:        "TSLA",
		OrderType:     "BUY",
		Quantity:      5,
		Price:         decimal.RequireFromString("250.00"),
	}

	const callers = 8
	results := make([]*types.Order, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r := req
			results[i], errs[i] = svc.CreateOrder(account.AccountID, &r)
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d failed: %v", i, errs[i])
		}
		if results[i].OrderID != results[0].OrderID {
			t.Errorf("caller %d got order %s, caller 0 got %s", i, results[i].OrderID, results[0].OrderID)
		}
	}

	orders, _ := svc.GetOrderHistory(account.AccountID)
	if len(orders) != 1 {
		t.Errorf("expected exactly 1 order row after race, got %d", len(orders))
	}
}

func TestGetOrderMissing(t *testing.T) {
	svc, _, _ := setupTest(t)

	order, err := svc.GetOrder("does-not-exist")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if order != nil {
		t.Errorf("expected nil order, got %+v", order)
	}
}
