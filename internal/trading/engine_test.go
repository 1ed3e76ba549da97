package trading

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/ksred/trading-ledger/internal/accounts"
	"github.com/ksred/trading-ledger/internal/database"
	"github.com/ksred/trading-ledger/internal/ledger"
	"github.com/ksred/trading-ledger/internal/types"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

func setupTest(t *testing.T) (*Service, *accounts.Service, *gorm.DB) {
	t.Helper()

	db, err := database.NewDatabase(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	return NewService(db), accounts.NewService(db), db
}

func fundedAccount(t *testing.T, svc *accounts.Service, balance string) *types.Account {
	t.Helper()

	account, err := svc.CreateAccount(t.Name(), decimal.RequireFromString(balance))
	if err != nil {
		t.Fatalf("failed to create account: %v", err)
	}
	return account
}

func createOrder(t *testing.T, svc *Service, accountID, clientOrderID, symbol, side string, qty int64, price string) *types.Order {
	t.Helper()

	order, err := svc.CreateOrder(accountID, &types.CreateOrderRequest{
		ClientOrderID: clientOrderID,
		Symbol:        symbol,
		OrderType:     side,
		Quantity:      qty,
		Price:         decimal.RequireFromString(price),
	})
	if err != nil {
		t.Fatalf("failed to create order: %v", err)
	}
	return order
}

func TestExecuteBuySuccess(t *testing.T) {
	svc, accountsSvc, db := setupTest(t)
	account := fundedAccount(t, accountsSvc, "1000.00")

	order := createOrder(t, svc, account.AccountID, "buy-ok", "AAPL", "BUY", 10, "50.00")

	executed, err := svc.ExecuteOrder(order.OrderID)
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if executed.Status != types.OrderExecuted {
		t.Fatalf("expected EXECUTED, got %s", executed.Status)
	}

	fresh, err := accountsSvc.GetAccount(account.AccountID)
	if err != nil {
		t.Fatalf("failed to reload account: %v", err)
	}
	if !fresh.CashBalance.Equal(decimal.RequireFromString("500.00")) {
		t.Errorf("expected cash balance 500.00, got %s", fresh.CashBalance)
	}

	positions, err := accountsSvc.GetPositions(account.AccountID)
	if err != nil {
		t.Fatalf("failed to load positions: %v", err)
	}
	if len(positions) != 1 {
		t.Fatalf("expected 1 position, got %d", len(positions))
	}
	if positions[0].Symbol != "AAPL" || positions[0].Quantity != 10 {
		t.Errorf("unexpected position %s qty %d", positions[0].Symbol, positions[0].Quantity)
	}
	if !positions[0].AverageCost.Equal(decimal.RequireFromString("50.00")) {
		t.Errorf("expected average cost 50.00, got %s", positions[0].AverageCost)
	}

	entries, err := ledger.NewDatabase(db).GetEntriesByOrder(order.OrderID)
	if err != nil {
		t.Fatalf("failed to load ledger entries: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 ledger entries, got %d", len(entries))
	}

	var cash, stock *types.LedgerEntry
	for i := range entries {
		switch entries[i].Asset {
		case types.AssetCash:
			cash = &entries[i]
		case "AAPL":
			stock = &entries[i]
		}
	}
	if cash == nil || stock == nil {
		t.Fatalf("missing ledger legs: cash=%v stock=%v", cash, stock)
	}
	if !cash.Amount.Equal(decimal.RequireFromString("-500.00")) {
		t.Errorf("expected CASH entry -500.00, got %s", cash.Amount)
	}
	if !cash.Balance.Equal(decimal.RequireFromString("500.00")) {
		t.Errorf("expected CASH entry balance 500.00, got %s", cash.Balance)
	}
	if !stock.Amount.Equal(decimal.NewFromInt(10)) {
		t.Errorf("expected AAPL entry +10, got %s", stock.Amount)
	}
}

func TestExecuteBuyInsufficientFunds(t *testing.T) {
	svc, accountsSvc, db := setupTest(t)
	account := fundedAccount(t, accountsSvc, "1000.00")

	order := createOrder(t, svc, account.AccountID, "buy-poor", "AAPL", "BUY", 10, "150.75")

	failed, err := svc.ExecuteOrder(order.OrderID)
	if !errors.Is(err, ErrOrderRejected) {
		t.Fatalf("expected ErrOrderRejected, got %v", err)
	}
	if failed.Status != types.OrderFailed {
		t.Fatalf("expected FAILED, got %s", failed.Status)
	}
	if failed.FailureReason != ReasonInsufficientFunds {
		t.Errorf("expected reason %q, got %q", ReasonInsufficientFunds, failed.FailureReason)
	}

	fresh, _ := accountsSvc.GetAccount(account.AccountID)
	if !fresh.CashBalance.Equal(decimal.RequireFromString("1000.00")) {
		t.Errorf("balance changed on failed order: %s", fresh.CashBalance)
	}

	positions, _ := accountsSvc.GetPositions(account.AccountID)
	if len(positions) != 0 {
		t.Errorf("expected no positions, got %d", len(positions))
	}

	entries, _ := ledger.NewDatabase(db).GetEntriesByOrder(order.OrderID)
	if len(entries) != 0 {
		t.Errorf("failed order produced %d ledger entries", len(entries))
	}
}

func TestExecuteSellSuccess(t *testing.T) {
	svc, accountsSvc, _ := setupTest(t)
	account := fundedAccount(t, accountsSvc, "10000.00")

	buy := createOrder(t, svc, account.AccountID, "sell-setup", "AAPL", "BUY", 10, "100.00")
	if _, err := svc.ExecuteOrder(buy.OrderID); err != nil {
		t.Fatalf("setup buy failed: %v", err)
	}

	sell := createOrder(t, svc, account.AccountID, "sell-half", "AAPL", "SELL", 5, "150.00")
	executed, err := svc.ExecuteOrder(sell.OrderID)
	if err != nil {
		t.Fatalf("sell failed: %v", err)
	}
	if executed.Status != types.OrderExecuted {
		t.Fatalf("expected EXECUTED, got %s", executed.Status)
	}

	fresh, _ := accountsSvc.GetAccount(account.AccountID)
	// 10000 - 1000 + 750
	if !fresh.CashBalance.Equal(decimal.RequireFromString("9750.00")) {
		t.Errorf("expected balance 9750.00, got %s", fresh.CashBalance)
	}

	positions, _ := accountsSvc.GetPositions(account.AccountID)
	if len(positions) != 1 || positions[0].Quantity != 5 {
		t.Fatalf("expected AAPL qty 5, got %+v", positions)
	}
}

func TestExecuteSellInsufficientHoldings(t *testing.T) {
	svc, accountsSvc, _ := setupTest(t)
	account := fundedAccount(t, accountsSvc, "1000.00")

	sell := createOrder(t, svc, account.AccountID, "sell-none", "AAPL", "SELL", 10, "200.00")
	failed, err := svc.ExecuteOrder(sell.OrderID)
	if !errors.Is(err, ErrOrderRejected) {
		t.Fatalf("expected ErrOrderRejected, got %v", err)
	}
	if failed.Status != types.OrderFailed || failed.FailureReason != ReasonInsufficientHoldings {
		t.Errorf("expected FAILED/%s, got %s/%s", ReasonInsufficientHoldings, failed.Status, failed.FailureReason)
	}

	fresh, _ := accountsSvc.GetAccount(account.AccountID)
	if !fresh.CashBalance.Equal(decimal.RequireFromString("1000.00")) {
		t.Errorf("balance changed on failed sell: %s", fresh.CashBalance)
	}
}

func TestBuyUpdatesAverageCost(t *testing.T) {
	svc, accountsSvc, _ := setupTest(t)
	account := fundedAccount(t, accountsSvc, "10000.00")

	first := createOrder(t, svc, account.AccountID, "avg-1", "AAPL", "BUY", 10, "100.00")
	if _, err := svc.ExecuteOrder(first.OrderID); err != nil {
		t.Fatalf("first buy failed: %v", err)
	}
	second := createOrder(t, svc, account.AccountID, "avg-2", "AAPL", "BUY", 10, "200.00")
	if _, err := svc.ExecuteOrder(second.OrderID); err != nil {
		t.Fatalf("second buy failed: %v", err)
	}

	positions, _ := accountsSvc.GetPositions(account.AccountID)
	if len(positions) != 1 {
		t.Fatalf("expected 1 position, got %d", len(positions))
	}
	if positions[0].Quantity != 20 {
		t.Errorf("expected quantity 20, got %d", positions[0].Quantity)
	}
	if !positions[0].AverageCost.Equal(decimal.RequireFromString("150.00")) {
		t.Errorf("expected average cost 150.00, got %s", positions[0].AverageCost)
	}
}

func TestSellAllRemovesPosition(t *testing.T) {
	svc, accountsSvc, _ := setupTest(t)
	account := fundedAccount(t, accountsSvc, "10000.00")

	buy := createOrder(t, svc, account.AccountID, "close-1", "AAPL", "BUY", 5, "100.00")
	if _, err := svc.ExecuteOrder(buy.OrderID); err != nil {
		t.Fatalf("buy failed: %v", err)
	}
	sell := createOrder(t, svc, account.AccountID, "close-2", "AAPL", "SELL", 5, "120.00")
	if _, err := svc.ExecuteOrder(sell.OrderID); err != nil {
		t.Fatalf("sell failed: %v", err)
	}

	positions, _ := accountsSvc.GetPositions(account.AccountID)
	if len(positions) != 0 {
		t.Errorf("expected closed position to be removed, got %+v", positions)
	}
}

func TestRebuyAfterSellingAll(t *testing.T) {
	svc, accountsSvc, _ := setupTest(t)
	account := fundedAccount(t, accountsSvc, "10000.00")

	buy := createOrder(t, svc, account.AccountID, "cycle-1", "AAPL", "BUY", 5, "100.00")
	if _, err := svc.ExecuteOrder(buy.OrderID); err != nil {
		t.Fatalf("buy failed: %v", err)
	}
	sell := createOrder(t, svc, account.AccountID, "cycle-2", "AAPL", "SELL", 5, "120.00")
	if _, err := svc.ExecuteOrder(sell.OrderID); err != nil {
		t.Fatalf("sell failed: %v", err)
	}

	// The closed position must not block re-acquiring the same symbol.
	rebuy := createOrder(t, svc, account.AccountID, "cycle-3", "AAPL", "BUY", 5, "110.00")
	executed, err := svc.ExecuteOrder(rebuy.OrderID)
	if err != nil {
		t.Fatalf("re-buy after closing position failed: %v", err)
	}
	if executed.Status != types.OrderExecuted {
		t.Fatalf("expected EXECUTED, got %s", executed.Status)
	}

	positions, _ := accountsSvc.GetPositions(account.AccountID)
	if len(positions) != 1 || positions[0].Quantity != 5 {
		t.Fatalf("expected fresh AAPL position of 5, got %+v", positions)
	}
	if !positions[0].AverageCost.Equal(decimal.RequireFromString("110.00")) {
		t.Errorf("expected average cost 110.00 from the new lot, got %s", positions[0].AverageCost)
	}
}

func TestExecuteTwiceSequentialIsNoOp(t *testing.T) {
	svc, accountsSvc, db := setupTest(t)
	account := fundedAccount(t, accountsSvc, "1000.00")

	order := createOrder(t, svc, account.AccountID, "replay", "AAPL", "BUY", 10, "50.00")

	first, err := svc.ExecuteOrder(order.OrderID)
	if err != nil {
		t.Fatalf("first execute failed: %v", err)
	}

	second, err := svc.ExecuteOrder(order.OrderID)
	if err != nil {
		t.Fatalf("replay execute failed: %v", err)
	}
	if second.Status != first.Status {
		t.Errorf("replay state %s differs from first %s", second.Status, first.Status)
	}

	entries, _ := ledger.NewDatabase(db).GetEntriesByOrder(order.OrderID)
	if len(entries) != 2 {
		t.Errorf("replay created extra ledger entries: got %d", len(entries))
	}

	fresh, _ := accountsSvc.GetAccount(account.AccountID)
	if !fresh.CashBalance.Equal(decimal.RequireFromString("500.00")) {
		t.Errorf("replay double-applied balance change: %s", fresh.CashBalance)
	}
}

func TestExecuteFailedOrderReplaysSameOutcome(t *testing.T) {
	svc, accountsSvc, _ := setupTest(t)
	account := fundedAccount(t, accountsSvc, "100.00")

	order := createOrder(t, svc, account.AccountID, "replay-fail", "AAPL", "BUY", 10, "50.00")

	if _, err := svc.ExecuteOrder(order.OrderID); !errors.Is(err, ErrOrderRejected) {
		t.Fatalf("expected rejection, got %v", err)
	}

	replay, err := svc.ExecuteOrder(order.OrderID)
	if !errors.Is(err, ErrOrderRejected) {
		t.Fatalf("expected rejection on replay, got %v", err)
	}
	if replay.Status != types.OrderFailed || replay.FailureReason != ReasonInsufficientFunds {
		t.Errorf("replay outcome differs: %s/%s", replay.Status, replay.FailureReason)
	}
}

func TestExecuteUnknownOrder(t *testing.T) {
	svc, _, _ := setupTest(t)

	if _, err := svc.ExecuteOrder("no-such-order"); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
}

func TestExecuteConcurrentSingleMutation(t *testing.T) {
	svc, accountsSvc, db := setupTest(t)
	account := fundedAccount(t, accountsSvc, "1000.00")

	order := createOrder(t, svc, account.AccountID, "race", "AAPL", "BUY", 10, "50.00")

	const callers = 8
	results := make([]*types.Order, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = svc.ExecuteOrder(order.OrderID)
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d failed: %v", i, errs[i])
		}
		if results[i].Status != types.OrderExecuted {
			t.Errorf("caller %d saw state %s", i, results[i].Status)
		}
	}

	// Exactly one financial mutation
	fresh, _ := accountsSvc.GetAccount(account.AccountID)
	if !fresh.CashBalance.Equal(decimal.RequireFromString("500.00")) {
		t.Errorf("expected single debit to 500.00, got %s", fresh.CashBalance)
	}

	entries, _ := ledger.NewDatabase(db).GetEntriesByOrder(order.OrderID)
	if len(entries) != 2 {
		t.Errorf("expected exactly 2 ledger entries, got %d", len(entries))
	}

	positions, _ := accountsSvc.GetPositions(account.AccountID)
	if len(positions) != 1 || positions[0].Quantity != 10 {
		t.Errorf("expected single position of 10, got %+v", positions)
	}
}

func TestBalanceReconstructableFromLedger(t *testing.T) {
	svc, accountsSvc, db := setupTest(t)
	account := fundedAccount(t, accountsSvc, "10000.00")

	orders := []struct {
		key   string
		side  string
		qty   int64
		price string
	}{
		{"r-1", "BUY", 10, "100.00"},
		{"r-2", "BUY", 5, "210.50"},
		{"r-3", "SELL", 8, "150.25"},
		{"r-4", "BUY", 1000, "99.00"}, // rejected: insufficient funds
		{"r-5", "SELL", 100, "10.00"}, // rejected: insufficient holdings
	}
	for _, o := range orders {
		order := createOrder(t, svc, account.AccountID, o.key, "AAPL", o.side, o.qty, o.price)
		if _, err := svc.ExecuteOrder(order.OrderID); err != nil && !errors.Is(err, ErrOrderRejected) {
			t.Fatalf("execute %s failed: %v", o.key, err)
		}
	}

	cashSum, err := ledger.NewDatabase(db).SumByAsset(account.AccountID, types.AssetCash)
	if err != nil {
		t.Fatalf("failed to sum ledger: %v", err)
	}

	fresh, _ := accountsSvc.GetAccount(account.AccountID)
	if !fresh.CashBalance.Equal(cashSum) {
		t.Errorf("balance %s does not equal ledger cash sum %s", fresh.CashBalance, cashSum)
	}

	// Position is likewise reconstructable from the symbol entries.
	stockSum, err := ledger.NewDatabase(db).SumByAsset(account.AccountID, "AAPL")
	if err != nil {
		t.Fatalf("failed to sum stock ledger: %v", err)
	}
	positions, _ := accountsSvc.GetPositions(account.AccountID)
	if len(positions) != 1 || !stockSum.Equal(decimal.NewFromInt(positions[0].Quantity)) {
		t.Errorf("position %+v does not match ledger sum %s", positions, stockSum)
	}
}

func TestExecutedOrderLedgerNetsToZero(t *testing.T) {
	svc, accountsSvc, db := setupTest(t)
	account := fundedAccount(t, accountsSvc, "10000.00")

	order := createOrder(t, svc, account.AccountID, "net-zero", "MSFT", "BUY", 7, "123.45")
	if _, err := svc.ExecuteOrder(order.OrderID); err != nil {
		t.Fatalf("execute failed: %v", err)
	}

	entries, err := ledger.NewDatabase(db).GetEntriesByOrder(order.OrderID)
	if err != nil {
		t.Fatalf("failed to load entries: %v", err)
	}

	// Cash leg plus symbol leg valued at the execution price must net to zero.
	net := decimal.Zero
	for _, e := range entries {
		if e.Asset == types.AssetCash {
			net = net.Add(e.Amount)
		} else {
			net = net.Add(e.Amount.Mul(order.Price))
		}
	}
	if !net.IsZero() {
		t.Errorf("executed order's ledger set nets to %s, want 0", net)
	}
}
