package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/trading-ledger/internal/accounts"
	"github.com/ksred/trading-ledger/internal/auth"
	"github.com/ksred/trading-ledger/internal/database"
	"github.com/ksred/trading-ledger/internal/trading"
	"github.com/ksred/trading-ledger/internal/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

const (
	minOrders      = 15
	maxOrders      = 150
	numWorkers     = 5
	numAccounts    = 3
	serverAddress  = "http://localhost:8080"
	openingBalance = "1000000.00"
)

var (
	symbols = []string{"AAPL", "GOOGL", "MSFT", "AMZN", "META"}
	sides   = []string{"BUY", "SELL"}
)

// init configures the logger for the simulation with pretty printing and timestamp
func init() {
	// Configure pretty logging
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
}

// routeStats tracks performance statistics for an API endpoint
type routeStats struct {
	name       string
	durations  []time.Duration
	totalCalls int
	failures   int
}

// addDuration records a new duration measurement for the route
func (rs *routeStats) addDuration(d time.Duration) {
	rs.durations = append(rs.durations, d)
	rs.totalCalls++
}

// calculate computes performance statistics from recorded durations
// Returns min, max, mean, median, 95th percentile, and 99th percentile durations
func (rs *routeStats) calculate() (min, max, mean, median, p95, p99 time.Duration) {
	if len(rs.durations) == 0 {
		return 0, 0, 0, 0, 0, 0
	}

	// Sort durations for percentile calculations
	sort.Slice(rs.durations, func(i, j int) bool {
		return rs.durations[i] < rs.durations[j]
	})

	min = rs.durations[0]
	max = rs.durations[len(rs.durations)-1]

	// Calculate mean
	var sum time.Duration
	for _, d := range rs.durations {
		sum += d
	}
	mean = sum / time.Duration(len(rs.durations))

	// Calculate median
	median = rs.durations[len(rs.durations)/2]

	// Calculate percentiles
	p95idx := int(math.Ceil(float64(len(rs.durations))*0.95)) - 1
	p99idx := int(math.Ceil(float64(len(rs.durations))*0.99)) - 1
	p95 = rs.durations[p95idx]
	p99 = rs.durations[p99idx]

	return
}

// simulationClient handles HTTP communication with the trading API
type simulationClient struct {
	baseURL   string
	authToken string
	client    *http.Client
	stats     map[string]*routeStats
}

// newSimulationClient creates and initializes a new simulation client
// It authenticates with the API and prepares performance tracking
func newSimulationClient() (*simulationClient, error) {
	// Create HTTP client with timeout
	client := &http.Client{
		Timeout: 10 * time.Second,
	}

	sc := &simulationClient{
		baseURL: serverAddress,
		client:  client,
		stats: map[string]*routeStats{
			"auth":    {name: "Authentication"},
			"account": {name: "Create Account"},
			"create":  {name: "Create Order"},
			"execute": {name: "Execute Order"},
			"balance": {name: "Get Balance"},
			"ledger":  {name: "Get Ledger"},
		},
	}

	// Get auth token
	token, err := sc.authenticate()
	if err != nil {
		return nil, fmt.Errorf("failed to authenticate: %w", err)
	}
	sc.authToken = token

	return sc, nil
}

// authenticate performs API authentication and returns a JWT token
func (sc *simulationClient) authenticate() (string, error) {
	start := time.Now()
	defer func() {
		sc.stats["auth"].addDuration(time.Since(start))
	}()

	credentials := map[string]string{
		"api_key":    auth.TestAPIKey,
		"api_secret": auth.TestAPISecret,
	}

	body, err := json.Marshal(credentials)
	if err != nil {
		return "", err
	}

	resp, err := sc.client.Post(
		fmt.Sprintf("%s/api/v1/auth/token", sc.baseURL),
		"application/json",
		bytes.NewBuffer(body),
	)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("authentication failed with status: %d", resp.StatusCode)
	}

	var result struct {
		Token string `json:"jwt_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}

	return result.Token, nil
}

// doJSON issues an authenticated request and decodes the response envelope
// into out. A 422 is not treated as transport failure: it carries the
// rejected order in its terminal state.
func (sc *simulationClient) doJSON(method, path string, payload interface{}, out interface{}) (int, error) {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return 0, err
		}
		body = bytes.NewBuffer(raw)
	}

	req, err := http.NewRequest(method, sc.baseURL+path, body)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", sc.authToken))
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := sc.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("failed to read response body: %w", err)
	}
	log.Debug().Str("path", path).Str("response", string(respBody)).Msg("API response")

	ok := resp.StatusCode == http.StatusOK ||
		resp.StatusCode == http.StatusCreated ||
		resp.StatusCode == http.StatusUnprocessableEntity
	if !ok {
		return resp.StatusCode, fmt.Errorf("%s %s failed with status %d: %s", method, path, resp.StatusCode, string(respBody))
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return resp.StatusCode, fmt.Errorf("failed to decode response: %w, body: %s", err, string(respBody))
		}
	}

	return resp.StatusCode, nil
}

// createAccount opens a new funded account and returns its ID
func (sc *simulationClient) createAccount(name string) (string, error) {
	start := time.Now()
	defer func() {
		sc.stats["account"].addDuration(time.Since(start))
	}()

	payload := map[string]string{
		"name":            name,
		"opening_balance": openingBalance,
	}

	var result struct {
		Success bool          `json:"success"`
		Data    types.Account `json:"data"`
	}
	if _, err := sc.doJSON("POST", "/api/v1/accounts", payload, &result); err != nil {
		sc.stats["account"].failures++
		return "", err
	}
	if result.Data.AccountID == "" {
		sc.stats["account"].failures++
		return "", fmt.Errorf("no account ID in response")
	}

	return result.Data.AccountID, nil
}

// createOrder submits a new order and returns its ID
func (sc *simulationClient) createOrder(accountID string, req *types.CreateOrderRequest) (string, error) {
	start := time.Now()
	defer func() {
		sc.stats["create"].addDuration(time.Since(start))
	}()

	var result struct {
		Success bool        `json:"success"`
		Data    types.Order `json:"data"`
	}
	path := fmt.Sprintf("/api/v1/accounts/%s/orders", accountID)
	if _, err := sc.doJSON("POST", path, req, &result); err != nil {
		sc.stats["create"].failures++
		return "", err
	}
	if result.Data.OrderID == "" {
		sc.stats["create"].failures++
		return "", fmt.Errorf("no order ID in response")
	}

	return result.Data.OrderID, nil
}

// executeOrder triggers execution of an existing order and returns it in its
// terminal state
func (sc *simulationClient) executeOrder(orderID string) (*types.Order, error) {
	start := time.Now()
	defer func() {
		sc.stats["execute"].addDuration(time.Since(start))
	}()

	if orderID == "" {
		return nil, fmt.Errorf("orderID cannot be empty")
	}

	var result struct {
		Success bool        `json:"success"`
		Data    types.Order `json:"data"`
	}
	path := fmt.Sprintf("/api/v1/internal/execution/%s", orderID)
	if _, err := sc.doJSON("POST", path, nil, &result); err != nil {
		sc.stats["execute"].failures++
		return nil, err
	}
	if result.Data.OrderID == "" {
		sc.stats["execute"].failures++
		return nil, fmt.Errorf("no order in response")
	}

	return &result.Data, nil
}

// getBalance retrieves an account's cash balance
func (sc *simulationClient) getBalance(accountID string) (decimal.Decimal, error) {
	start := time.Now()
	defer func() {
		sc.stats["balance"].addDuration(time.Since(start))
	}()

	var result struct {
		Success bool                  `json:"success"`
		Data    types.BalanceResponse `json:"data"`
	}
	path := fmt.Sprintf("/api/v1/accounts/%s/balance", accountID)
	if _, err := sc.doJSON("GET", path, nil, &result); err != nil {
		sc.stats["balance"].failures++
		return decimal.Zero, err
	}

	return result.Data.CashBalance, nil
}

// getLedger retrieves an account's full ledger history
func (sc *simulationClient) getLedger(accountID string) ([]types.LedgerEntry, error) {
	start := time.Now()
	defer func() {
		sc.stats["ledger"].addDuration(time.Since(start))
	}()

	var result struct {
		Success bool                `json:"success"`
		Data    []types.LedgerEntry `json:"data"`
	}
	path := fmt.Sprintf("/api/v1/accounts/%s/ledger", accountID)
	if _, err := sc.doJSON("GET", path, nil, &result); err != nil {
		sc.stats["ledger"].failures++
		return nil, err
	}

	return result.Data, nil
}

// printPerformanceStats outputs formatted performance statistics for all API endpoints
func (sc *simulationClient) printPerformanceStats() {
	fmt.Println("\nAPI Performance Statistics")
	fmt.Println(strings.Repeat("-", 100))
	fmt.Printf("%-20s %10s %10s %10s %10s %10s %10s %10s %10s\n",
		"Endpoint", "Calls", "Errors", "Min", "Max", "Mean", "Median", "P95", "P99")
	fmt.Println(strings.Repeat("-", 100))

	for _, stats := range sc.stats {
		min, max, mean, median, p95, p99 := stats.calculate()
		fmt.Printf("%-20s %10d %10d %10s %10s %10s %10s %10s %10s\n",
			stats.name,
			stats.totalCalls,
			stats.failures,
			min.Round(time.Millisecond),
			max.Round(time.Millisecond),
			mean.Round(time.Millisecond),
			median.Round(time.Millisecond),
			p95.Round(time.Millisecond),
			p99.Round(time.Millisecond))
	}
	fmt.Println(strings.Repeat("-", 100))
}

// main runs the trading simulation
// It starts a local API server, opens funded accounts, submits and executes
// orders from concurrent workers, then audits every account's balance
// against its ledger history.
func main() {
	// Scratch database, discarded when the run ends.
	workDir, err := os.MkdirTemp("", "trading-sim")
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create scratch directory")
	}
	defer os.RemoveAll(workDir)

	// Start the server in a goroutine
	go func() {
		if err := startServer(filepath.Join(workDir, "simulation.db")); err != nil {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	// Wait for server to start
	time.Sleep(2 * time.Second)

	// Initialize simulation client
	simClient, err := newSimulationClient()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize simulation client")
	}

	// Open funded accounts
	var accountIDs []string
	for i := 0; i < numAccounts; i++ {
		name := fmt.Sprintf("sim-account-%d-%d", i, time.Now().UnixNano())
		accountID, err := simClient.createAccount(name)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create account")
		}
		accountIDs = append(accountIDs, accountID)
		log.Info().Str("account_id", accountID).Msg("Account created")
	}

	// Generate random number of orders to process
	targetOrders := rand.Intn(maxOrders-minOrders) + minOrders
	log.Info().Int("target_orders", targetOrders).Msg("Starting simulation")

	// Channel to collect order IDs
	ordersChan := make(chan string, targetOrders)
	var wg sync.WaitGroup

	// Start worker goroutines
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			createOrdersHTTP(workerID, targetOrders/numWorkers, accountIDs, simClient, ordersChan)
		}(i)
	}

	// Wait for all orders to be created
	wg.Wait()
	close(ordersChan)

	// Collect all order IDs
	var orderIDs []string
	for orderID := range ordersChan {
		orderIDs = append(orderIDs, orderID)
	}

	log.Info().Int("orders_created", len(orderIDs)).Msg("All orders created")

	stats := struct {
		TotalOrders    int
		ExecutedOrders int
		RejectedOrders int
		FailedCalls    int
		Replays        int
		TotalValue     decimal.Decimal
		StartTime      time.Time
		Symbols        map[string]int
		Sides          map[string]int
	}{
		StartTime: time.Now(),
		Symbols:   make(map[string]int),
		Sides:     make(map[string]int),
	}
	stats.TotalOrders = len(orderIDs)

	// Execute orders concurrently; every fifth order is executed twice to
	// exercise idempotent replay.
	var execWG sync.WaitGroup
	var statsMu sync.Mutex

	for i, orderID := range orderIDs {
		execWG.Add(1)
		go func(i int, orderID string) {
			defer execWG.Done()

			order, err := simClient.executeOrder(orderID)
			if err != nil {
				log.Error().Err(err).Str("order_id", orderID).Msg("Failed to execute order")
				statsMu.Lock()
				stats.FailedCalls++
				statsMu.Unlock()
				return
			}

			if i%5 == 0 {
				replay, err := simClient.executeOrder(orderID)
				statsMu.Lock()
				stats.Replays++
				statsMu.Unlock()
				if err == nil && replay.Status != order.Status {
					log.Error().
						Str("order_id", orderID).
						Str("first", order.Status).
						Str("replay", replay.Status).
						Msg("Replay produced a different terminal state")
				}
			}

			statsMu.Lock()
			defer statsMu.Unlock()
			stats.Symbols[order.Symbol]++
			stats.Sides[order.Side]++
			switch order.Status {
			case types.OrderExecuted:
				stats.ExecutedOrders++
				stats.TotalValue = stats.TotalValue.Add(order.Price.Mul(decimal.NewFromInt(order.Quantity)))
			case types.OrderFailed:
				stats.RejectedOrders++
			}

			log.Info().
				Str("order_id", order.OrderID).
				Str("status", order.Status).
				Str("reason", order.FailureReason).
				Msg("Order reached terminal state")
		}(i, orderID)
	}
	execWG.Wait()

	// Audit: every account's balance must equal the signed sum of its CASH
	// ledger entries.
	auditFailures := 0
	for _, accountID := range accountIDs {
		balance, err := simClient.getBalance(accountID)
		if err != nil {
			log.Error().Err(err).Str("account_id", accountID).Msg("Failed to fetch balance")
			auditFailures++
			continue
		}

		entries, err := simClient.getLedger(accountID)
		if err != nil {
			log.Error().Err(err).Str("account_id", accountID).Msg("Failed to fetch ledger")
			auditFailures++
			continue
		}

		cashSum := decimal.Zero
		for _, e := range entries {
			if e.Asset == types.AssetCash {
				cashSum = cashSum.Add(e.Amount)
			}
		}

		if !cashSum.Equal(balance) {
			auditFailures++
			log.Error().
				Str("account_id", accountID).
				Str("balance", balance.String()).
				Str("ledger_sum", cashSum.String()).
				Msg("LEDGER AUDIT FAILED: balance does not match ledger history")
		} else {
			log.Info().
				Str("account_id", accountID).
				Str("balance", balance.String()).
				Int("ledger_entries", len(entries)).
				Msg("Ledger audit passed")
		}
	}

	// Print summary
	duration := time.Since(stats.StartTime)
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("TRADING SIMULATION SUMMARY")
	fmt.Println(strings.Repeat("=", 80))

	fmt.Printf(`
Order Statistics
----------------
Total Orders:     %d
Executed:         %d
Rejected:         %d
Failed Calls:     %d
Replays:          %d
Audit Failures:   %d
Total Value:      $%s
Duration:         %v

Symbol Distribution
-------------------
`, stats.TotalOrders, stats.ExecutedOrders, stats.RejectedOrders,
		stats.FailedCalls, stats.Replays, auditFailures,
		stats.TotalValue.StringFixed(2), duration.Round(time.Millisecond))

	// Print symbol distribution with simple ASCII bar chart
	maxSymbolCount := 0
	for _, count := range stats.Symbols {
		if count > maxSymbolCount {
			maxSymbolCount = count
		}
	}

	for symbol, count := range stats.Symbols {
		barLength := int(float64(count) / float64(maxSymbolCount) * 20)
		bar := strings.Repeat("#", barLength)
		fmt.Printf("%-6s: %s (%d)\n", symbol, bar, count)
	}

	fmt.Println("\nSide Distribution")
	fmt.Println("-----------------")
	for side, count := range stats.Sides {
		barLength := int(float64(count) / float64(stats.TotalOrders) * 20)
		bar := strings.Repeat("#", barLength)
		fmt.Printf("%-4s: %s (%d)\n", side, bar, count)
	}

	fmt.Println("\n" + strings.Repeat("=", 80))

	successRate := float64(stats.ExecutedOrders+stats.RejectedOrders) / float64(stats.TotalOrders) * 100
	log.Info().
		Float64("terminal_rate", successRate).
		Int("total_orders", stats.TotalOrders).
		Int("executed", stats.ExecutedOrders).
		Str("total_value", stats.TotalValue.StringFixed(2)).
		Dur("duration", duration).
		Msg("Simulation completed")

	simClient.printPerformanceStats()
}

// createOrdersHTTP generates and submits random orders to the API
// Runs as a worker goroutine, sending created order IDs to ordersChan
func createOrdersHTTP(workerID, numOrders int, accountIDs []string, simClient *simulationClient, ordersChan chan<- string) {
	for i := 0; i < numOrders; i++ {
		accountID := accountIDs[rand.Intn(len(accountIDs))]
		req := &types.CreateOrderRequest{
			ClientOrderID: fmt.Sprintf("sim-%d-%d-%d", workerID, i, time.Now().UnixNano()),
			Symbol:        symbols[rand.Intn(len(symbols))],
			OrderType:     sides[rand.Intn(len(sides))],
			Quantity:      int64(rand.Intn(100) + 1),
			Price:         decimal.NewFromInt(int64(rand.Intn(900) + 100)),
		}

		orderID, err := simClient.createOrder(accountID, req)
		if err != nil {
			log.Error().Err(err).
				Str("worker_id", fmt.Sprintf("%d", workerID)).
				Str("symbol", req.Symbol).
				Msg("Failed to create order")
			continue
		}

		// Every fourth order is re-submitted with the same client_order_id;
		// the API must hand back the original order, not a second one.
		if i%4 == 0 {
			replayID, err := simClient.createOrder(accountID, req)
			if err != nil {
				log.Error().Err(err).
					Str("client_order_id", req.ClientOrderID).
					Msg("Replayed submission failed")
			} else if replayID != orderID {
				log.Error().
					Str("client_order_id", req.ClientOrderID).
					Str("first", orderID).
					Str("replay", replayID).
					Msg("Replayed submission created a second order")
			}
		}

		ordersChan <- orderID
		log.Info().
			Str("worker_id", fmt.Sprintf("%d", workerID)).
			Str("order_id", orderID).
			Str("symbol", req.Symbol).
			Str("side", req.OrderType).
			Int64("quantity", req.Quantity).
			Str("price", req.Price.String()).
			Msg("Order created")

		// Random sleep between orders
		time.Sleep(time.Duration(rand.Intn(500)) * time.Millisecond)
	}
}

// startServer initializes and starts the trading API server
// Sets up all required services, handlers and routes
func startServer(dbPath string) error {
	// Initialize database
	db, err := database.NewDatabase(dbPath)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	// Initialize services
	authService := auth.NewService("trading-ledger-secret-key")
	accountsService := accounts.NewService(db)
	tradingService := trading.NewService(db)

	// Register test credentials
	authService.RegisterAPICredentials(auth.TestAPIKey, auth.TestAPISecret)

	// Initialize router
	router := gin.Default()
	authHandlers := auth.NewGinHandlers(authService)
	accountsHandlers := accounts.NewGinHandlers(accountsService)
	tradingHandlers := trading.NewGinHandlers(tradingService)

	// Setup routes
	setupRoutes(router, authHandlers, accountsHandlers, tradingHandlers)

	// Start the server
	return router.Run(":8080")
}

// setupRoutes configures all API endpoints and their handlers
// Groups routes by functionality; the simulation runs without auth middleware
func setupRoutes(
	router *gin.Engine,
	authHandlers *auth.GinHandlers,
	accountsHandlers *accounts.GinHandlers,
	tradingHandlers *trading.GinHandlers,
) {
	v1 := router.Group("/api/v1")
	{
		// Auth routes
		authGroup := v1.Group("/auth")
		{
			authGroup.POST("/token", authHandlers.GenerateTokenHandler())
		}

		// Account routes
		acct := v1.Group("/accounts")
		{
			acct.POST("", accountsHandlers.CreateAccountHandler())
			acct.GET("/:account_id/balance", accountsHandlers.GetBalanceHandler())
			acct.GET("/:account_id/positions", accountsHandlers.GetPositionsHandler())
			acct.GET("/:account_id/ledger", accountsHandlers.GetLedgerHandler())
			acct.GET("/:account_id/orders", tradingHandlers.GetOrderHistoryHandler())
			acct.POST("/:account_id/orders", tradingHandlers.CreateOrderHandler())
		}

		// Order routes
		orders := v1.Group("/orders")
		{
			orders.GET("/:order_id", tradingHandlers.GetOrderHandler())
		}

		// Internal routes
		internal := v1.Group("/internal")
		{
			internal.POST("/execution/:order_id", tradingHandlers.ExecuteOrderHandler())
		}
	}
}
