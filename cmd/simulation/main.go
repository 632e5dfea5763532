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
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/marketsim/paper-exchange/internal/auth"
	"github.com/marketsim/paper-exchange/internal/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

const (
	minOrders     = 15
	maxOrders     = 150
	numWorkers    = 5
	serverAddress = "http://localhost:8080"
	portfolioID   = "sim-portfolio"
	seedCash      = 1_000_000
)

var sides = []string{"BUY", "SELL"}

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

// simulationClient handles HTTP communication with the exchange API
type simulationClient struct {
	baseURL   string
	authToken string
	client    *http.Client
	stats     map[string]*routeStats
}

// newSimulationClient creates and initializes a new simulation client
// It authenticates with the API and prepares performance tracking
func newSimulationClient() (*simulationClient, error) {
	client := &http.Client{
		Timeout: 10 * time.Second,
	}

	sc := &simulationClient{
		baseURL: serverAddress,
		client:  client,
		stats: map[string]*routeStats{
			"auth":    {name: "Authentication"},
			"deposit": {name: "Deposit"},
			"assets":  {name: "List Assets"},
			"place":   {name: "Place Order"},
			"get":     {name: "Get Order"},
			"match":   {name: "Matching Pass"},
			"balance": {name: "Get Balance"},
		},
	}

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
		Data struct {
			Token string `json:"jwt_token"`
		} `json:"data"`
		Token string `json:"jwt_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}
	if result.Data.Token != "" {
		return result.Data.Token, nil
	}
	return result.Token, nil
}

// do issues an authenticated request and decodes the standard response
// envelope into out
func (sc *simulationClient) do(statKey, method, path string, payload interface{}, out interface{}) error {
	start := time.Now()
	defer func() {
		sc.stats[statKey].addDuration(time.Since(start))
	}()

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewBuffer(raw)
	}

	req, err := http.NewRequest(method, sc.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", sc.authToken))
	req.Header.Set("Content-Type", "application/json")
	if method == http.MethodPost {
		req.Header.Set("Idempotency-Key", uuid.New().String())
	}

	resp, err := sc.client.Do(req)
	if err != nil {
		sc.stats[statKey].failures++
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	log.Debug().Str("path", path).Str("response", string(respBody)).Msg("API response")

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		sc.stats[statKey].failures++
		return fmt.Errorf("%s %s failed with status %d: %s", method, path, resp.StatusCode, string(respBody))
	}

	if out == nil {
		return nil
	}
	envelope := struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
	}{}
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return fmt.Errorf("failed to decode response: %w, body: %s", err, string(respBody))
	}
	return json.Unmarshal(envelope.Data, out)
}

// deposit funds the simulation portfolio
func (sc *simulationClient) deposit(amount decimal.Decimal) error {
	payload := map[string]interface{}{
		"user_id":      auth.TestAPIKey,
		"portfolio_id": portfolioID,
		"amount":       amount,
	}
	return sc.do("deposit", http.MethodPost, "/api/v1/internal/deposits", payload, nil)
}

// listAssets fetches the tradeable asset universe
func (sc *simulationClient) listAssets() ([]types.Asset, error) {
	var assets []types.Asset
	if err := sc.do("assets", http.MethodGet, "/api/v1/assets", nil, &assets); err != nil {
		return nil, err
	}
	return assets, nil
}

// placeOrder submits a new order and returns its ID
func (sc *simulationClient) placeOrder(assetID, side, orderType string, quantity, limitPrice decimal.Decimal) (string, error) {
	payload := map[string]interface{}{
		"portfolio_id": portfolioID,
		"asset_id":     assetID,
		"side":         side,
		"order_type":   orderType,
		"quantity":     quantity,
	}
	if orderType == string(types.TypeLimit) {
		payload["limit_price"] = limitPrice
	}

	var result struct {
		Order types.Order `json:"order"`
	}
	if err := sc.do("place", http.MethodPost, "/api/v1/orders", payload, &result); err != nil {
		return "", err
	}
	if result.Order.OrderID == "" {
		return "", fmt.Errorf("no order ID in response")
	}
	return result.Order.OrderID, nil
}

// getOrder retrieves the current status of an order
func (sc *simulationClient) getOrder(orderID string) (*types.Order, error) {
	var order types.Order
	if err := sc.do("get", http.MethodGet, "/api/v1/orders/"+orderID, nil, &order); err != nil {
		return nil, err
	}
	return &order, nil
}

// runMatchingPass triggers a matching pass
func (sc *simulationClient) runMatchingPass() error {
	return sc.do("match", http.MethodPost, "/api/v1/internal/matching/run", nil, nil)
}

// getBalance fetches the portfolio balance summary
func (sc *simulationClient) getBalance() (*types.Balance, error) {
	var balance types.Balance
	if err := sc.do("balance", http.MethodGet, "/api/v1/portfolios/"+portfolioID+"/balance", nil, &balance); err != nil {
		return nil, err
	}
	return &balance, nil
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

// placeRandomOrders drives one worker's share of order placement
func placeRandomOrders(workerID, count int, sc *simulationClient, assets []types.Asset, ordersChan chan<- string) {
	for i := 0; i < count; i++ {
		asset := assets[rand.Intn(len(assets))]
		side := sides[rand.Intn(len(sides))]
		quantity := decimal.NewFromInt(int64(rand.Intn(20) + 1))

		orderType := string(types.TypeMarket)
		limitPrice := decimal.Zero
		if rand.Float64() < 0.5 {
			orderType = string(types.TypeLimit)
			// Limit within +/- 3% of the last price.
			offset := 1 + (rand.Float64()*0.06 - 0.03)
			limitPrice = asset.LastPrice.Mul(decimal.NewFromFloat(offset)).Round(2)
		}

		orderID, err := sc.placeOrder(asset.AssetID, side, orderType, quantity, limitPrice)
		if err != nil {
			// Rejections are part of the simulation: sells without a
			// position and underfunded buys are expected.
			log.Debug().Err(err).Int("worker", workerID).Msg("order not placed")
			continue
		}
		ordersChan <- orderID
	}
}

// main runs the trading simulation against a locally running server
// Start the server first: go run ./cmd/server
func main() {
	simClient, err := newSimulationClient()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize simulation client")
	}

	if err := simClient.deposit(decimal.NewFromInt(seedCash)); err != nil {
		log.Fatal().Err(err).Msg("Failed to fund simulation portfolio")
	}

	assets, err := simClient.listAssets()
	if err != nil || len(assets) == 0 {
		log.Fatal().Err(err).Msg("Failed to load asset universe")
	}

	targetOrders := rand.Intn(maxOrders-minOrders) + minOrders
	log.Info().Int("target_orders", targetOrders).Msg("Starting simulation")

	ordersChan := make(chan string, targetOrders)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			placeRandomOrders(workerID, targetOrders/numWorkers, simClient, assets, ordersChan)
		}(i)
	}

	wg.Wait()
	close(ordersChan)

	var orderIDs []string
	for orderID := range ordersChan {
		orderIDs = append(orderIDs, orderID)
	}
	log.Info().Int("orders_created", len(orderIDs)).Msg("All orders placed")

	// Let the matching engine work through the book.
	for i := 0; i < 3; i++ {
		if err := simClient.runMatchingPass(); err != nil {
			log.Error().Err(err).Msg("Matching pass failed")
		}
		time.Sleep(time.Second)
	}

	filled, cancelled, open := 0, 0, 0
	for _, orderID := range orderIDs {
		order, err := simClient.getOrder(orderID)
		if err != nil {
			log.Error().Err(err).Str("order_id", orderID).Msg("Failed to fetch order")
			continue
		}
		switch order.Status {
		case types.OrderFilled:
			filled++
		case types.OrderCancelled:
			cancelled++
		default:
			open++
		}
	}

	balance, err := simClient.getBalance()
	if err != nil {
		log.Error().Err(err).Msg("Failed to fetch final balance")
	} else {
		log.Info().
			Str("cash", balance.Cash.String()).
			Str("positions_value", balance.PositionsValue.String()).
			Str("total_value", balance.TotalValue.String()).
			Str("realized_pnl", balance.RealizedPnl.String()).
			Str("unrealized_pnl", balance.UnrealizedPnl.String()).
			Msg("Final portfolio balance")
	}

	log.Info().
		Int("filled", filled).
		Int("cancelled", cancelled).
		Int("open", open).
		Msg("Simulation completed")

	simClient.printPerformanceStats()
}
