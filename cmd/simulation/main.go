package main

import (
	"bytes"
	"context"
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

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/ksred/klear-nft/internal/auction"
	"github.com/ksred/klear-nft/internal/auth"
	"github.com/ksred/klear-nft/internal/chain"
	"github.com/ksred/klear-nft/internal/config"
	"github.com/ksred/klear-nft/internal/database"
	"github.com/ksred/klear-nft/internal/settlement"
	"github.com/ksred/klear-nft/internal/types"
	"github.com/ksred/klear-nft/internal/wallet"
	"github.com/ksred/klear-nft/pkg/middleware"
	"github.com/ksred/klear-nft/pkg/response"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const (
	minItems      = 15
	maxItems      = 150
	numWorkers    = 5
	numUsers      = 12
	serverAddress = "http://localhost:8080"

	simOperatorKey    = "sim-operator"
	simOperatorSecret = "sim-operator-secret"
	simJWTSecret      = "klear-secret-key"
)

// init configures the logger for the simulation with pretty printing and timestamp
func init() {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

// routeStats tracks latency of one API endpoint
type routeStats struct {
	name       string
	durations  []time.Duration
	totalCalls int
	failures   int
}

func (rs *routeStats) addDuration(d time.Duration) {
	rs.durations = append(rs.durations, d)
	rs.totalCalls++
}

// calculate returns min, max, mean, median, p95 and p99 latencies
func (rs *routeStats) calculate() (min, max, mean, median, p95, p99 time.Duration) {
	n := len(rs.durations)
	if n == 0 {
		return 0, 0, 0, 0, 0, 0
	}

	sorted := append([]time.Duration(nil), rs.durations...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}

	percentile := func(p float64) time.Duration {
		return sorted[int(math.Ceil(float64(n)*p))-1]
	}
	return sorted[0], sorted[n-1], sum / time.Duration(n), sorted[n/2], percentile(0.95), percentile(0.99)
}

// simulationClient drives the settlement API as an operator would
type simulationClient struct {
	baseURL   string
	authToken string
	client    *http.Client
	mu        sync.Mutex
	stats     map[string]*routeStats
}

func newSimulationClient() (*simulationClient, error) {
	sc := &simulationClient{
		baseURL: serverAddress,
		client:  &http.Client{Timeout: 10 * time.Second},
		stats: map[string]*routeStats{
			"auth":    {name: "Authentication"},
			"trigger": {name: "Trigger Run"},
			"runs":    {name: "List Runs"},
			"item":    {name: "Item Settlement"},
		},
	}

	token, err := call[auth.TokenResponse](sc, "auth", http.MethodPost, "/api/v1/auth/token", auth.Credentials{
		APIKey:    simOperatorKey,
		APISecret: simOperatorSecret,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to authenticate: %w", err)
	}
	sc.authToken = token.Token

	return sc, nil
}

// call sends one request and decodes the data field of the response envelope
func call[T any](sc *simulationClient, route, method, path string, body interface{}) (T, error) {
	var zero T

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return zero, err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequest(method, sc.baseURL+path, reader)
	if err != nil {
		return zero, err
	}
	req.Header.Set("Content-Type", "application/json")
	if sc.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+sc.authToken)
	}

	start := time.Now()
	resp, err := sc.client.Do(req)
	elapsed := time.Since(start)

	sc.mu.Lock()
	stats := sc.stats[route]
	stats.addDuration(elapsed)
	if err != nil || resp.StatusCode >= 300 {
		stats.failures++
	}
	sc.mu.Unlock()

	if err != nil {
		return zero, err
	}
	defer resp.Body.Close()

	var envelope struct {
		Success bool            `json:"success"`
		Data    T               `json:"data"`
		Error   *response.Error `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return zero, fmt.Errorf("failed to decode %s response: %w", route, err)
	}
	if !envelope.Success {
		if envelope.Error != nil {
			return zero, fmt.Errorf("%s failed with %d: %s", route, resp.StatusCode, envelope.Error.Message)
		}
		return zero, fmt.Errorf("%s failed with %d", route, resp.StatusCode)
	}
	return envelope.Data, nil
}

func (sc *simulationClient) printPerformanceStats() {
	fmt.Println("\nAPI Performance Statistics")
	fmt.Println(strings.Repeat("-", 100))
	fmt.Printf("%-20s %10s %10s %10s %10s %10s %10s %10s %10s\n",
		"Endpoint", "Calls", "Errors", "Min", "Max", "Mean", "Median", "P95", "P99")
	fmt.Println(strings.Repeat("-", 100))

	routes := make([]string, 0, len(sc.stats))
	for route := range sc.stats {
		routes = append(routes, route)
	}
	sort.Strings(routes)

	for _, route := range routes {
		stats := sc.stats[route]
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

// main seeds a throwaway marketplace with ended auctions, settles them through
// the operator API against a dry-run chain and prints the outcome mix
func main() {
	dir, err := os.MkdirTemp("", "klear-nft-sim")
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create working directory")
	}
	defer os.RemoveAll(dir)

	db, err := database.NewDatabase(config.DBConfig{
		Driver:       "sqlite",
		DSN:          filepath.Join(dir, "simulation.db"),
		MaxOpenConns: 1,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}

	users, collections, err := seedParticipants(db)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to seed participants")
	}

	targetItems := rand.Intn(maxItems-minItems) + minItems
	log.Info().Int("target_items", targetItems).Msg("Starting simulation")

	itemsChan := make(chan string, targetItems)
	var wg sync.WaitGroup
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			seedAuctions(workerID, targetItems/numWorkers, db, users, collections, itemsChan)
		}(i)
	}
	wg.Wait()
	close(itemsChan)

	var itemIDs []string
	for itemID := range itemsChan {
		itemIDs = append(itemIDs, itemID)
	}
	log.Info().Int("items_created", len(itemIDs)).Msg("All auctions seeded")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		if err := startServer(ctx, db); err != nil {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	// Wait for server to start
	time.Sleep(2 * time.Second)

	simClient, err := newSimulationClient()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize simulation client")
	}

	startTime := time.Now()
	queued, err := call[types.RunQueuedResponse](simClient, "trigger", http.MethodPost, "/api/v1/internal/settlement/run", nil)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to trigger settlement run")
	}
	log.Info().Time("next_scheduled_run", queued.NextRun).Msg("Settlement run queued")

	run, err := waitForRun(simClient, 2*time.Minute)
	if err != nil {
		log.Fatal().Err(err).Msg("Settlement run did not finish")
	}

	stats := struct {
		Statuses   map[string]int
		Offers     int
		Accepted   int
		TotalValue decimal.Decimal
		Failed     int
	}{
		Statuses: make(map[string]int),
	}

	for _, itemID := range itemIDs {
		view, err := call[types.ItemSettlementResponse](simClient, "item", http.MethodGet, "/api/v1/internal/settlement/items/"+itemID, nil)
		if err != nil {
			log.Error().Err(err).Str("item_id", itemID).Msg("Failed to fetch item settlement")
			stats.Failed++
			continue
		}

		stats.Statuses[view.Item.SettlementStatus]++
		stats.Offers += len(view.Offers)
		if view.Acceptance != nil {
			stats.Accepted++
			stats.TotalValue = stats.TotalValue.Add(acceptedPrice(db, view.Acceptance.AuctionID))
		}
	}

	duration := time.Since(startTime)
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("AUCTION SETTLEMENT SIMULATION SUMMARY")
	fmt.Println(strings.Repeat("=", 80))

	fmt.Printf(`
Run %s (%s)
------------------
Items:            %d
Accepted:         %d
Lapsed:           %d
No bids:          %d
Self bids:        %d
Retried:          %d
Abandoned:        %d
Offers created:   %d
Settled value:    %s ETH
Lookup failures:  %d
Duration:         %v

Status Distribution
--------------------
`, run.RunID, run.Status, run.Items, run.Accepted, run.Lapsed, run.NoBids, run.SelfBids,
		run.Retried, run.Abandoned, stats.Offers, stats.TotalValue.StringFixed(4), stats.Failed,
		duration.Round(time.Millisecond))

	maxCount := 0
	for _, count := range stats.Statuses {
		if count > maxCount {
			maxCount = count
		}
	}
	for status, count := range stats.Statuses {
		barLength := int(float64(count) / float64(maxCount) * 20)
		fmt.Printf("%-10s: %s (%d)\n", status, strings.Repeat("#", barLength), count)
	}
	fmt.Println("\n" + strings.Repeat("=", 80))

	log.Info().
		Int("items", len(itemIDs)).
		Int("accepted", stats.Accepted).
		Str("settled_value", stats.TotalValue.String()).
		Dur("duration", duration).
		Msg("Simulation completed")

	simClient.printPerformanceStats()
}

// waitForRun polls the run history until the manual pass has finished
func waitForRun(sc *simulationClient, timeout time.Duration) (*settlement.SettlementRun, error) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		runs, err := call[[]settlement.SettlementRun](sc, "runs", http.MethodGet, "/api/v1/internal/settlement/runs?limit=1", nil)
		if err != nil {
			return nil, err
		}
		if len(runs) > 0 && runs[0].Status != settlement.RunStatusRunning {
			return &runs[0], nil
		}
		time.Sleep(250 * time.Millisecond)
	}
	return nil, fmt.Errorf("no finished run after %s", timeout)
}

func acceptedPrice(db *gorm.DB, auctionID string) decimal.Decimal {
	var bid types.Auction
	if err := db.Where("auction_id = ?", auctionID).First(&bid).Error; err != nil {
		return decimal.Zero
	}
	return bid.Price
}

func seedParticipants(db *gorm.DB) ([]types.User, []types.Collection, error) {
	users := make([]types.User, 0, numUsers)
	for i := 0; i < numUsers; i++ {
		key, err := crypto.GenerateKey()
		if err != nil {
			return nil, nil, err
		}
		users = append(users, types.User{
			UserID:        "USR_" + uuid.New().String(),
			ExternalID:    fmt.Sprintf("sim-user-%d", i),
			WalletAddress: crypto.PubkeyToAddress(key.PublicKey).Hex(),
		})
	}
	if err := db.Create(&users).Error; err != nil {
		return nil, nil, fmt.Errorf("failed to create users: %w", err)
	}

	collections := []types.Collection{
		{CollectionID: "COL_" + uuid.New().String(), Name: "Genesis", ContractAddress: "0x5FbDB2315678afecb367f032d93F642f64180aa3", ChainID: 31337},
		{CollectionID: "COL_" + uuid.New().String(), Name: "Pixels", ContractAddress: "0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512", ChainID: 31337},
		{CollectionID: "COL_" + uuid.New().String(), Name: "Broken", ContractAddress: "not-an-address", ChainID: 31337},
	}
	if err := db.Create(&collections).Error; err != nil {
		return nil, nil, fmt.Errorf("failed to create collections: %w", err)
	}
	return users, collections, nil
}

// seedAuctions creates ended auctions with zero to four bids each. Roughly one
// in ten bids is placed by the owner and one collection has a bad contract.
func seedAuctions(workerID, numItems int, db *gorm.DB, users []types.User, collections []types.Collection, itemsChan chan<- string) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))
	now := time.Now().UTC()

	for i := 0; i < numItems; i++ {
		owner := users[rng.Intn(len(users))]
		item := types.Item{
			ItemID:       "ITM_" + uuid.New().String(),
			Name:         fmt.Sprintf("Token #%d-%d", workerID, i),
			OwnerID:      owner.UserID,
			CollectionID: collections[rng.Intn(len(collections))].CollectionID,
			TokenID:      fmt.Sprintf("%d", workerID*10000+i+1),
			ReservePrice: decimal.NewFromInt(int64(rng.Intn(40) + 5)).Div(decimal.NewFromInt(10)),
			Currency:     "ETH",
			AuctionEnd:   now.Add(-time.Duration(rng.Intn(72)+1) * time.Hour),
		}

		bids := make([]types.Auction, 0, 4)
		placed := item.AuctionEnd.Add(-48 * time.Hour)
		for b := rng.Intn(5); b > 0; b-- {
			bidder := users[rng.Intn(len(users))]
			if rng.Intn(10) == 0 {
				bidder = owner
			}
			placed = placed.Add(time.Duration(rng.Intn(120)+1) * time.Minute)
			bids = append(bids, types.Auction{
				AuctionID: "AUC_" + uuid.New().String(),
				ItemID:    item.ItemID,
				SenderID:  bidder.UserID,
				Price:     decimal.NewFromInt(int64(rng.Intn(50) + 1)).Div(decimal.NewFromInt(10)),
				Currency:  "ETH",
				CreatedAt: placed,
			})
		}

		err := db.Transaction(func(tx *gorm.DB) error {
			if err := tx.Create(&item).Error; err != nil {
				return err
			}
			if len(bids) > 0 {
				return tx.Create(&bids).Error
			}
			return nil
		})
		if err != nil {
			log.Error().Err(err).
				Int("worker_id", workerID).
				Str("item_id", item.ItemID).
				Msg("Failed to seed auction")
			continue
		}

		itemsChan <- item.ItemID
		log.Debug().
			Int("worker_id", workerID).
			Str("item_id", item.ItemID).
			Str("reserve", item.ReservePrice.String()).
			Int("bids", len(bids)).
			Msg("Auction seeded")
	}
}

// startServer wires the settlement stack against a dry-run chain and serves
// the operator API until ctx is cancelled
func startServer(ctx context.Context, db *gorm.DB) error {
	key, err := crypto.GenerateKey()
	if err != nil {
		return fmt.Errorf("failed to generate sandbox key: %w", err)
	}
	sandbox := wallet.Credential{Address: crypto.PubkeyToAddress(key.PublicKey), PrivateKey: key}

	marketplaceDB := auction.NewDatabase(db)
	settlementDB := settlement.NewDatabase(db)

	// a flaky node leaves a few items open for retry
	node := chain.NewDryRunClient().SimulateNetwork(5*time.Millisecond, 40*time.Millisecond, 0.05)

	engine := settlement.NewEngine(marketplaceDB, settlementDB, wallet.NewSandboxResolver(sandbox, nil), chain.NewExecutor(node), settlement.EngineConfig{
		Policy:      settlement.PolicyLatest,
		MaxAttempts: 3,
		Workers:     numWorkers,
	})
	processor := settlement.NewProcessor(engine, settlementDB, nil, time.UTC)
	go processor.Start(ctx)

	authService := auth.NewService(simJWTSecret)
	authService.RegisterAPICredentials(simOperatorKey, simOperatorSecret)

	authHandlers := auth.NewGinHandlers(authService)
	settlementHandlers := settlement.NewGinHandlers(settlement.NewService(processor, settlementDB, marketplaceDB, 10), auction.ErrItemNotFound)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	setupRoutes(router, authHandlers, settlementHandlers)

	srv := &http.Server{Addr: ":8080", Handler: router}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// setupRoutes mirrors the server routes without rate limiting, the
// simulation polls faster than operators are allowed to
func setupRoutes(
	router *gin.Engine,
	authHandlers *auth.GinHandlers,
	settlementHandlers *settlement.GinHandlers,
) {
	v1 := router.Group("/api/v1")
	{
		auth := v1.Group("/auth")
		{
			auth.POST("/token", authHandlers.GenerateTokenHandler())
		}

		internal := v1.Group("/internal")
		internal.Use(middleware.OperatorAuth(simJWTSecret))
		{
			internal.POST("/settlement/run", settlementHandlers.RunSettlementHandler())
			internal.GET("/settlement/runs", settlementHandlers.ListRunsHandler())
			internal.GET("/settlement/items/:item_id", settlementHandlers.GetItemSettlementHandler())
		}
	}
}
