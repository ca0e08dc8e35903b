package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hackgods/salon-conversation-engine/internal/config"
	"github.com/hackgods/salon-conversation-engine/internal/db"
)

type SimConfig struct {
	APIBaseURL   string
	Duration     time.Duration
	Workers      int
	MessageRatio float64
	ReadRatio    float64
	ContactLimit int
	NewContacts  int // fresh numbers that have never written before
	PostgresDSN  string
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Error     int64
	Latencies []time.Duration
	mu        sync.Mutex
}

func (om *OperationMetrics) Record(latency time.Duration, success bool, conflict bool) {
	atomic.AddInt64(&om.Total, 1)
	if success {
		atomic.AddInt64(&om.Success, 1)
	} else if conflict {
		atomic.AddInt64(&om.Conflict, 1)
	} else {
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.Latencies = append(om.Latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, min, max, p50, p95 time.Duration) {
	om.mu.Lock()
	defer om.mu.Unlock()

	if len(om.Latencies) == 0 {
		return 0, 0, 0, 0, 0
	}

	latencies := make([]time.Duration, len(om.Latencies))
	copy(latencies, om.Latencies)

	sort.Slice(latencies, func(i, j int) bool {
		return latencies[i] < latencies[j]
	})

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}

	avg = sum / time.Duration(len(latencies))
	min = latencies[0]
	max = latencies[len(latencies)-1]
	p50 = latencies[min2(len(latencies)*50/100, len(latencies)-1)]
	p95 = latencies[min2(len(latencies)*95/100, len(latencies)-1)]

	return avg, min, max, p50, p95
}

type Metrics struct {
	Message   OperationMetrics
	ReadState OperationMetrics
}

type Simulator struct {
	config   SimConfig
	contacts []string
	client   *http.Client
	metrics  Metrics
	logger   *slog.Logger
}

// Messages a salon customer would plausibly send. %s is filled with a
// service, a weekday or a first name.
var messageTemplates = []string{
	"hi! how much is a %s?",
	"do you have anything for %s this week?",
	"I'd like to book a %s",
	"can I come on %s afternoon?",
	"yes, please confirm",
	"actually can we move it to %s?",
	"my name is %s",
	"what time do you open on %s?",
	"I need to talk to a person",
	"thanks!",
}

var services = []string{"haircut", "manicure", "pedicure", "facial", "massage", "blowout", "hair coloring"}

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	logger.Info("simulator starting")

	cfg := loadConfig(logger)
	if err := validateConfig(cfg); err != nil {
		logger.Error("invalid config", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("config",
		slog.Duration("duration", cfg.Duration),
		slog.Int("workers", cfg.Workers),
		slog.Float64("message_ratio", cfg.MessageRatio),
		slog.Float64("read_ratio", cfg.ReadRatio),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pgPool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN, 2)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pgPool.Close()

	contacts, err := loadContacts(ctx, pgPool, cfg)
	if err != nil {
		logger.Error("load contacts", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("contacts loaded", slog.Int("count", len(contacts)))

	sim := &Simulator{
		config:   cfg,
		contacts: contacts,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger: logger,
	}

	sim.Run()
	sim.PrintReport()
}

func loadConfig(logger *slog.Logger) SimConfig {
	baseCfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load base config", slog.Any("error", err))
		os.Exit(1)
	}

	cfg := SimConfig{
		APIBaseURL:   getEnv("SIM_API_BASE_URL", "http://localhost:8080"),
		Duration:     getDuration("SIM_DURATION", 30*time.Second),
		Workers:      getInt("SIM_WORKERS", 10),
		MessageRatio: getFloat("SIM_MESSAGE_RATIO", 0.8),
		ReadRatio:    getFloat("SIM_READ_RATIO", 0.2),
		ContactLimit: getInt("SIM_CONTACT_LIMIT", 500),
		NewContacts:  getInt("SIM_NEW_CONTACTS", 50),
		PostgresDSN:  baseCfg.PostgresDSN,
	}

	total := cfg.MessageRatio + cfg.ReadRatio
	if total > 0 {
		cfg.MessageRatio /= total
		cfg.ReadRatio /= total
	}

	return cfg
}

func validateConfig(cfg SimConfig) error {
	if cfg.PostgresDSN == "" {
		return fmt.Errorf("POSTGRES_DSN is required (set in .env or environment)")
	}
	if cfg.Workers <= 0 {
		return fmt.Errorf("SIM_WORKERS must be > 0")
	}
	if cfg.Duration <= 0 {
		return fmt.Errorf("SIM_DURATION must be > 0")
	}
	return nil
}

// loadContacts mixes known contacts with fresh numbers so both the onboarding
// and the returning-customer paths get traffic.
func loadContacts(ctx context.Context, pool *pgxpool.Pool, cfg SimConfig) ([]string, error) {
	rows, err := pool.Query(ctx, `
		SELECT contact_id FROM contacts
		WHERE role IS NULL OR role <> 'manager'
		LIMIT $1
	`, cfg.ContactLimit)
	if err != nil {
		return nil, fmt.Errorf("load contacts: %w", err)
	}
	defer rows.Close()

	var contacts []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		contacts = append(contacts, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := 0; i < cfg.NewContacts; i++ {
		contacts = append(contacts, "55"+gofakeit.Numerify("118########"))
	}

	if len(contacts) == 0 {
		return nil, fmt.Errorf("no contacts loaded")
	}
	return contacts, nil
}

func (s *Simulator) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Duration)
	defer cancel()

	s.logger.Info("starting simulation", slog.Duration("duration", s.config.Duration), slog.Int("workers", s.config.Workers))

	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			s.worker(ctx, workerID)
		}(i)
	}

	wg.Wait()
	s.logger.Info("simulation complete")
}

func (s *Simulator) worker(ctx context.Context, workerID int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))

	for {
		select {
		case <-ctx.Done():
			return
		default:
			contactID := s.contacts[rng.Intn(len(s.contacts))]
			if rng.Float64() < s.config.MessageRatio {
				s.doMessage(ctx, rng, contactID)
			} else {
				s.doReadState(ctx, contactID)
			}
		}
	}
}

func fakeMessage(rng *rand.Rand) string {
	tmpl := messageTemplates[rng.Intn(len(messageTemplates))]
	if !strings.Contains(tmpl, "%s") {
		return tmpl
	}
	var fill string
	switch {
	case strings.Contains(tmpl, "name"):
		fill = gofakeit.FirstName()
	case strings.Contains(tmpl, "on %s"), strings.Contains(tmpl, "to %s"):
		fill = gofakeit.WeekDay()
	default:
		fill = services[rng.Intn(len(services))]
	}
	return fmt.Sprintf(tmpl, fill)
}

func (s *Simulator) doMessage(ctx context.Context, rng *rand.Rand, contactID string) {
	body, _ := json.Marshal(map[string]any{
		"channel":    "whatsapp",
		"contact_id": contactID,
		"pushname":   gofakeit.FirstName(),
		"body":       fakeMessage(rng),
		"message_id": "sim." + gofakeit.UUID(),
	})

	start := time.Now()

	req, _ := http.NewRequestWithContext(ctx, http.MethodPost, s.config.APIBaseURL+"/webhook/messages", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	latency := time.Since(start)

	success := false
	if err == nil {
		defer resp.Body.Close()
		success = resp.StatusCode == http.StatusAccepted
	}

	s.metrics.Message.Record(latency, success, false)
}

func (s *Simulator) doReadState(ctx context.Context, contactID string) {
	start := time.Now()

	req, _ := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/contacts/%s/state", s.config.APIBaseURL, contactID), nil)

	resp, err := s.client.Do(req)
	latency := time.Since(start)

	success := false
	notFound := false
	if err == nil {
		defer resp.Body.Close()
		success = resp.StatusCode == http.StatusOK
		// fresh numbers have no contact row until their first turn lands
		notFound = resp.StatusCode == http.StatusNotFound
	}

	s.metrics.ReadState.Record(latency, success, notFound)
}

func (s *Simulator) PrintReport() {
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("SIMULATION REPORT")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Duration: %s\n", s.config.Duration)
	fmt.Printf("Workers: %d\n", s.config.Workers)
	fmt.Printf("Contacts: %d\n", len(s.contacts))
	fmt.Println()

	printOperationReport("Inbound message", "", &s.metrics.Message)
	printOperationReport("Read state", "Not found", &s.metrics.ReadState)
}

func printOperationReport(name, conflictLabel string, om *OperationMetrics) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return
	}

	success := atomic.LoadInt64(&om.Success)
	conflict := atomic.LoadInt64(&om.Conflict)
	failed := atomic.LoadInt64(&om.Error)

	avg, min, max, p50, p95 := om.Stats()

	fmt.Printf("%s:\n", name)
	fmt.Printf("  Total: %d\n", total)
	fmt.Printf("  Success: %d (%.1f%%)\n", success, float64(success)/float64(total)*100)
	if conflict > 0 {
		fmt.Printf("  %s: %d (%.1f%%)\n", conflictLabel, conflict, float64(conflict)/float64(total)*100)
	}
	if failed > 0 {
		fmt.Printf("  Errors: %d (%.1f%%)\n", failed, float64(failed)/float64(total)*100)
	}
	fmt.Printf("  Latency: avg=%s min=%s max=%s p50=%s p95=%s\n",
		avg.Round(time.Millisecond), min.Round(time.Millisecond), max.Round(time.Millisecond),
		p50.Round(time.Millisecond), p95.Round(time.Millisecond))
	fmt.Println()
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func min2(a, b int) int {
	if a < b {
		return a
	}
	return b
}
