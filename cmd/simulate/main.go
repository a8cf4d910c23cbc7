package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
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
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/rezendedigital02/dash/internal/api"
	"github.com/rezendedigital02/dash/internal/clinictime"
	"github.com/rezendedigital02/dash/internal/config"
	"github.com/rezendedigital02/dash/internal/db"
	"github.com/rezendedigital02/dash/internal/logging"
)

// SimConfig drives a booking load test against a running api-server.
// Many workers aim at few owners and few days so admissions collide.
type SimConfig struct {
	APIBaseURL  string
	Duration    time.Duration
	Workers     int
	BookRatio   float64
	CancelRatio float64
	ReadRatio   float64
	OwnerLimit  int
	DaysAhead   int
	PostgresDSN string
	JWTSecret   string
}

type owner struct {
	ID    uuid.UUID
	Token string
}

type DataPool struct {
	Owners       []owner
	mu           sync.RWMutex
	appointments map[uuid.UUID][]uuid.UUID // owner -> booked ids
}

func (dp *DataPool) AddAppointment(ownerID, id uuid.UUID) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.appointments[ownerID] = append(dp.appointments[ownerID], id)
}

func (dp *DataPool) RandomAppointment(rng *rand.Rand, ownerID uuid.UUID) (uuid.UUID, bool) {
	dp.mu.RLock()
	defer dp.mu.RUnlock()
	ids := dp.appointments[ownerID]
	if len(ids) == 0 {
		return uuid.Nil, false
	}
	return ids[rng.Intn(len(ids))], true
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Error     int64
	Latencies []time.Duration
	mu        sync.Mutex
}

func (om *OperationMetrics) Record(latency time.Duration, status int, err error) {
	atomic.AddInt64(&om.Total, 1)
	switch {
	case err != nil:
		atomic.AddInt64(&om.Error, 1)
	case status >= 200 && status < 300:
		atomic.AddInt64(&om.Success, 1)
	case status == http.StatusConflict:
		atomic.AddInt64(&om.Conflict, 1)
	default:
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.Latencies = append(om.Latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, p50, p95, p99, max time.Duration) {
	om.mu.Lock()
	latencies := make([]time.Duration, len(om.Latencies))
	copy(latencies, om.Latencies)
	om.mu.Unlock()

	if len(latencies) == 0 {
		return 0, 0, 0, 0, 0
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}
	at := func(pct int) time.Duration {
		idx := len(latencies) * pct / 100
		if idx >= len(latencies) {
			idx = len(latencies) - 1
		}
		return latencies[idx]
	}
	return sum / time.Duration(len(latencies)), at(50), at(95), at(99), latencies[len(latencies)-1]
}

type Metrics struct {
	Book     OperationMetrics
	Cancel   OperationMetrics
	ReadByID OperationMetrics
	ListDay  OperationMetrics
	Slots    OperationMetrics
}

type Simulator struct {
	config  SimConfig
	pool    *DataPool
	client  *http.Client
	log     *zap.Logger
	metrics Metrics
	today   clinictime.Date
}

func main() {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New("dev")
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init error: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("simulator starting",
		zap.Duration("duration", cfg.Duration),
		zap.Int("workers", cfg.Workers),
		zap.Float64("book", cfg.BookRatio),
		zap.Float64("cancel", cfg.CancelRatio),
		zap.Float64("read", cfg.ReadRatio),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pgPool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal("connect postgres", zap.Error(err))
	}
	defer pgPool.Close()

	dataPool, err := loadDataPool(ctx, pgPool, cfg)
	if err != nil {
		logger.Fatal("load data pool", zap.Error(err))
	}
	logger.Info("owners loaded", zap.Int("owners", len(dataPool.Owners)))

	sim := &Simulator{
		config: cfg,
		pool:   dataPool,
		client: &http.Client{Timeout: 10 * time.Second},
		log:    logger,
		today:  clinictime.DateOf(time.Now()),
	}

	sim.Run()
	sim.PrintReport()

	checkCtx, cancelCheck := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelCheck()
	dupes, err := countDoubleBookings(checkCtx, pgPool)
	if err != nil {
		logger.Fatal("double booking check", zap.Error(err))
	}
	if dupes > 0 {
		logger.Error("double bookings found", zap.Int("instants", dupes))
		os.Exit(1)
	}
	fmt.Println("No instant holds more than one confirmed appointment.")
}

// countDoubleBookings counts (owner, instant) pairs holding more than one
// confirmed appointment. Anything above zero is a scheduling bug.
func countDoubleBookings(ctx context.Context, pool *pgxpool.Pool) (int, error) {
	var n int
	err := pool.QueryRow(ctx, `
		SELECT count(*) FROM (
			SELECT owner_id, starts_at
			FROM appointments
			WHERE status = 'confirmed'
			GROUP BY owner_id, starts_at
			HAVING count(*) > 1
		) d
	`).Scan(&n)
	return n, err
}

func loadConfig() (SimConfig, error) {
	baseCfg, err := config.Load()
	if err != nil {
		return SimConfig{}, fmt.Errorf("base config: %w", err)
	}

	cfg := SimConfig{
		APIBaseURL:  getEnv("SIM_API_BASE_URL", "http://localhost:8080"),
		Duration:    getDuration("SIM_DURATION", 30*time.Second),
		Workers:     getInt("SIM_WORKERS", 10),
		BookRatio:   getFloat("SIM_BOOK_RATIO", 0.5),
		CancelRatio: getFloat("SIM_CANCEL_RATIO", 0.1),
		ReadRatio:   getFloat("SIM_READ_RATIO", 0.4),
		OwnerLimit:  getInt("SIM_OWNER_LIMIT", 5),
		DaysAhead:   getInt("SIM_DAYS_AHEAD", 3),
		PostgresDSN: baseCfg.PostgresDSN,
		JWTSecret:   baseCfg.JWTSecret,
	}

	// Normalize ratios
	total := cfg.BookRatio + cfg.CancelRatio + cfg.ReadRatio
	if total > 0 {
		cfg.BookRatio /= total
		cfg.CancelRatio /= total
		cfg.ReadRatio /= total
	}

	if cfg.Workers <= 0 {
		return SimConfig{}, fmt.Errorf("SIM_WORKERS must be > 0")
	}
	if cfg.Duration <= 0 {
		return SimConfig{}, fmt.Errorf("SIM_DURATION must be > 0")
	}
	if cfg.DaysAhead <= 0 {
		return SimConfig{}, fmt.Errorf("SIM_DAYS_AHEAD must be > 0")
	}
	return cfg, nil
}

func loadDataPool(ctx context.Context, pool *pgxpool.Pool, cfg SimConfig) (*DataPool, error) {
	rows, err := pool.Query(ctx, `
		SELECT id, email, clinic FROM owners ORDER BY created_at LIMIT $1
	`, cfg.OwnerLimit)
	if err != nil {
		return nil, fmt.Errorf("load owners: %w", err)
	}
	defer rows.Close()

	tokens := api.NewTokenValidator(cfg.JWTSecret)
	dataPool := &DataPool{appointments: make(map[uuid.UUID][]uuid.UUID)}

	for rows.Next() {
		var (
			id            uuid.UUID
			email, clinic string
		)
		if err := rows.Scan(&id, &email, &clinic); err != nil {
			return nil, err
		}
		token, err := tokens.Issue(id, email, clinic, cfg.Duration+time.Hour)
		if err != nil {
			return nil, fmt.Errorf("issue token: %w", err)
		}
		dataPool.Owners = append(dataPool.Owners, owner{ID: id, Token: token})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(dataPool.Owners) == 0 {
		return nil, fmt.Errorf("no owners loaded, run cmd/seed first")
	}
	return dataPool, nil
}

func (s *Simulator) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Duration)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			s.worker(ctx, workerID)
		}(i)
	}

	wg.Wait()
	s.log.Info("simulation complete")
}

func (s *Simulator) worker(ctx context.Context, workerID int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))

	for ctx.Err() == nil {
		o := s.pool.Owners[rng.Intn(len(s.pool.Owners))]

		r := rng.Float64()
		switch {
		case r < s.config.BookRatio:
			s.doBook(ctx, rng, o)
		case r < s.config.BookRatio+s.config.CancelRatio:
			s.doCancel(ctx, rng, o)
		default:
			switch rng.Intn(3) {
			case 0:
				s.doReadByID(ctx, rng, o)
			case 1:
				s.doListDay(ctx, rng, o)
			case 2:
				s.doSlots(ctx, rng, o)
			}
		}
	}
}

func (s *Simulator) randomDay(rng *rand.Rand) clinictime.Date {
	return s.today.AddDays(1 + rng.Intn(s.config.DaysAhead))
}

func (s *Simulator) doBook(ctx context.Context, rng *rand.Rand, o owner) {
	slots := clinictime.Slots(s.randomDay(rng))
	body := api.CreateAppointmentRequest{
		SubjectName:  gofakeit.Name(),
		SubjectPhone: gofakeit.Phone(),
		StartsAt:     slots[rng.Intn(len(slots))].Format(time.RFC3339),
		Kind:         "consulta",
	}

	var created api.AppointmentResponse
	status, latency, err := s.call(ctx, o, http.MethodPost, "/appointments", body, &created)
	if err == nil && status == http.StatusCreated && created.ID != uuid.Nil {
		s.pool.AddAppointment(o.ID, created.ID)
	}
	s.metrics.Book.Record(latency, status, err)
}

func (s *Simulator) doCancel(ctx context.Context, rng *rand.Rand, o owner) {
	id, ok := s.pool.RandomAppointment(rng, o.ID)
	if !ok {
		return
	}
	status, latency, err := s.call(ctx, o, http.MethodPost, "/appointments/"+id.String()+"/cancel", nil, nil)
	s.metrics.Cancel.Record(latency, status, err)
}

func (s *Simulator) doReadByID(ctx context.Context, rng *rand.Rand, o owner) {
	id, ok := s.pool.RandomAppointment(rng, o.ID)
	if !ok {
		return
	}
	status, latency, err := s.call(ctx, o, http.MethodGet, "/appointments/"+id.String(), nil, nil)
	s.metrics.ReadByID.Record(latency, status, err)
}

func (s *Simulator) doListDay(ctx context.Context, rng *rand.Rand, o owner) {
	status, latency, err := s.call(ctx, o, http.MethodGet, "/appointments?date="+s.randomDay(rng).String(), nil, nil)
	s.metrics.ListDay.Record(latency, status, err)
}

func (s *Simulator) doSlots(ctx context.Context, rng *rand.Rand, o owner) {
	status, latency, err := s.call(ctx, o, http.MethodGet, "/slots?date="+s.randomDay(rng).String(), nil, nil)
	s.metrics.Slots.Record(latency, status, err)
}

// call sends one authenticated request. out may be nil.
func (s *Simulator) call(ctx context.Context, o owner, method, path string, in, out any) (int, time.Duration, error) {
	var body bytes.Buffer
	if in != nil {
		if err := json.NewEncoder(&body).Encode(in); err != nil {
			return 0, 0, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, s.config.APIBaseURL+path, &body)
	if err != nil {
		return 0, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+o.Token)

	start := time.Now()
	resp, err := s.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		return 0, latency, err
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode < 300 {
		_ = json.NewDecoder(resp.Body).Decode(out)
	}
	return resp.StatusCode, latency, nil
}

func (s *Simulator) PrintReport() {
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("SIMULATION REPORT")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Duration: %s  Workers: %d  Owners: %d  Days: %d\n\n",
		s.config.Duration, s.config.Workers, len(s.pool.Owners), s.config.DaysAhead)

	printOperationReport("Book", &s.metrics.Book)
	printOperationReport("Cancel", &s.metrics.Cancel)
	printOperationReport("Read by ID", &s.metrics.ReadByID)
	printOperationReport("List by day", &s.metrics.ListDay)
	printOperationReport("Slot grid", &s.metrics.Slots)
}

func printOperationReport(name string, om *OperationMetrics) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return
	}

	pct := func(n int64) float64 { return float64(n) / float64(total) * 100 }
	success := atomic.LoadInt64(&om.Success)
	conflict := atomic.LoadInt64(&om.Conflict)
	failed := atomic.LoadInt64(&om.Error)
	avg, p50, p95, p99, max := om.Stats()

	fmt.Printf("%s:\n", name)
	fmt.Printf("  Total: %d  Success: %d (%.1f%%)  Conflicts: %d (%.1f%%)  Errors: %d (%.1f%%)\n",
		total, success, pct(success), conflict, pct(conflict), failed, pct(failed))
	fmt.Printf("  Latency: avg=%s p50=%s p95=%s p99=%s max=%s\n\n",
		avg.Round(time.Millisecond), p50.Round(time.Millisecond), p95.Round(time.Millisecond),
		p99.Round(time.Millisecond), max.Round(time.Millisecond))
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
