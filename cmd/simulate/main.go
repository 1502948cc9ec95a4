package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/hackgods/consultation-booking/internal/api"
	"github.com/hackgods/consultation-booking/internal/appointment"
	"github.com/hackgods/consultation-booking/internal/config"
	"github.com/hackgods/consultation-booking/internal/db"
	"github.com/hackgods/consultation-booking/internal/logger"
	"github.com/hackgods/consultation-booking/internal/schedule"
)

// SimConfig drives a contention run: every round picks one open slot and
// fires Contenders concurrent booking requests at it.
type SimConfig struct {
	APIBaseURL   string
	Rounds       int
	Contenders   int
	SearchDays   int
	PatientLimit int
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

func (om *OperationMetrics) Stats() (avg, p50, p95, max time.Duration) {
	om.mu.Lock()
	defer om.mu.Unlock()

	if len(om.Latencies) == 0 {
		return 0, 0, 0, 0
	}

	latencies := make([]time.Duration, len(om.Latencies))
	copy(latencies, om.Latencies)
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}
	pick := func(pct int) time.Duration {
		idx := len(latencies) * pct / 100
		if idx >= len(latencies) {
			idx = len(latencies) - 1
		}
		return latencies[idx]
	}
	return sum / time.Duration(len(latencies)), pick(50), pick(95), latencies[len(latencies)-1]
}

type target struct {
	practitionerID uuid.UUID
	date           schedule.Date
	slot           schedule.Slot
}

type roundResult struct {
	target  target
	created int
}

type Simulator struct {
	config   SimConfig
	secret   []byte
	client   *http.Client
	log      zerolog.Logger
	rng      *rand.Rand
	patients []uuid.UUID
	doctors  []uuid.UUID
	booking  OperationMetrics
	rounds   []roundResult
}

func main() {
	simCfg := SimConfig{}
	cmd := &cobra.Command{
		Use:          "simulate",
		Short:        "Race concurrent bookings for the same slot against a running api-server",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), simCfg)
		},
	}
	cmd.Flags().StringVar(&simCfg.APIBaseURL, "api", "http://localhost:8080", "api-server base URL")
	cmd.Flags().IntVar(&simCfg.Rounds, "rounds", 10, "slots to contend for")
	cmd.Flags().IntVar(&simCfg.Contenders, "contenders", 25, "concurrent requests per slot")
	cmd.Flags().IntVar(&simCfg.SearchDays, "search-days", 14, "days ahead to look for open slots")
	cmd.Flags().IntVar(&simCfg.PatientLimit, "patients", 4000, "patients to load")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "simulate:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, simCfg SimConfig) error {
	if simCfg.Rounds <= 0 || simCfg.Contenders <= 0 {
		return errors.New("rounds and contenders must be > 0")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Store != config.StorePostgres {
		return errors.New("simulate reads patients from postgres, set STORE=postgres")
	}
	log := logger.Component(logger.New(cfg.Env, cfg.LogLevel), "simulate")

	loadCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	pool, err := db.ConnectPostgres(loadCtx, cfg.PostgresDSN, db.PoolOptions{MaxConns: 2}, log)
	if err != nil {
		return err
	}
	defer pool.Close()

	sim := &Simulator{
		config: simCfg,
		secret: []byte(cfg.JWTSecret),
		client: &http.Client{Timeout: 10 * time.Second},
		log:    log,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	if err := sim.load(loadCtx, pool); err != nil {
		return err
	}
	log.Info().Int("patients", len(sim.patients)).Int("practitioners", len(sim.doctors)).Msg("loaded data")

	if err := sim.Run(ctx); err != nil {
		return err
	}
	return sim.PrintReport()
}

func (s *Simulator) load(ctx context.Context, pool *pgxpool.Pool) error {
	var err error
	s.patients, err = loadIDs(ctx, pool, `SELECT id FROM patients ORDER BY random() LIMIT $1`, s.config.PatientLimit)
	if err != nil {
		return fmt.Errorf("load patients: %w", err)
	}
	s.doctors, err = loadIDs(ctx, pool, `
		SELECT DISTINCT practitioner_id FROM availability_windows WHERE available LIMIT $1
	`, 500)
	if err != nil {
		return fmt.Errorf("load practitioners: %w", err)
	}

	if len(s.patients) < s.config.Contenders {
		return fmt.Errorf("need at least %d patients, found %d", s.config.Contenders, len(s.patients))
	}
	if len(s.doctors) == 0 {
		return errors.New("no practitioners with availability, run seed first")
	}
	return nil
}

func loadIDs(ctx context.Context, pool *pgxpool.Pool, query string, limit int) ([]uuid.UUID, error) {
	rows, err := pool.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Simulator) Run(ctx context.Context) error {
	for round := 0; round < s.config.Rounds; round++ {
		tgt, err := s.findTarget(ctx)
		if err != nil {
			return err
		}

		created := s.contend(ctx, tgt)
		s.rounds = append(s.rounds, roundResult{target: tgt, created: created})
		s.log.Info().
			Int("round", round+1).
			Str("practitioner_id", tgt.practitionerID.String()).
			Str("date", tgt.date.String()).
			Str("slot", tgt.slot.String()).
			Int("created", created).
			Msg("round done")
	}
	return nil
}

// findTarget returns a random practitioner's first open slot.
func (s *Simulator) findTarget(ctx context.Context) (target, error) {
	today := schedule.DateOf(time.Now().UTC())
	for attempt := 0; attempt < 50; attempt++ {
		id := s.doctors[s.rng.Intn(len(s.doctors))]
		date := today.AddDays(1 + s.rng.Intn(s.config.SearchDays))

		slots, err := s.availability(ctx, id, date)
		if err != nil {
			return target{}, err
		}
		if len(slots) > 0 {
			return target{practitionerID: id, date: date, slot: slots[0]}, nil
		}
	}
	return target{}, errors.New("no open slot found, seed more availability")
}

func (s *Simulator) availability(ctx context.Context, practitionerID uuid.UUID, date schedule.Date) ([]schedule.Slot, error) {
	url := fmt.Sprintf("%s/practitioners/%s/availability?date=%s", s.config.APIBaseURL, practitionerID, date)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get availability: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("get availability: status %d", resp.StatusCode)
	}
	var body struct {
		Slots []schedule.Slot `json:"slots"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode availability: %w", err)
	}
	return body.Slots, nil
}

// contend fires one request per distinct patient at tgt at the same time
// and returns how many were created.
func (s *Simulator) contend(ctx context.Context, tgt target) int {
	offset := s.rng.Intn(len(s.patients) - s.config.Contenders + 1)
	contenders := s.patients[offset : offset+s.config.Contenders]

	var (
		created int64
		wg      sync.WaitGroup
		start   = make(chan struct{})
	)
	for _, patientID := range contenders {
		wg.Add(1)
		go func(patientID uuid.UUID) {
			defer wg.Done()
			<-start
			ok := s.book(ctx, tgt, patientID)
			if ok {
				atomic.AddInt64(&created, 1)
			}
		}(patientID)
	}
	close(start)
	wg.Wait()
	return int(created)
}

func (s *Simulator) book(ctx context.Context, tgt target, patientID uuid.UUID) bool {
	token, err := api.IssueToken(s.secret, appointment.Actor{ID: patientID, Role: appointment.RolePatient}, 10*time.Minute)
	if err != nil {
		s.booking.Record(0, false, false)
		return false
	}

	body, _ := json.Marshal(api.CreateAppointmentRequest{
		PractitionerID: tgt.practitionerID.String(),
		PatientID:      patientID.String(),
		Date:           tgt.date.String(),
		StartTime:      tgt.slot.Start.String(),
	})
	req, _ := http.NewRequestWithContext(ctx, http.MethodPost, s.config.APIBaseURL+"/appointments", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	started := time.Now()
	resp, err := s.client.Do(req)
	latency := time.Since(started)
	if err != nil {
		s.booking.Record(latency, false, false)
		return false
	}
	defer resp.Body.Close()

	success := resp.StatusCode == http.StatusCreated
	s.booking.Record(latency, success, resp.StatusCode == http.StatusConflict)
	return success
}

// PrintReport prints the summary and fails when any slot was double booked.
func (s *Simulator) PrintReport() error {
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("CONTENTION REPORT")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Rounds: %d  Contenders per slot: %d\n\n", len(s.rounds), s.config.Contenders)

	total := atomic.LoadInt64(&s.booking.Total)
	success := atomic.LoadInt64(&s.booking.Success)
	conflict := atomic.LoadInt64(&s.booking.Conflict)
	failed := atomic.LoadInt64(&s.booking.Error)
	avg, p50, p95, max := s.booking.Stats()

	fmt.Printf("Requests: %d\n", total)
	fmt.Printf("  Created:   %d\n", success)
	fmt.Printf("  Conflicts: %d\n", conflict)
	fmt.Printf("  Errors:    %d\n", failed)
	fmt.Printf("  Latency: avg=%s p50=%s p95=%s max=%s\n\n",
		avg.Round(time.Millisecond), p50.Round(time.Millisecond), p95.Round(time.Millisecond), max.Round(time.Millisecond))

	var bad []string
	for _, r := range s.rounds {
		if r.created != 1 {
			bad = append(bad, fmt.Sprintf("%s %s %s: %d created", r.target.practitionerID, r.target.date, r.target.slot, r.created))
		}
	}
	if len(bad) > 0 {
		for _, b := range bad {
			fmt.Println("  FAIL", b)
		}
		return fmt.Errorf("%d of %d rounds did not produce exactly one booking", len(bad), len(s.rounds))
	}
	fmt.Println("Every contended slot was booked exactly once.")
	return nil
}
