package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/brianvoe/gofakeit/v6"
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

var timezones = []string{
	"Asia/Kolkata",
	"Asia/Kolkata",
	"Asia/Dubai",
	"Europe/London",
	"America/New_York",
	"UTC",
}

type seedOptions struct {
	practitioners int
	patients      int
	tokens        int
	tokenTTL      time.Duration
}

func main() {
	opts := seedOptions{}
	cmd := &cobra.Command{
		Use:          "seed",
		Short:        "Fill the database with fake practitioners and patients",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), opts)
		},
	}
	cmd.Flags().IntVar(&opts.practitioners, "practitioners", 20, "practitioners to create")
	cmd.Flags().IntVar(&opts.patients, "patients", 2000, "patients to create")
	cmd.Flags().IntVar(&opts.tokens, "tokens", 3, "print this many sample tokens per role")
	cmd.Flags().DurationVar(&opts.tokenTTL, "token-ttl", 24*time.Hour, "lifetime of the printed tokens")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "seed:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts seedOptions) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Store != config.StorePostgres {
		return errors.New("seed needs STORE=postgres")
	}
	log := logger.Component(logger.New(cfg.Env, cfg.LogLevel), "seed")

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	pool, err := db.ConnectPostgres(connectCtx, cfg.PostgresDSN, db.PoolOptions{}, log)
	cancel()
	if err != nil {
		return err
	}
	defer pool.Close()

	repo := appointment.NewPgRepository(pool)
	practitioners, err := seedPractitioners(ctx, pool, repo, log, opts.practitioners)
	if err != nil {
		return fmt.Errorf("seed practitioners: %w", err)
	}
	patients, err := seedPatients(ctx, pool, log, opts.patients)
	if err != nil {
		return fmt.Errorf("seed patients: %w", err)
	}

	secret := []byte(cfg.JWTSecret)
	for i := 0; i < opts.tokens && i < len(practitioners); i++ {
		if err := printToken(secret, appointment.Actor{ID: practitioners[i], Role: appointment.RolePractitioner}, opts.tokenTTL); err != nil {
			return err
		}
	}
	for i := 0; i < opts.tokens && i < len(patients); i++ {
		if err := printToken(secret, appointment.Actor{ID: patients[i], Role: appointment.RolePatient}, opts.tokenTTL); err != nil {
			return err
		}
	}

	log.Info().Int("practitioners", len(practitioners)).Int("patients", len(patients)).Msg("seed complete")
	return nil
}

func printToken(secret []byte, actor appointment.Actor, ttl time.Duration) error {
	token, err := api.IssueToken(secret, actor, ttl)
	if err != nil {
		return fmt.Errorf("issue token: %w", err)
	}
	fmt.Printf("%s\t%s\t%s\n", actor.Role, actor.ID, token)
	return nil
}

func seedPractitioners(ctx context.Context, pool *pgxpool.Pool, repo *appointment.PgRepository, log zerolog.Logger, count int) ([]uuid.UUID, error) {
	log.Info().Int("count", count).Msg("seeding practitioners")

	ids := make([]uuid.UUID, 0, count)
	for i := 0; i < count; i++ {
		id := uuid.New()
		minutes := []int{15, 20, 30, 45, 60}[gofakeit.Number(0, 4)]
		fee := int64(gofakeit.Number(3, 30)) * 100

		_, err := pool.Exec(ctx, `
			INSERT INTO practitioners (id, name, timezone, consultation_minutes, consultation_fee, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, now(), now())
		`, id, "Dr. "+gofakeit.Name(), gofakeit.RandomString(timezones), minutes, fee)
		if err != nil {
			return nil, err
		}

		if err := repo.ReplaceAvailability(ctx, id, fakeWeek()); err != nil {
			return nil, fmt.Errorf("availability for %s: %w", id, err)
		}
		ids = append(ids, id)
	}

	log.Info().Msg("practitioners seeded")
	return ids, nil
}

// fakeWeek gives a weekday schedule with a morning block and, most of the
// time, an afternoon block. Weekends stay unconfigured.
func fakeWeek() []schedule.Entry {
	var entries []schedule.Entry
	for day := time.Monday; day <= time.Friday; day++ {
		if gofakeit.Number(0, 9) == 0 {
			continue
		}
		morningStart := gofakeit.Number(8, 10)
		windows := []schedule.Window{{
			Start:     schedule.NewClock(morningStart, 0),
			End:       schedule.NewClock(morningStart+3, 0),
			Available: true,
		}}
		if gofakeit.Bool() {
			windows = append(windows, schedule.Window{
				Start:     schedule.NewClock(14, 0),
				End:       schedule.NewClock(17, 30),
				Available: true,
			})
		}
		entries = append(entries, schedule.WeeklyEntry{Day: day, DaySchedule: schedule.DaySchedule{Windows: windows}})
	}
	return entries
}

func seedPatients(ctx context.Context, pool *pgxpool.Pool, log zerolog.Logger, count int) ([]uuid.UUID, error) {
	log.Info().Int("count", count).Msg("seeding patients")

	const batchSize = 500
	ids := make([]uuid.UUID, 0, count)

	for offset := 0; offset < count; offset += batchSize {
		end := offset + batchSize
		if end > count {
			end = count
		}

		tx, err := pool.Begin(ctx)
		if err != nil {
			return nil, err
		}

		for i := offset; i < end; i++ {
			id := uuid.New()
			_, err := tx.Exec(ctx, `
				INSERT INTO patients (id, name, email, created_at, updated_at)
				VALUES ($1, $2, $3, now(), now())
			`, id, gofakeit.Name(), gofakeit.Email())
			if err != nil {
				_ = tx.Rollback(ctx)
				return nil, err
			}
			ids = append(ids, id)
		}

		if err := tx.Commit(ctx); err != nil {
			return nil, err
		}

		log.Info().Int("done", end).Int("total", count).Msg("patients batch committed")
	}

	return ids, nil
}
