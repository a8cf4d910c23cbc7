package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/rezendedigital02/dash/internal/api"
	"github.com/rezendedigital02/dash/internal/appointment"
	"github.com/rezendedigital02/dash/internal/clinictime"
	"github.com/rezendedigital02/dash/internal/config"
	"github.com/rezendedigital02/dash/internal/db"
	"github.com/rezendedigital02/dash/internal/logging"
	redisclient "github.com/rezendedigital02/dash/internal/redis"
)

const (
	ownerCount        = 5
	daysAhead         = 14
	bookingsPerDay    = 8
	blocksPerOwner    = 3
	tokenTTL          = 30 * 24 * time.Hour
	seedLockWait      = 5 * time.Second
	appointmentsFirst = 1 // days from today
)

var kinds = []appointment.Kind{
	appointment.KindConsultation,
	appointment.KindFollowUp,
	appointment.KindProcedure,
	appointment.KindAssessment,
	appointment.KindEmergency,
}

var blockReasons = []string{"Almoço", "Reunião", "Congresso", "Folga", "Manutenção"}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load error: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Env)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init error: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("seed starting")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal("connect postgres", zap.Error(err))
	}
	defer pool.Close()

	if err := db.EnsureSchema(ctx, pool); err != nil {
		logger.Fatal("apply schema", zap.Error(err))
	}

	gofakeit.Seed(time.Now().UnixNano())

	owners, err := seedOwners(context.Background(), pool, ownerCount)
	if err != nil {
		logger.Fatal("seed owners", zap.Error(err))
	}

	// Seeding runs alone, so process-local locks are enough. No mirror:
	// records stay unsynced until the owner connects a calendar.
	repo := appointment.NewPgRepository(pool)
	svc := appointment.NewService(repo, redisclient.NewLocalLocker(seedLockWait), nil, nil, logger.Named("appointment"))

	tokens := api.NewTokenValidator(cfg.JWTSecret)
	today := clinictime.DateOf(time.Now())

	for _, owner := range owners {
		blocks := seedBlocks(context.Background(), svc, owner, today, logger)
		booked, conflicts := seedAppointments(context.Background(), svc, owner, today, logger)

		token, err := tokens.Issue(owner.ID, owner.Email, owner.Clinic, tokenTTL)
		if err != nil {
			logger.Fatal("issue token", zap.Error(err))
		}

		logger.Info("owner seeded",
			zap.Stringer("owner_id", owner.ID),
			zap.String("email", owner.Email),
			zap.Int("blocks", blocks),
			zap.Int("appointments", booked),
			zap.Int("rejected", conflicts),
		)
		fmt.Printf("%s\t%s\n", owner.ID, token)
	}

	logger.Info("seed complete")
}

func seedOwners(ctx context.Context, pool *pgxpool.Pool, count int) ([]appointment.Owner, error) {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	owners := make([]appointment.Owner, 0, count)
	for i := 0; i < count; i++ {
		o := appointment.Owner{
			ID:     uuid.New(),
			Name:   "Dr(a). " + gofakeit.Name(),
			Clinic: gofakeit.Company(),
			Email:  strings.ToLower(gofakeit.Email()),
		}

		_, err := tx.Exec(ctx, `
			INSERT INTO owners (id, name, clinic, email, created_at, updated_at)
			VALUES ($1, $2, $3, $4, now(), now())
		`, o.ID, o.Name, o.Clinic, o.Email)
		if err != nil {
			return nil, err
		}
		owners = append(owners, o)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return owners, nil
}

// seedBlocks adds one full-day block and a few lunch-style ranges.
func seedBlocks(ctx context.Context, svc *appointment.Service, owner appointment.Owner, today clinictime.Date, log *zap.Logger) int {
	created := 0

	dayOff := today.AddDays(gofakeit.Number(appointmentsFirst, daysAhead))
	reason := blockReasons[gofakeit.Number(0, len(blockReasons)-1)]
	if _, err := svc.AdmitBlock(ctx, owner.ID, appointment.BlockRequest{
		Kind:   appointment.BlockFullDay,
		Date:   dayOff,
		Reason: &reason,
	}); err != nil {
		log.Warn("full-day block rejected", zap.Error(err))
	} else {
		created++
	}

	for i := 1; i < blocksPerOwner; i++ {
		hour := gofakeit.Number(11, 14)
		start, end := clinictime.Clock(hour, 0), clinictime.Clock(hour+1, 0)
		lunch := "Almoço"
		_, err := svc.AdmitBlock(ctx, owner.ID, appointment.BlockRequest{
			Kind:       appointment.BlockTimeRange,
			Date:       today.AddDays(gofakeit.Number(appointmentsFirst, daysAhead)),
			RangeStart: &start,
			RangeEnd:   &end,
			Reason:     &lunch,
		})
		if err != nil {
			log.Warn("time-range block rejected", zap.Error(err))
			continue
		}
		created++
	}
	return created
}

// seedAppointments books random slots. Blocked and taken slots are
// expected and only counted.
func seedAppointments(ctx context.Context, svc *appointment.Service, owner appointment.Owner, today clinictime.Date, log *zap.Logger) (int, int) {
	booked, rejected := 0, 0

	for d := appointmentsFirst; d <= daysAhead; d++ {
		slots := clinictime.Slots(today.AddDays(d))
		for i := 0; i < bookingsPerDay; i++ {
			email := strings.ToLower(gofakeit.Email())
			_, err := svc.Admit(ctx, owner.ID, appointment.AppointmentRequest{
				SubjectName:  gofakeit.Name(),
				SubjectPhone: gofakeit.Phone(),
				SubjectEmail: &email,
				StartsAt:     slots[gofakeit.Number(0, len(slots)-1)],
				Kind:         kinds[gofakeit.Number(0, len(kinds)-1)],
				Origin:       appointment.OriginManual,
			})
			switch {
			case err == nil:
				booked++
			case errors.Is(err, appointment.ErrSlotTaken),
				errors.Is(err, appointment.ErrSlotBlocked),
				errors.Is(err, appointment.ErrDayBlocked):
				rejected++
			default:
				log.Warn("appointment rejected", zap.Stringer("owner_id", owner.ID), zap.Error(err))
				rejected++
			}
		}
	}
	return booked, rejected
}
