package appointment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hackgods/consultation-booking/internal/apperror"
	"github.com/hackgods/consultation-booking/internal/schedule"
)

const pgUniqueViolation = "23505"

var psql = squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)

const appointmentColumns = `id, patient_id, practitioner_id, appt_date, start_minute, end_minute, status,
	consultation_type, advance_amount, remaining_amount, total_amount, advance_paid, final_paid,
	cancel_reason, cancelled_by, rescheduled_from_id, version, created_at, updated_at`

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

// Helpers

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	err := row.Scan(&p.ID, &p.Name, &p.Email, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPatientNotFound
		}
		return nil, err
	}
	return &p, nil
}

func scanPractitioner(row pgx.Row) (*Practitioner, error) {
	var p Practitioner
	err := row.Scan(
		&p.ID,
		&p.Name,
		&p.Timezone,
		&p.ConsultationMinutes,
		&p.ConsultationFee,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPractitionerNotFound
		}
		return nil, err
	}
	return &p, nil
}

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var (
		a          Appointment
		date       time.Time
		start, end int
	)

	err := row.Scan(
		&a.ID,
		&a.PatientID,
		&a.PractitionerID,
		&date,
		&start,
		&end,
		&a.Status,
		&a.ConsultationType,
		&a.Payment.AdvanceAmount,
		&a.Payment.RemainingAmount,
		&a.Payment.TotalAmount,
		&a.Payment.AdvancePaid,
		&a.Payment.FinalPaid,
		&a.CancelReason,
		&a.CancelledBy,
		&a.RescheduledFromID,
		&a.Version,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}

	a.Date = schedule.DateOf(date)
	a.Slot = schedule.Slot{Start: schedule.Clock(start), End: schedule.Clock(end)}
	return &a, nil
}

func collectAppointments(rows pgx.Rows) ([]Appointment, error) {
	defer rows.Close()

	var result []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// mapWriteError turns a violated active-slot index into a SlotConflict.
func mapWriteError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		switch pgErr.ConstraintName {
		case PractitionerSlotIndex, PatientSlotIndex:
			return slotConflictFor(pgErr.ConstraintName)
		}
	}
	return err
}

func activeStatusStrings() []string {
	out := make([]string, len(ActiveStatuses))
	for i, s := range ActiveStatuses {
		out[i] = string(s)
	}
	return out
}

// Interface methods

func (r *PgRepository) GetPractitioner(ctx context.Context, id uuid.UUID) (*Practitioner, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, name, timezone, consultation_minutes, consultation_fee, created_at, updated_at
		FROM practitioners
		WHERE id = $1
	`, id)
	return scanPractitioner(row)
}

func (r *PgRepository) GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, name, email, created_at, updated_at
		FROM patients
		WHERE id = $1
	`, id)
	return scanPatient(row)
}

// scanDaySchedule reads availability rows. A row with start = end = 0 marks
// a day that exists but offers no windows.
func scanDaySchedule(rows pgx.Rows) (*schedule.DaySchedule, error) {
	defer rows.Close()

	var (
		sched schedule.DaySchedule
		found bool
	)
	for rows.Next() {
		var start, end int
		var available, explicit bool
		if err := rows.Scan(&start, &end, &available, &explicit); err != nil {
			return nil, err
		}
		found = true
		sched.Explicit = explicit
		if start == 0 && end == 0 {
			continue
		}
		sched.Windows = append(sched.Windows, schedule.Window{
			Start:     schedule.Clock(start),
			End:       schedule.Clock(end),
			Available: available,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return &sched, nil
}

func (r *PgRepository) GetDateOverride(ctx context.Context, practitionerID uuid.UUID, date schedule.Date) (*schedule.DaySchedule, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT start_minute, end_minute, available, explicit
		FROM availability_windows
		WHERE practitioner_id = $1 AND on_date = $2
		ORDER BY start_minute
	`, practitionerID, date.Time())
	if err != nil {
		return nil, fmt.Errorf("query date override: %w", err)
	}
	return scanDaySchedule(rows)
}

func (r *PgRepository) GetWeeklySchedule(ctx context.Context, practitionerID uuid.UUID, day time.Weekday) (*schedule.DaySchedule, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT start_minute, end_minute, available, explicit
		FROM availability_windows
		WHERE practitioner_id = $1 AND weekday = $2
		ORDER BY start_minute
	`, practitionerID, int(day))
	if err != nil {
		return nil, fmt.Errorf("query weekly schedule: %w", err)
	}
	return scanDaySchedule(rows)
}

func (r *PgRepository) ListAvailability(ctx context.Context, practitionerID uuid.UUID) ([]schedule.Entry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT weekday, on_date, start_minute, end_minute, available, explicit
		FROM availability_windows
		WHERE practitioner_id = $1
		ORDER BY weekday NULLS LAST, on_date NULLS LAST, start_minute
	`, practitionerID)
	if err != nil {
		return nil, fmt.Errorf("query availability: %w", err)
	}
	defer rows.Close()

	var (
		days   []time.Weekday
		dates  []schedule.Date
		weekly = map[time.Weekday]*schedule.DaySchedule{}
		dated  = map[schedule.Date]*schedule.DaySchedule{}
	)
	for rows.Next() {
		var (
			weekday             *int
			onDate              *time.Time
			start, end          int
			available, explicit bool
		)
		if err := rows.Scan(&weekday, &onDate, &start, &end, &available, &explicit); err != nil {
			return nil, err
		}

		var sched *schedule.DaySchedule
		switch {
		case weekday != nil:
			day := time.Weekday(*weekday)
			if sched = weekly[day]; sched == nil {
				sched = &schedule.DaySchedule{}
				weekly[day] = sched
				days = append(days, day)
			}
		case onDate != nil:
			date := schedule.DateOf(*onDate)
			if sched = dated[date]; sched == nil {
				sched = &schedule.DaySchedule{}
				dated[date] = sched
				dates = append(dates, date)
			}
		default:
			continue
		}

		sched.Explicit = explicit
		if start != 0 || end != 0 {
			sched.Windows = append(sched.Windows, schedule.Window{
				Start:     schedule.Clock(start),
				End:       schedule.Clock(end),
				Available: available,
			})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	entries := make([]schedule.Entry, 0, len(days)+len(dates))
	for _, d := range days {
		entries = append(entries, schedule.WeeklyEntry{Day: d, DaySchedule: *weekly[d]})
	}
	for _, d := range dates {
		entries = append(entries, schedule.DateOverrideEntry{Date: d, DaySchedule: *dated[d]})
	}
	return entries, nil
}

func (r *PgRepository) ReplaceAvailability(ctx context.Context, practitionerID uuid.UUID, entries []schedule.Entry) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// lock the practitioner row so concurrent replacements serialise
	var exists bool
	err = tx.QueryRow(ctx, `SELECT true FROM practitioners WHERE id = $1 FOR UPDATE`, practitionerID).Scan(&exists)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrPractitionerNotFound
		}
		return fmt.Errorf("lock practitioner: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM availability_windows WHERE practitioner_id = $1`, practitionerID); err != nil {
		return fmt.Errorf("clear availability: %w", err)
	}

	batch := &pgx.Batch{}
	queue := func(weekday *int, onDate *time.Time, sched schedule.DaySchedule) {
		if len(sched.Windows) == 0 {
			batch.Queue(`
				INSERT INTO availability_windows (practitioner_id, weekday, on_date, start_minute, end_minute, available, explicit)
				VALUES ($1, $2, $3, 0, 0, false, $4)
			`, practitionerID, weekday, onDate, sched.Explicit)
			return
		}
		for _, w := range sched.Windows {
			batch.Queue(`
				INSERT INTO availability_windows (practitioner_id, weekday, on_date, start_minute, end_minute, available, explicit)
				VALUES ($1, $2, $3, $4, $5, $6, $7)
			`, practitionerID, weekday, onDate, int(w.Start), int(w.End), w.Available, sched.Explicit)
		}
	}

	for _, e := range entries {
		switch v := e.(type) {
		case schedule.WeeklyEntry:
			day := int(v.Day)
			queue(&day, nil, v.DaySchedule)
		case schedule.DateOverrideEntry:
			date := v.Date.Time()
			queue(nil, &date, v.DaySchedule)
		}
	}

	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert availability: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit availability: %w", err)
	}
	return nil
}

func (r *PgRepository) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+appointmentColumns+` FROM appointments WHERE id = $1`, id)
	return scanAppointment(row)
}

func (r *PgRepository) ListActiveByPractitionerDate(ctx context.Context, practitionerID uuid.UUID, date schedule.Date) ([]Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE practitioner_id = $1 AND appt_date = $2 AND status = ANY($3)
		ORDER BY start_minute
	`, practitionerID, date.Time(), activeStatusStrings())
	if err != nil {
		return nil, fmt.Errorf("query practitioner appointments: %w", err)
	}
	return collectAppointments(rows)
}

func (r *PgRepository) ListActiveByPatientDate(ctx context.Context, patientID uuid.UUID, date schedule.Date) ([]Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE patient_id = $1 AND appt_date = $2 AND status = ANY($3)
		ORDER BY start_minute
	`, patientID, date.Time(), activeStatusStrings())
	if err != nil {
		return nil, fmt.Errorf("query patient appointments: %w", err)
	}
	return collectAppointments(rows)
}

// buildListQuery renders a Filter as SQL.
func buildListQuery(f Filter) (string, []any, error) {
	q := psql.Select(appointmentColumns).From("appointments")

	if f.PractitionerID != nil {
		q = q.Where("practitioner_id = ?", *f.PractitionerID)
	}
	if f.PatientID != nil {
		q = q.Where("patient_id = ?", *f.PatientID)
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			statuses[i] = string(s)
		}
		q = q.Where(squirrel.Eq{"status": statuses})
	}
	if f.FromDate != nil {
		q = q.Where(squirrel.GtOrEq{"appt_date": f.FromDate.Time()})
	}
	if f.ToDate != nil {
		q = q.Where(squirrel.LtOrEq{"appt_date": f.ToDate.Time()})
	}
	if f.CreatedBefore != nil {
		q = q.Where(squirrel.Lt{"created_at": *f.CreatedBefore})
	}

	q = q.OrderBy("appt_date", "start_minute", "created_at")
	if f.Limit > 0 {
		q = q.Limit(uint64(f.Limit))
	}
	if f.Offset > 0 {
		q = q.Offset(uint64(f.Offset))
	}
	return q.ToSql()
}

func (r *PgRepository) ListAppointments(ctx context.Context, f Filter) ([]Appointment, error) {
	query, args, err := buildListQuery(f)
	if err != nil {
		return nil, fmt.Errorf("build list query: %w", err)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list appointments: %w", err)
	}
	return collectAppointments(rows)
}

type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func insertAppointment(ctx context.Context, q queryRower, a *Appointment) (*Appointment, error) {
	id := a.ID
	if id == uuid.Nil {
		id = uuid.New()
	}

	row := q.QueryRow(ctx, `
		INSERT INTO appointments (
			id, patient_id, practitioner_id, appt_date, start_minute, end_minute, status, consultation_type,
			advance_amount, remaining_amount, total_amount, advance_paid, final_paid,
			rescheduled_from_id, version, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, 'pending', $7, $8, $9, $10, $11, $12, $13, 1, now(), now())
		RETURNING `+appointmentColumns,
		id, a.PatientID, a.PractitionerID, a.Date.Time(), int(a.Slot.Start), int(a.Slot.End), a.ConsultationType,
		a.Payment.AdvanceAmount, a.Payment.RemainingAmount, a.Payment.TotalAmount,
		a.Payment.AdvancePaid, a.Payment.FinalPaid, a.RescheduledFromID,
	)

	created, err := scanAppointment(row)
	if err != nil {
		return nil, mapWriteError(err)
	}
	return created, nil
}

func (r *PgRepository) CreateAppointment(ctx context.Context, a *Appointment) (*Appointment, error) {
	return insertAppointment(ctx, r.pool, a)
}

func transition(ctx context.Context, q queryRower, t Transition) (*Appointment, error) {
	var reason *string
	if t.To == StatusCancelled {
		reason = &t.CancelReason
	}

	row := q.QueryRow(ctx, `
		UPDATE appointments
		SET status = $2,
		    cancel_reason = COALESCE($5, cancel_reason),
		    cancelled_by = COALESCE($6, cancelled_by),
		    version = version + 1,
		    updated_at = now()
		WHERE id = $1
		  AND status = $3
		  AND ($4 = 0 OR version = $4)
		  AND ($2 <> 'confirmed' OR advance_paid)
		RETURNING `+appointmentColumns,
		t.ID, t.To, t.From, t.ExpectedVersion, reason, t.CancelledBy,
	)

	updated, err := scanAppointment(row)
	if errors.Is(err, ErrAppointmentNotFound) {
		return nil, ErrStaleAppointment
	}
	return updated, err
}

func (r *PgRepository) TransitionStatus(ctx context.Context, t Transition) (*Appointment, error) {
	return transition(ctx, r.pool, t)
}

func (r *PgRepository) Reschedule(ctx context.Context, cancel Transition, replacement *Appointment) (*Appointment, *Appointment, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	cancelled, err := transition(ctx, tx, cancel)
	if err != nil {
		return nil, nil, err
	}

	created, err := insertAppointment(ctx, tx, replacement)
	if err != nil {
		return nil, nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, fmt.Errorf("commit reschedule: %w", mapWriteError(err))
	}
	return cancelled, created, nil
}

func (r *PgRepository) SavePaymentOrder(ctx context.Context, o PaymentOrder) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO payment_orders (order_ref, appointment_id, phase, amount, currency, created_at)
		VALUES ($1, $2, $3, $4, $5, now())
	`, o.OrderRef, o.AppointmentID, o.Phase, o.Amount, o.Currency)
	if err != nil {
		return fmt.Errorf("insert payment order: %w", err)
	}
	return nil
}

func (r *PgRepository) GetPaymentOrder(ctx context.Context, orderRef string) (*PaymentOrder, error) {
	var o PaymentOrder
	err := r.pool.QueryRow(ctx, `
		SELECT order_ref, appointment_id, phase, amount, currency, created_at
		FROM payment_orders
		WHERE order_ref = $1
	`, orderRef).Scan(&o.OrderRef, &o.AppointmentID, &o.Phase, &o.Amount, &o.Currency, &o.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPaymentOrderNotFound
		}
		return nil, err
	}
	return &o, nil
}

func (r *PgRepository) MarkPaid(ctx context.Context, rc PaymentReceipt) (*Appointment, bool, error) {
	var update string
	switch rc.Phase {
	case PhaseAdvance:
		update = `
			UPDATE appointments
			SET advance_paid = true, version = version + 1, updated_at = now()
			WHERE id = $1 AND NOT advance_paid AND status NOT IN ('cancelled', 'completed')
			RETURNING ` + appointmentColumns
	case PhaseFinal:
		update = `
			UPDATE appointments
			SET final_paid = true, remaining_amount = 0, version = version + 1, updated_at = now()
			WHERE id = $1 AND advance_paid AND NOT final_paid
			RETURNING ` + appointmentColumns
	default:
		return nil, false, apperror.Validation("mark paid", "unknown payment phase %q", rc.Phase)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		INSERT INTO payments (payment_ref, order_ref, appointment_id, phase, amount, created_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (payment_ref) DO NOTHING
	`, rc.PaymentRef, rc.OrderRef, rc.AppointmentID, rc.Phase, rc.Amount)
	if err != nil {
		return nil, false, fmt.Errorf("record payment: %w", err)
	}

	if tag.RowsAffected() == 0 {
		// already applied by an earlier delivery
		current, err := scanAppointment(tx.QueryRow(ctx, `SELECT `+appointmentColumns+` FROM appointments WHERE id = $1`, rc.AppointmentID))
		if err != nil {
			return nil, false, err
		}
		return current, false, nil
	}

	updated, err := scanAppointment(tx.QueryRow(ctx, update, rc.AppointmentID))
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			return nil, false, ErrStaleAppointment
		}
		return nil, false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("commit payment: %w", err)
	}
	return updated, true, nil
}

func (r *PgRepository) InsertEvent(ctx context.Context, ev EventLog) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO event_logs (event_type, appointment_id, payload, created_at)
		VALUES ($1, $2, $3, COALESCE($4, now()))
	`, ev.EventType, ev.AppointmentID, ev.Payload, nullableTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}
	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
