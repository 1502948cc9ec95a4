package appointment

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/consultation-booking/internal/apperror"
	"github.com/hackgods/consultation-booking/internal/schedule"
)

func TestMapWriteError(t *testing.T) {
	practitionerClash := &pgconn.PgError{Code: pgUniqueViolation, ConstraintName: PractitionerSlotIndex}
	patientClash := &pgconn.PgError{Code: pgUniqueViolation, ConstraintName: PatientSlotIndex}
	otherUnique := &pgconn.PgError{Code: pgUniqueViolation, ConstraintName: "appointments_pkey"}
	fkViolation := &pgconn.PgError{Code: "23503", ConstraintName: PractitionerSlotIndex}

	err := mapWriteError(fmt.Errorf("insert: %w", practitionerClash))
	assert.True(t, errors.Is(err, apperror.ErrSlotConflict))

	err = mapWriteError(patientClash)
	assert.True(t, errors.Is(err, apperror.ErrSlotConflict))
	assert.Contains(t, err.Error(), "patient")

	assert.Same(t, error(otherUnique), mapWriteError(otherUnique))
	assert.Same(t, error(fkViolation), mapWriteError(fkViolation))
}

func TestBuildListQuery(t *testing.T) {
	practitionerID := uuid.New()
	from := schedule.Date{Year: 2025, Month: time.March, Day: 1}
	to := schedule.Date{Year: 2025, Month: time.March, Day: 31}

	sql, args, err := buildListQuery(Filter{
		PractitionerID: &practitionerID,
		Statuses:       []Status{StatusPending, StatusConfirmed},
		FromDate:       &from,
		ToDate:         &to,
		Limit:          20,
		Offset:         40,
	})
	require.NoError(t, err)

	assert.Contains(t, sql, "FROM appointments")
	assert.Contains(t, sql, "practitioner_id = $1")
	assert.Contains(t, sql, "status IN ($2,$3)")
	assert.Contains(t, sql, "appt_date >= $4")
	assert.Contains(t, sql, "appt_date <= $5")
	assert.Contains(t, sql, "ORDER BY appt_date, start_minute, created_at")
	assert.Contains(t, sql, "LIMIT 20")
	assert.Contains(t, sql, "OFFSET 40")
	assert.Equal(t, []any{practitionerID, "pending", "confirmed", from.Time(), to.Time()}, args)
}

func TestBuildListQueryUnfiltered(t *testing.T) {
	sql, args, err := buildListQuery(Filter{})
	require.NoError(t, err)
	assert.NotContains(t, sql, "WHERE")
	assert.NotContains(t, sql, "LIMIT")
	assert.Empty(t, args)
}
