package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/consultation-booking/internal/appointment"
	"github.com/hackgods/consultation-booking/internal/schedule"
)

type CreateAppointmentRequest struct {
	PractitionerID   string `json:"practitioner_id"`
	PatientID        string `json:"patient_id"`
	Date             string `json:"date"`
	StartTime        string `json:"start_time"`
	EndTime          string `json:"end_time,omitempty"`
	ConsultationType string `json:"consultation_type"`
}

type CancelRequest struct {
	Reason string `json:"reason"`
}

type RescheduleRequest struct {
	Date      string `json:"date"`
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time,omitempty"`
}

type PaymentOrderRequest struct {
	Phase string `json:"phase"`
}

type PaymentCallbackRequest struct {
	OrderRef   string `json:"order_id"`
	PaymentRef string `json:"payment_id"`
	Signature  string `json:"signature"`
}

type PaymentResponse struct {
	AdvanceAmount   int64 `json:"advance_amount"`
	RemainingAmount int64 `json:"remaining_amount"`
	TotalAmount     int64 `json:"total_amount"`
	AdvancePaid     bool  `json:"advance_paid"`
	FinalPaid       bool  `json:"final_paid"`
}

type AppointmentResponse struct {
	ID                uuid.UUID       `json:"id"`
	PatientID         uuid.UUID       `json:"patient_id"`
	PractitionerID    uuid.UUID       `json:"practitioner_id"`
	Date              string          `json:"date"`
	StartTime         string          `json:"start_time"`
	EndTime           string          `json:"end_time"`
	Status            string          `json:"status"`
	ConsultationType  string          `json:"consultation_type"`
	Payment           PaymentResponse `json:"payment"`
	CancelReason      *string         `json:"cancel_reason,omitempty"`
	CancelledBy       *uuid.UUID      `json:"cancelled_by,omitempty"`
	RescheduledFromID *uuid.UUID      `json:"rescheduled_from_id,omitempty"`
	Version           int64           `json:"version"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

type ListAppointmentsResponse struct {
	Items []AppointmentResponse `json:"items"`
	Count int                   `json:"count"`
}

type RescheduleResponse struct {
	Original    AppointmentResponse `json:"original"`
	Appointment AppointmentResponse `json:"appointment"`
}

type PaymentOrderResponse struct {
	OrderRef      string    `json:"order_id"`
	AppointmentID uuid.UUID `json:"appointment_id"`
	Phase         string    `json:"phase"`
	Amount        int64     `json:"amount"`
	Currency      string    `json:"currency"`
	CreatedAt     time.Time `json:"created_at"`
}

type JoinableResponse struct {
	AppointmentID uuid.UUID `json:"appointment_id"`
	Joinable      bool      `json:"joinable"`
}

type WindowResponse struct {
	Start     string `json:"start"`
	End       string `json:"end"`
	Available bool   `json:"available"`
}

type AvailabilityResponse struct {
	PractitionerID uuid.UUID        `json:"practitioner_id"`
	Date           string           `json:"date"`
	Timezone       string           `json:"timezone"`
	IsAvailable    bool             `json:"is_available"`
	Reason         string           `json:"reason,omitempty"`
	Source         string           `json:"source,omitempty"`
	Slots          []schedule.Slot  `json:"slots"`
	Windows        []WindowResponse `json:"windows,omitempty"`
}

type AvailabilityEntryResponse struct {
	Day      string           `json:"day,omitempty"`
	Date     string           `json:"date,omitempty"`
	Explicit bool             `json:"explicit"`
	Windows  []WindowResponse `json:"windows"`
}

type ErrorResponse struct {
	Error           string `json:"error"`
	Details         string `json:"details,omitempty"`
	CurrentStatus   string `json:"current_status,omitempty"`
	RequestedStatus string `json:"requested_status,omitempty"`
}

func toAppointmentResponse(a *appointment.Appointment) AppointmentResponse {
	return AppointmentResponse{
		ID:               a.ID,
		PatientID:        a.PatientID,
		PractitionerID:   a.PractitionerID,
		Date:             a.Date.String(),
		StartTime:        a.Slot.Start.String(),
		EndTime:          a.Slot.End.String(),
		Status:           string(a.Status),
		ConsultationType: string(a.ConsultationType),
		Payment: PaymentResponse{
			AdvanceAmount:   a.Payment.AdvanceAmount,
			RemainingAmount: a.Payment.RemainingAmount,
			TotalAmount:     a.Payment.TotalAmount,
			AdvancePaid:     a.Payment.AdvancePaid,
			FinalPaid:       a.Payment.FinalPaid,
		},
		CancelReason:      a.CancelReason,
		CancelledBy:       a.CancelledBy,
		RescheduledFromID: a.RescheduledFromID,
		Version:           a.Version,
		CreatedAt:         a.CreatedAt,
		UpdatedAt:         a.UpdatedAt,
	}
}

func toWindows(ws []schedule.Window) []WindowResponse {
	out := make([]WindowResponse, 0, len(ws))
	for _, w := range ws {
		out = append(out, WindowResponse{Start: w.Start.String(), End: w.End.String(), Available: w.Available})
	}
	return out
}

func toEntryResponses(entries []schedule.Entry) []AvailabilityEntryResponse {
	out := make([]AvailabilityEntryResponse, 0, len(entries))
	for _, e := range entries {
		sched := e.Schedule()
		resp := AvailabilityEntryResponse{Explicit: sched.Explicit, Windows: toWindows(sched.Windows)}
		switch v := e.(type) {
		case schedule.WeeklyEntry:
			resp.Day = v.Day.String()
		case schedule.DateOverrideEntry:
			resp.Date = v.Date.String()
		}
		out = append(out, resp)
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}
