package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/consultation-booking/internal/apperror"
	"github.com/hackgods/consultation-booking/internal/appointment"
	"github.com/hackgods/consultation-booking/internal/schedule"
)

const maxBodyBytes = 64 << 10

type handlers struct {
	svc *appointment.Service
	log zerolog.Logger
}

func (h *handlers) getAvailability(w http.ResponseWriter, r *http.Request) {
	practitionerID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	date, err := schedule.ParseDate(r.URL.Query().Get("date"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_date", "date must be YYYY-MM-DD")
		return
	}

	avail, err := h.svc.ResolveAvailability(r.Context(), practitionerID, date)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, AvailabilityResponse{
		PractitionerID: avail.PractitionerID,
		Date:           avail.Date.String(),
		Timezone:       avail.Timezone,
		IsAvailable:    avail.IsAvailable,
		Reason:         avail.Reason,
		Source:         avail.Source,
		Slots:          avail.Slots,
		Windows:        toWindows(avail.Windows),
	})
}

func (h *handlers) getAvailabilityConfig(w http.ResponseWriter, r *http.Request) {
	practitionerID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	entries, err := h.svc.GetAvailabilityConfig(r.Context(), practitionerID)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEntryResponses(entries))
}

func (h *handlers) putAvailability(w http.ResponseWriter, r *http.Request) {
	practitionerID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not read body")
		return
	}

	entries, err := h.svc.SetAvailability(r.Context(), mustActor(r), practitionerID, body)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEntryResponses(entries))
}

func (h *handlers) createAppointment(w http.ResponseWriter, r *http.Request) {
	var req CreateAppointmentRequest
	if !decodeBody(w, r, &req) {
		return
	}
	actor := mustActor(r)

	practitionerID, err := uuid.Parse(req.PractitionerID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_practitioner_id", "practitioner_id must be a valid UUID")
		return
	}

	patientID := actor.ID
	if req.PatientID != "" {
		patientID, err = uuid.Parse(req.PatientID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_patient_id", "patient_id must be a valid UUID")
			return
		}
	}

	date, err := schedule.ParseDate(req.Date)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_date", "date must be YYYY-MM-DD")
		return
	}
	slot, ok := parseSlot(w, req.StartTime, req.EndTime)
	if !ok {
		return
	}

	appt, err := h.svc.Request(r.Context(), actor, appointment.RequestInput{
		PractitionerID:   practitionerID,
		PatientID:        patientID,
		Date:             date,
		Slot:             slot,
		ConsultationType: appointment.ConsultationType(req.ConsultationType),
	})
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, toAppointmentResponse(appt))
}

func (h *handlers) listAppointments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f appointment.Filter

	if v := q.Get("status"); v != "" {
		for _, s := range strings.Split(v, ",") {
			f.Statuses = append(f.Statuses, appointment.Status(strings.TrimSpace(s)))
		}
	}
	for key, dst := range map[string]**uuid.UUID{"practitioner_id": &f.PractitionerID, "patient_id": &f.PatientID} {
		if v := q.Get(key); v != "" {
			id, err := uuid.Parse(v)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_"+key, key+" must be a valid UUID")
				return
			}
			*dst = &id
		}
	}
	for key, dst := range map[string]**schedule.Date{"from": &f.FromDate, "to": &f.ToDate} {
		if v := q.Get(key); v != "" {
			d, err := schedule.ParseDate(v)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_"+key, key+" must be YYYY-MM-DD")
				return
			}
			*dst = &d
		}
	}
	for key, dst := range map[string]*int{"limit": &f.Limit, "offset": &f.Offset} {
		if v := q.Get(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				writeError(w, http.StatusBadRequest, "invalid_"+key, key+" must be a non-negative integer")
				return
			}
			*dst = n
		}
	}

	list, err := h.svc.ListAppointments(r.Context(), mustActor(r), f)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	items := make([]AppointmentResponse, 0, len(list))
	for i := range list {
		items = append(items, toAppointmentResponse(&list[i]))
	}
	writeJSON(w, http.StatusOK, ListAppointmentsResponse{Items: items, Count: len(items)})
}

func (h *handlers) getAppointment(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	appt, err := h.svc.GetAppointment(r.Context(), mustActor(r), id)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
}

type transitionFunc func(r *http.Request, actor appointment.Actor, id uuid.UUID) (*appointment.Appointment, error)

// transitionHandler serves the body-less lifecycle actions.
func (h *handlers) transitionHandler(apply transitionFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "id")
		if !ok {
			return
		}
		appt, err := apply(r, mustActor(r), id)
		if err != nil {
			h.handleServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func (h *handlers) confirm(r *http.Request, actor appointment.Actor, id uuid.UUID) (*appointment.Appointment, error) {
	return h.svc.Confirm(r.Context(), actor, id)
}

func (h *handlers) complete(r *http.Request, actor appointment.Actor, id uuid.UUID) (*appointment.Appointment, error) {
	return h.svc.Complete(r.Context(), actor, id)
}

func (h *handlers) noShow(r *http.Request, actor appointment.Actor, id uuid.UUID) (*appointment.Appointment, error) {
	return h.svc.MarkNoShow(r.Context(), actor, id)
}

func (h *handlers) cancelAppointment(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req CancelRequest
	if r.ContentLength != 0 && !decodeBody(w, r, &req) {
		return
	}

	appt, err := h.svc.Cancel(r.Context(), mustActor(r), id, req.Reason)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
}

func (h *handlers) rescheduleAppointment(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req RescheduleRequest
	if !decodeBody(w, r, &req) {
		return
	}

	date, err := schedule.ParseDate(req.Date)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_date", "date must be YYYY-MM-DD")
		return
	}
	slot, ok := parseSlot(w, req.StartTime, req.EndTime)
	if !ok {
		return
	}

	original, replacement, err := h.svc.Reschedule(r.Context(), mustActor(r), id, appointment.RescheduleInput{
		Date: date,
		Slot: slot,
	})
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, RescheduleResponse{
		Original:    toAppointmentResponse(original),
		Appointment: toAppointmentResponse(replacement),
	})
}

func (h *handlers) createPaymentOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	req := PaymentOrderRequest{Phase: string(appointment.PhaseAdvance)}
	if r.ContentLength != 0 && !decodeBody(w, r, &req) {
		return
	}
	phase := appointment.PaymentPhase(req.Phase)
	if !phase.Valid() {
		writeError(w, http.StatusBadRequest, "invalid_phase", "phase must be advance or final")
		return
	}

	order, err := h.svc.CreatePaymentOrder(r.Context(), mustActor(r), id, phase)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, PaymentOrderResponse{
		OrderRef:      order.OrderRef,
		AppointmentID: order.AppointmentID,
		Phase:         string(order.Phase),
		Amount:        order.Amount,
		Currency:      order.Currency,
		CreatedAt:     order.CreatedAt,
	})
}

func (h *handlers) paymentCallback(w http.ResponseWriter, r *http.Request) {
	var req PaymentCallbackRequest
	if !decodeBody(w, r, &req) {
		return
	}

	appt, err := h.svc.HandlePaymentCallback(r.Context(), appointment.PaymentCallback{
		OrderRef:   req.OrderRef,
		PaymentRef: req.PaymentRef,
		Signature:  req.Signature,
	})
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
}

func (h *handlers) joinable(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if _, err := h.svc.GetAppointment(r.Context(), mustActor(r), id); err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	joinable, err := h.svc.IsJoinable(r.Context(), id)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, JoinableResponse{AppointmentID: id, Joinable: joinable})
}

// handleServiceError maps the error taxonomy onto HTTP statuses.
func (h *handlers) handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	e, ok := apperror.As(err)
	if !ok {
		h.log.Error().Err(err).Str("request_id", GetRequestID(r.Context())).Msg("unhandled service error")
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
		return
	}

	status := http.StatusInternalServerError
	switch e.Kind {
	case apperror.KindNotFound:
		status = http.StatusNotFound
	case apperror.KindForbidden:
		status = http.StatusForbidden
	case apperror.KindInvalidTransition, apperror.KindSlotConflict:
		status = http.StatusConflict
	case apperror.KindPreconditionFailed:
		status = http.StatusPreconditionFailed
	case apperror.KindValidation:
		status = http.StatusBadRequest
	case apperror.KindExternalGateway:
		status = http.StatusBadGateway
		h.log.Warn().Err(err).Str("request_id", GetRequestID(r.Context())).Msg("external gateway error")
	}

	writeJSON(w, status, ErrorResponse{
		Error:           string(e.Kind),
		Details:         e.Error(),
		CurrentStatus:   e.Current,
		RequestedStatus: e.Requested,
	})
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_"+name, name+" must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request_too_large", "request body is too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return false
	}
	return true
}

// mustActor is only called behind AuthMiddleware.
func mustActor(r *http.Request) appointment.Actor {
	actor, _ := ActorFromContext(r.Context())
	return actor
}

// parseSlot reads a start time and an optional end time. An empty end is
// left zero so the engine picks the offered slot starting at start.
func parseSlot(w http.ResponseWriter, startTime, endTime string) (schedule.Slot, bool) {
	start, err := schedule.ParseClock(startTime)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_start_time", "start_time must be HH:MM")
		return schedule.Slot{}, false
	}
	slot := schedule.Slot{Start: start}
	if endTime == "" {
		return slot, true
	}
	slot.End, err = schedule.ParseClock(endTime)
	if err != nil || slot.End <= start {
		writeError(w, http.StatusBadRequest, "invalid_end_time", "end_time must be HH:MM after start_time")
		return schedule.Slot{}, false
	}
	return slot, true
}
