package httpapi

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"physiolink/backend/internal/domain"
	"physiolink/backend/internal/service/scheduling"
)

func (h *Handler) ListTimeSlots(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"time_slots": h.svc.TimeSlots()})
}

func (h *Handler) CreateAppointment(c *gin.Context) {
	log := h.log.With(slog.String("route", "CreateAppointment"))

	var req createAppointmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, log, "invalid request body")
		return
	}
	date, ok := parseDate(c, log, req.Date)
	if !ok {
		return
	}

	appt, err := h.svc.CreateAppointment(c.Request.Context(), scheduling.CreateAppointmentInput{
		ProviderID:     req.ProviderID,
		UserID:         req.UserID,
		Date:           date,
		TimeSlot:       req.TimeSlot,
		IdempotencyKey: idempotencyKey(c),
	})
	if err != nil {
		fail(c, log.With(slog.String("user_id", req.UserID), slog.String("provider_id", req.ProviderID)), err)
		return
	}

	log.Info("appointment created",
		slog.String("appointment_id", appt.ID.String()),
		slog.String("user_id", appt.UserID),
		slog.String("provider_id", appt.ProviderID),
		slog.String("date", appt.Date.String()),
		slog.String("time_slot", appt.TimeSlot),
	)
	c.JSON(http.StatusCreated, toAppointmentResponse(appt))
}

func (h *Handler) GetAppointment(c *gin.Context) {
	log := h.log.With(slog.String("route", "GetAppointment"))

	id, ok := pathID(c, log)
	if !ok {
		return
	}
	appt, err := h.svc.GetAppointment(c.Request.Context(), id)
	if err != nil {
		fail(c, log, err)
		return
	}
	c.JSON(http.StatusOK, toAppointmentResponse(appt))
}

func (h *Handler) CancelAppointment(c *gin.Context) {
	log := h.log.With(slog.String("route", "CancelAppointment"))

	id, ok := pathID(c, log)
	if !ok {
		return
	}
	var req cancelAppointmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, log, "invalid request body")
		return
	}

	cancelled, err := h.svc.CancelAppointment(c.Request.Context(), id, domain.CancelledBy(req.CancelledBy))
	if err != nil {
		fail(c, log.With(slog.String("appointment_id", id.String())), err)
		return
	}
	log.Info("appointment cancelled",
		slog.String("appointment_id", id.String()),
		slog.String("cancelled_by", req.CancelledBy),
	)
	c.JSON(http.StatusOK, gin.H{"cancelled": cancelled})
}

func (h *Handler) UpdateNotes(c *gin.Context) {
	log := h.log.With(slog.String("route", "UpdateNotes"))

	id, ok := pathID(c, log)
	if !ok {
		return
	}
	var req updateNotesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, log, "invalid request body")
		return
	}

	appt, err := h.svc.UpdateRehabilitationNotes(c.Request.Context(), id, req.ProviderID, req.RehabilitationNotes)
	if err != nil {
		fail(c, log.With(slog.String("appointment_id", id.String())), err)
		return
	}
	c.JSON(http.StatusOK, toAppointmentResponse(appt))
}

func (h *Handler) ListAppointments(c *gin.Context) {
	log := h.log.With(slog.String("route", "ListAppointments"))

	in, ok := listInput(c, log)
	if !ok {
		return
	}
	page, err := h.svc.ListAppointments(c.Request.Context(), in)
	if err != nil {
		fail(c, log, err)
		return
	}
	log.Debug("appointments listed", slog.Int("count", len(page.Appointments)))
	c.JSON(http.StatusOK, toPageResponse(page))
}

func (h *Handler) Availability(c *gin.Context) {
	log := h.log.With(slog.String("route", "Availability"))

	providerID := c.Param("id")
	date, ok := parseDate(c, log, c.Query("date"))
	if !ok {
		return
	}
	slots, err := h.svc.AvailableSlots(c.Request.Context(), providerID, date)
	if err != nil {
		fail(c, log.With(slog.String("provider_id", providerID)), err)
		return
	}
	c.JSON(http.StatusOK, availabilityResponse{
		ProviderID: providerID,
		Date:       date.String(),
		TimeSlots:  slots,
	})
}

func (h *Handler) BlockTimeSlot(c *gin.Context) {
	log := h.log.With(slog.String("route", "BlockTimeSlot"))

	providerID := c.Param("id")
	var req blockTimeSlotRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, log, "invalid request body")
		return
	}
	date, ok := parseDate(c, log, req.Date)
	if !ok {
		return
	}

	block, err := h.svc.BlockTimeSlot(c.Request.Context(), scheduling.BlockInput{
		ProviderID:     providerID,
		Date:           date,
		TimeSlot:       req.TimeSlot,
		IdempotencyKey: idempotencyKey(c),
	})
	if err != nil {
		fail(c, log.With(slog.String("provider_id", providerID)), err)
		return
	}
	log.Info("time slot blocked",
		slog.String("block_id", block.ID.String()),
		slog.String("provider_id", block.ProviderID),
		slog.String("date", block.Date.String()),
		slog.String("time_slot", block.TimeSlot),
	)
	c.JSON(http.StatusCreated, toBlockResponse(block))
}

func (h *Handler) ListBlocks(c *gin.Context) {
	log := h.log.With(slog.String("route", "ListBlocks"))

	providerID := c.Param("id")
	date, ok := parseDate(c, log, c.Query("date"))
	if !ok {
		return
	}
	blocks, err := h.svc.ListBlocks(c.Request.Context(), providerID, date)
	if err != nil {
		fail(c, log, err)
		return
	}
	out := make([]blockResponse, 0, len(blocks))
	for _, b := range blocks {
		out = append(out, toBlockResponse(b))
	}
	c.JSON(http.StatusOK, gin.H{"blocks": out})
}

func (h *Handler) GetBlock(c *gin.Context) {
	log := h.log.With(slog.String("route", "GetBlock"))

	id, ok := pathID(c, log)
	if !ok {
		return
	}
	block, err := h.svc.GetBlock(c.Request.Context(), id)
	if err != nil {
		fail(c, log, err)
		return
	}
	c.JSON(http.StatusOK, toBlockResponse(block))
}

func (h *Handler) UnblockTimeSlot(c *gin.Context) {
	log := h.log.With(slog.String("route", "UnblockTimeSlot"))

	id, ok := pathID(c, log)
	if !ok {
		return
	}
	if _, err := h.svc.UnblockTimeSlot(c.Request.Context(), id); err != nil {
		fail(c, log.With(slog.String("block_id", id.String())), err)
		return
	}
	log.Info("time slot unblocked", slog.String("block_id", id.String()))
	c.Status(http.StatusNoContent)
}

func idempotencyKey(c *gin.Context) string {
	key := c.GetHeader("Idempotency-Key")
	if key == "" {
		key = c.GetHeader("X-Idempotency-Key")
	}
	return strings.TrimSpace(key)
}

func pathID(c *gin.Context, log *slog.Logger) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		badRequest(c, log, "id must be a UUID")
		return uuid.Nil, false
	}
	return id, true
}

func parseDate(c *gin.Context, log *slog.Logger, raw string) (domain.Date, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		badRequest(c, log, "date is required")
		return domain.Date{}, false
	}
	d, err := domain.ParseDate(raw)
	if err != nil {
		badRequest(c, log, "date must be YYYY-MM-DD")
		return domain.Date{}, false
	}
	return d, true
}

func optionalDate(c *gin.Context, log *slog.Logger, name string) (domain.Date, bool) {
	raw := strings.TrimSpace(c.Query(name))
	if raw == "" {
		return domain.Date{}, true
	}
	d, err := domain.ParseDate(raw)
	if err != nil {
		badRequest(c, log, name+" must be YYYY-MM-DD")
		return domain.Date{}, false
	}
	return d, true
}

func listInput(c *gin.Context, log *slog.Logger) (scheduling.ListInput, bool) {
	in := scheduling.ListInput{
		UserID:     c.Query("user_id"),
		ProviderID: c.Query("provider_id"),
		Status:     domain.AppointmentStatus(strings.ToUpper(strings.TrimSpace(c.Query("status")))),
		PageToken:  c.Query("page_token"),
	}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			badRequest(c, log, "limit must be an integer")
			return scheduling.ListInput{}, false
		}
		in.Limit = n
	}
	var ok bool
	if in.From, ok = optionalDate(c, log, "from"); !ok {
		return scheduling.ListInput{}, false
	}
	if in.To, ok = optionalDate(c, log, "to"); !ok {
		return scheduling.ListInput{}, false
	}
	return in, true
}
