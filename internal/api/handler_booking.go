package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"studio-booking-backend/internal/booking"
	"studio-booking-backend/internal/model"
	"studio-booking-backend/internal/mw"
	"studio-booking-backend/internal/response"
)

type equipmentItem struct {
	ID   int64  `json:"id" binding:"required"`
	Name string `json:"name" binding:"required,max=128"`
	Type string `json:"type" binding:"max=64"`
}

type bookingData struct {
	Date          string          `json:"date" binding:"required,civildate"`
	Time          string          `json:"time" binding:"required,civiltime"`
	Duration      int             `json:"duration" binding:"required"`
	UserTimeZone  string          `json:"userTimeZone" binding:"omitempty,iana"`
	Equipment     []equipmentItem `json:"equipment" binding:"max=32,dive"`
	PaymentMethod string          `json:"paymentMethod" binding:"required"`
	Total         *int64          `json:"total"`
}

type confirmBookingRequest struct {
	BookingData      *bookingData `json:"bookingData" binding:"required"`
	UserName         string       `json:"userName" binding:"max=256"`
	EditingBookingID string       `json:"editingBookingId" binding:"max=64"`
}

type bookingIDRequest struct {
	BookingID string `json:"bookingId" binding:"required,max=64"`
}

// ConfirmBooking handles POST /api/confirm-booking. A new reservation
// answers 201, an edit 200.
func (h *Handler) ConfirmBooking(c *gin.Context) {
	var req confirmBookingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, bindMessage(err))
		return
	}

	data := req.BookingData
	equipment := make([]model.Equipment, 0, len(data.Equipment))
	for _, eq := range data.Equipment {
		equipment = append(equipment, model.Equipment{ID: eq.ID, Name: eq.Name, Type: eq.Type})
	}

	result, err := h.svc.Confirm(c.Request.Context(), mw.UID(c), mw.Profile(c), booking.Request{
		Date:          data.Date,
		Time:          data.Time,
		Duration:      data.Duration,
		UserTimeZone:  data.UserTimeZone,
		Equipment:     equipment,
		PaymentMethod: data.PaymentMethod,
		Total:         data.Total,
		UserName:      req.UserName,
		EditingID:     req.EditingBookingID,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	status := http.StatusOK
	if result.Created {
		status = http.StatusCreated
	}
	response.Success(c, status, gin.H{
		"bookingId": result.Reservation.ID,
		"booking":   result.Reservation,
	})
}

// CancelBooking handles POST /api/cancel-booking.
func (h *Handler) CancelBooking(c *gin.Context) {
	var req bookingIDRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, bindMessage(err))
		return
	}
	if err := h.svc.Cancel(c.Request.Context(), mw.UID(c), req.BookingID); err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"bookingId": req.BookingID})
}

// ConfirmPayment handles POST /api/confirm-payment.
func (h *Handler) ConfirmPayment(c *gin.Context) {
	var req bookingIDRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, bindMessage(err))
		return
	}
	res, alreadyPaid, err := h.svc.ConfirmPayment(c.Request.Context(), mw.UID(c), req.BookingID)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{
		"bookingId":     res.ID,
		"paymentStatus": res.PaymentStatus,
		"alreadyPaid":   alreadyPaid,
	})
}

type updateProfileRequest struct {
	DisplayName string `json:"displayName" binding:"required"`
}

// UpdateProfile handles POST /api/update-profile.
func (h *Handler) UpdateProfile(c *gin.Context) {
	var req updateProfileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, bindMessage(err))
		return
	}
	profile, err := h.svc.UpdateProfile(c.Request.Context(), mw.UID(c), req.DisplayName)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"profile": profile})
}
