package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/practpec/voyaj-api/pkg/subscription"
)

const (
	maxUserIDLen     = 255
	maxRequestBody   = 64 << 10
	defaultRetryPass = 100
)

// Limit check features accepted by GET /limits/{feature}
const (
	featureTrips     = "trips"
	featurePhotos    = "photos"
	featureMembers   = "members"
	featureExport    = "export"
	featureAnalytics = "analytics"
)

var (
	errUnauthorized  = errors.New("user ID not found")
	errInvalidUserID = &subscription.ValidationError{Field: "userId", Reason: "invalid user ID format"}
)

// Handler provides HTTP endpoints for subscription state and entitlement checks
type Handler struct {
	config Config
}

// GetStatus returns the caller's subscription. A user without one gets the
// free plan created on first access.
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := userIDFrom(ctx)

	view, err := h.config.Manager.Status(ctx, userID)
	if errors.Is(err, subscription.ErrNotFound) {
		if _, err = h.config.Manager.CreateFree(ctx, userID); err == nil {
			view, err = h.config.Manager.Status(ctx, userID)
		}
	}
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to get subscription status: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// GetUsage returns plan limits next to current usage and approaching-limit warnings
func (h *Handler) GetUsage(w http.ResponseWriter, r *http.Request) {
	summary, err := h.config.Validator.UsageSummary(r.Context(), userIDFrom(r.Context()))
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to get usage summary: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// ValidateStatus reports whether the caller's subscription currently grants service
func (h *Handler) ValidateStatus(w http.ResponseWriter, r *http.Request) {
	check, err := h.config.Validator.ValidateStatus(r.Context(), userIDFrom(r.Context()))
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to validate subscription: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, check)
}

// CheckLimit answers one entitlement check. Denials are still 200: the
// decision is the payload.
func (h *Handler) CheckLimit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := userIDFrom(ctx)
	v := h.config.Validator

	var res subscription.LimitCheckResult
	switch feature := chi.URLParam(r, "feature"); feature {
	case featureTrips:
		res = v.CanCreateTrip(ctx, userID)
	case featurePhotos:
		tripID := r.URL.Query().Get("tripId")
		if tripID == "" {
			h.handleError(w, r, &subscription.ValidationError{Field: "tripId", Reason: "required"})
			return
		}
		res = v.CanUploadPhoto(ctx, userID, tripID)
	case featureMembers:
		members := 0
		if raw := r.URL.Query().Get("currentMembers"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				h.handleError(w, r, &subscription.ValidationError{Field: "currentMembers", Reason: "must be a non-negative integer"})
				return
			}
			members = n
		}
		res = v.CanInviteMembers(ctx, userID, members)
	case featureExport:
		res = v.CanExportData(ctx, userID)
	case featureAnalytics:
		res = v.CanAccessAnalytics(ctx, userID)
	default:
		h.handleError(w, r, &subscription.NotFoundError{Resource: "feature", ID: feature})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ListPlans returns the plan catalog ordered from free to most expensive
func (h *Handler) ListPlans(w http.ResponseWriter, _ *http.Request) {
	plans := h.config.Manager.Catalog().Plans()
	out := make([]PlanResponse, 0, len(plans))
	for _, p := range plans {
		out = append(out, PlanResponse{
			ID:          p.ID,
			Name:        p.Name,
			PriceAmount: p.PriceAmount,
			Currency:    p.Currency,
			TrialDays:   p.TrialDays,
			Limits:      p.Limits,
			Features:    p.Features,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// Checkout starts a hosted checkout for a paid plan
func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	var req CheckoutRequest
	if !h.decode(w, r, &req) {
		return
	}
	session, err := h.config.Manager.StartCheckout(r.Context(), subscription.CheckoutRequest{
		UserID:     userIDFrom(r.Context()),
		PlanType:   req.PlanType,
		Provider:   req.Provider,
		SuccessURL: req.SuccessURL,
		CancelURL:  req.CancelURL,
	})
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to start checkout: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, CheckoutResponse{SessionID: session.ID, CheckoutURL: session.URL, Provider: req.Provider})
}

// Cancel cancels the caller's paid subscription
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	var req CancelRequest
	if !h.decodeOptional(w, r, &req) {
		return
	}
	res, err := h.config.Manager.Cancel(r.Context(), userIDFrom(r.Context()), req.Immediate, req.Reason)
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to cancel subscription: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Reactivate undoes a pending cancellation
func (h *Handler) Reactivate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := userIDFrom(ctx)
	changed, err := h.config.Manager.Reactivate(ctx, userID)
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to reactivate subscription: %w", err))
		return
	}
	h.writeChange(w, r, userID, changed)
}

// Upgrade moves the caller to a higher plan
func (h *Handler) Upgrade(w http.ResponseWriter, r *http.Request) {
	var req PlanChangeRequest
	if !h.decode(w, r, &req) {
		return
	}
	ctx := r.Context()
	userID := userIDFrom(ctx)
	if _, err := h.config.Manager.Upgrade(ctx, userID, req.PlanType); err != nil {
		h.handleError(w, r, fmt.Errorf("failed to upgrade subscription: %w", err))
		return
	}
	h.writeChange(w, r, userID, true)
}

// PreviewUpgrade estimates the prorated charge of an upgrade
func (h *Handler) PreviewUpgrade(w http.ResponseWriter, r *http.Request) {
	target := subscription.PlanType(r.URL.Query().Get("planType"))
	if target == "" {
		h.handleError(w, r, &subscription.ValidationError{Field: "planType", Reason: "required"})
		return
	}
	preview, err := h.config.Manager.PreviewUpgrade(r.Context(), userIDFrom(r.Context()), target)
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to preview upgrade: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, preview)
}

// Downgrade schedules the move back to the free plan
func (h *Handler) Downgrade(w http.ResponseWriter, r *http.Request) {
	var req PlanChangeRequest
	if !h.decodeOptional(w, r, &req) {
		return
	}
	ctx := r.Context()
	userID := userIDFrom(ctx)
	if _, err := h.config.Manager.DowngradeToFree(ctx, userID, req.Reason); err != nil {
		h.handleError(w, r, fmt.Errorf("failed to downgrade subscription: %w", err))
		return
	}
	h.writeChange(w, r, userID, true)
}

// TrialStats returns trial conversion statistics
func (h *Handler) TrialStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.config.Scheduler.TrialStatistics(r.Context())
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to compute trial statistics: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// ExtendTrial pushes a user's trial end back
func (h *Handler) ExtendTrial(w http.ResponseWriter, r *http.Request) {
	var req ExtendTrialRequest
	if !h.decode(w, r, &req) {
		return
	}
	sub, err := h.config.Scheduler.ExtendTrial(r.Context(), chi.URLParam(r, "userID"), req.Days)
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to extend trial: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, TrialResponse{UserID: sub.UserID, Status: sub.Status, TrialEnd: sub.TrialEnd})
}

// ConvertTrial ends a user's trial early and activates the paid plan
func (h *Handler) ConvertTrial(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	changed, err := h.config.Scheduler.ConvertTrialToPaid(r.Context(), userID)
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to convert trial: %w", err))
		return
	}
	h.writeChange(w, r, userID, changed)
}

// RunDaily runs the daily maintenance jobs on demand
func (h *Handler) RunDaily(w http.ResponseWriter, r *http.Request) {
	report, err := h.config.Scheduler.RunDaily(r.Context())
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to run daily jobs: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// RetryEvents re-dispatches failed webhook events
func (h *Handler) RetryEvents(w http.ResponseWriter, r *http.Request) {
	limit := defaultRetryPass
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			h.handleError(w, r, &subscription.ValidationError{Field: "limit", Reason: "must be a positive integer"})
			return
		}
		limit = n
	}
	report, err := h.config.Processor.RetryFailedEvents(r.Context(), limit)
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to retry events: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// Health reports liveness
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

func (h *Handler) writeChange(w http.ResponseWriter, r *http.Request, userID string, changed bool) {
	view, err := h.config.Manager.Status(r.Context(), userID)
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to get subscription status: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, ChangeResponse{Changed: changed, Status: view})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(v); err != nil {
		h.handleError(w, r, &subscription.ValidationError{Field: "body", Reason: err.Error()})
		return false
	}
	return true
}

// decodeOptional accepts an empty body.
func (h *Handler) decodeOptional(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if r.ContentLength == 0 {
		return true
	}
	return h.decode(w, r, v)
}

// statusFor maps an error to its HTTP status code
func statusFor(err error) int {
	if errors.Is(err, errUnauthorized) {
		return http.StatusUnauthorized
	}
	switch subscription.KindOf(err) {
	case subscription.KindValidation:
		return http.StatusBadRequest
	case subscription.KindNotFound:
		return http.StatusNotFound
	case subscription.KindConflict:
		return http.StatusConflict
	case subscription.KindUpstream:
		return http.StatusBadGateway
	case subscription.KindSignature:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// handleError handles errors with appropriate HTTP status codes
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err)
		return
	}

	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.config.Logger.Error("request failed",
			subscription.F("path", r.URL.Path), subscription.F("status", status), subscription.F("error", err.Error()))
	}

	// Default error handling
	resp := ErrorResponse{Error: err.Error()}
	if status != http.StatusUnauthorized {
		resp.Kind = subscription.KindOf(err).String()
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Log encoding error but response already sent
		_ = err
	}
}
