// Package http provides HTTP middleware for entitlement enforcement
package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/practpec/voyaj-api/pkg/subscription"
)

// Entitlements answers the gated checks. *subscription.Validator implements it.
type Entitlements interface {
	CanCreateTrip(ctx context.Context, userID string) subscription.LimitCheckResult
	CanUploadPhoto(ctx context.Context, userID, tripID string) subscription.LimitCheckResult
	CanInviteMembers(ctx context.Context, userID string, currentMembers int) subscription.LimitCheckResult
	CanExportData(ctx context.Context, userID string) subscription.LimitCheckResult
	CanAccessAnalytics(ctx context.Context, userID string) subscription.LimitCheckResult
}

// UserIDExtractor extracts the user ID from an HTTP request
// Return empty string if user is not authenticated
type UserIDExtractor func(r *http.Request) string

// ScopeExtractor extracts the trip a photo check is scoped to
type ScopeExtractor func(r *http.Request) string

// CountExtractor reads the current member count for a member invite check
type CountExtractor func(r *http.Request) (int, error)

// DefaultUpgradeURL is where denial responses point clients
const DefaultUpgradeURL = "/subscriptions/checkout"

// Config holds middleware configuration
type Config struct {
	// Entitlements answers the check (required)
	Entitlements Entitlements

	// Check is the gated action (required)
	Check subscription.Check

	// GetUserID extracts user ID from request (required)
	GetUserID UserIDExtractor

	// GetTripID scopes CheckUploadPhoto. Requests without a trip are let through
	// Default: PathSegmentAfter("trips")
	GetTripID ScopeExtractor

	// GetCurrentMembers feeds CheckInviteMembers
	// Default: zero members
	GetCurrentMembers CountExtractor

	// Catalog provides upgrade options in denial responses (default: DefaultCatalog())
	Catalog *subscription.Catalog

	// UpgradeURL is returned in denial responses (default: DefaultUpgradeURL)
	UpgradeURL string

	// OnDenied is called when the check denies the request
	// If nil, returns 402 Payment Required when an upgrade unlocks the action
	// and 403 Forbidden otherwise
	OnDenied func(w http.ResponseWriter, r *http.Request, result subscription.LimitCheckResult)

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnError is called when the request cannot be checked
	// If nil, returns 400 Bad Request
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

// LimitInfo describes the limit a denied request hit
type LimitInfo struct {
	LimitType       string `json:"limit_type"`
	CurrentUsage    int    `json:"current_usage"`
	MaxAllowed      int    `json:"max_allowed"`
	UpgradeRequired bool   `json:"upgrade_required"`
}

// UpgradeOptions lists the plans that lift a denial
type UpgradeOptions struct {
	RecommendedPlan subscription.PlanType   `json:"recommended_plan,omitempty"`
	AvailablePlans  []subscription.PlanType `json:"available_plans"`
	UpgradeURL      string                  `json:"upgrade_url"`
}

// DeniedResponse is the default denial body
type DeniedResponse struct {
	Detail         string         `json:"detail"`
	Message        string         `json:"message"`
	LimitInfo      *LimitInfo     `json:"limit_info,omitempty"`
	FeatureLocked  bool           `json:"feature_locked,omitempty"`
	UpgradeOptions UpgradeOptions `json:"upgrade_options"`
}

// Middleware creates an HTTP middleware that enforces one entitlement check
func Middleware(config Config) func(http.Handler) http.Handler {
	// Set defaults
	if config.GetTripID == nil {
		config.GetTripID = PathSegmentAfter("trips")
	}
	if config.Catalog == nil {
		config.Catalog = subscription.DefaultCatalog()
	}
	if config.UpgradeURL == "" {
		config.UpgradeURL = DefaultUpgradeURL
	}
	options := upgradeOptions(config.Catalog, config.UpgradeURL)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Extract user ID
			userID := config.GetUserID(r)
			if userID == "" {
				if config.OnUnauthorized != nil {
					config.OnUnauthorized(w, r)
				} else {
					writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Authentication required"})
				}
				return
			}

			result, skip, err := evaluate(r, config, userID)
			if err != nil {
				if config.OnError != nil {
					config.OnError(w, r, err)
				} else {
					http.Error(w, "Bad Request", http.StatusBadRequest)
				}
				return
			}
			if skip || result.Allowed {
				next.ServeHTTP(w, r)
				return
			}

			if config.OnDenied != nil {
				config.OnDenied(w, r, result)
				return
			}
			status, body := deniedResponse(result, options)
			writeJSON(w, status, body)
		})
	}
}

// HandlerFunc creates an HTTP middleware that enforces one entitlement check (HandlerFunc version)
func HandlerFunc(config Config) func(http.HandlerFunc) http.HandlerFunc {
	middleware := Middleware(config)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			middleware(next).ServeHTTP(w, r)
		}
	}
}

// evaluate runs the configured check. skip is true when the request carries
// nothing to check against.
func evaluate(r *http.Request, config Config, userID string) (result subscription.LimitCheckResult, skip bool, err error) {
	ctx := r.Context()
	e := config.Entitlements

	switch config.Check {
	case subscription.CheckCreateTrip:
		return e.CanCreateTrip(ctx, userID), false, nil
	case subscription.CheckUploadPhoto:
		tripID := config.GetTripID(r)
		if tripID == "" {
			return result, true, nil
		}
		return e.CanUploadPhoto(ctx, userID, tripID), false, nil
	case subscription.CheckInviteMembers:
		members := 0
		if config.GetCurrentMembers != nil {
			if members, err = config.GetCurrentMembers(r); err != nil {
				return result, false, err
			}
		}
		return e.CanInviteMembers(ctx, userID, members), false, nil
	case subscription.CheckExportData:
		return e.CanExportData(ctx, userID), false, nil
	case subscription.CheckAccessAnalytics:
		return e.CanAccessAnalytics(ctx, userID), false, nil
	default:
		return result, false, fmt.Errorf("unknown entitlement check %q", config.Check)
	}
}

func deniedResponse(result subscription.LimitCheckResult, options UpgradeOptions) (int, DeniedResponse) {
	if result.UpgradeRequired {
		return http.StatusPaymentRequired, DeniedResponse{
			Detail:  "Upgrade required",
			Message: result.Message,
			LimitInfo: &LimitInfo{
				LimitType:       result.LimitType,
				CurrentUsage:    result.CurrentUsage,
				MaxAllowed:      result.MaxAllowed,
				UpgradeRequired: true,
			},
			UpgradeOptions: options,
		}
	}
	return http.StatusForbidden, DeniedResponse{
		Detail:         "Feature not available",
		Message:        result.Message,
		FeatureLocked:  true,
		UpgradeOptions: options,
	}
}

// upgradeOptions lists the paid plans, cheapest first.
func upgradeOptions(catalog *subscription.Catalog, url string) UpgradeOptions {
	opts := UpgradeOptions{AvailablePlans: []subscription.PlanType{}, UpgradeURL: url}
	for _, p := range catalog.Plans() {
		if p.IsFree() {
			continue
		}
		opts.AvailablePlans = append(opts.AvailablePlans, p.ID)
	}
	if len(opts.AvailablePlans) > 0 {
		opts.RecommendedPlan = opts.AvailablePlans[0]
	}
	return opts
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Common extractors for convenience

// PathSegmentAfter returns a ScopeExtractor that reads the path segment
// following name, e.g. "trip_1" in /trips/trip_1/photos.
func PathSegmentAfter(name string) ScopeExtractor {
	return func(r *http.Request) string {
		segments := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
		for i := 0; i+1 < len(segments); i++ {
			if segments[i] == name {
				return segments[i+1]
			}
		}
		return ""
	}
}

// QueryInt returns a CountExtractor that parses a non-negative integer query
// parameter. A missing parameter counts as zero.
func QueryInt(param string) CountExtractor {
	return func(r *http.Request) (int, error) {
		raw := r.URL.Query().Get(param)
		if raw == "" {
			return 0, nil
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid %s: %q", param, raw)
		}
		return n, nil
	}
}

// ContextKey is a type for context keys
type ContextKey string

const (
	// UserIDKey is the context key for user ID
	UserIDKey ContextKey = "entitlement:userID"
)

// FromContext returns an UserIDExtractor that gets user ID from request context
func FromContext(key ContextKey) UserIDExtractor {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}

// FromHeader returns an UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// WithUserID adds user ID to request context
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}
