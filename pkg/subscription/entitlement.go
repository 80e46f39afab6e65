package subscription

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"golang.org/x/sync/singleflight"
)

// Check names one gated action
type Check string

const (
	CheckCreateTrip      Check = "create_trip"
	CheckUploadPhoto     Check = "upload_photo"
	CheckInviteMembers   Check = "invite_members"
	CheckExportData      Check = "export_data"
	CheckAccessAnalytics Check = "access_analytics"
)

// limit types reported for boolean features
const (
	limitTypeFeature = "feature"
	limitTypeNone    = "no_subscription"
)

// DefaultNoticeWindow suppresses repeated limit-reached notifications per user and check
const DefaultNoticeWindow = 24 * time.Hour

// Messages shown to users on denial
const (
	msgNoSubscription     = "No subscription found"
	msgTripLimit          = "Has alcanzado el límite de %d viaje(s) activo(s). Actualiza tu plan para crear más viajes."
	msgPhotoLimit         = "Has alcanzado el límite de %d fotos por viaje. Actualiza tu plan para subir más fotos."
	msgNoCollaboration    = "Los viajes colaborativos no están disponibles en tu plan actual. Actualiza para invitar amigos."
	msgMemberLimit        = "Has alcanzado el límite de %d miembros por grupo. Actualiza para grupos más grandes."
	msgNoPremiumExport    = "La exportación premium no está disponible en tu plan actual. Actualiza para exportar tus datos."
	msgNoAdvancedAnalytic = "Los análisis avanzados no están disponibles en tu plan actual. Actualiza para ver estadísticas detalladas."
)

// ValidatorConfig wires a Validator
type ValidatorConfig struct {
	Catalog       *Catalog
	Subscriptions SubscriptionStore
	Usage         UsageProvider

	// Cache holds decisions (default: NewDecisionCache with the default TTL and size)
	Cache *DecisionCache

	// Notices suppresses repeated limit-reached notifications (optional)
	Notices LimitNoticeTracker

	// NoticeWindow is the suppression window (default: DefaultNoticeWindow)
	NoticeWindow time.Duration

	// Executor sends limit-reached notifications (optional)
	Executor *Executor

	Clock   Clock
	Logger  Logger
	Metrics Metrics
}

// Validator answers entitlement checks. Internal failures allow the action;
// a missing subscription denies it.
type Validator struct {
	catalog      *Catalog
	subs         SubscriptionStore
	usage        UsageProvider
	cache        *DecisionCache
	notices      LimitNoticeTracker
	noticeWindow time.Duration
	executor     *Executor
	clock        Clock
	logger       Logger
	metrics      Metrics
	group        singleflight.Group
}

// NewValidator creates an entitlement validator
func NewValidator(config ValidatorConfig) (*Validator, error) {
	if config.Subscriptions == nil {
		return nil, ErrStoreUnavailable
	}
	if config.Usage == nil {
		return nil, errors.New("validator requires a usage provider")
	}
	if config.Catalog == nil {
		config.Catalog = DefaultCatalog()
	}
	if config.Clock == nil {
		config.Clock = SystemClock{}
	}
	if config.Cache == nil {
		config.Cache = NewDecisionCache(DefaultDecisionTTL, DefaultDecisionCacheSize, config.Clock)
	}
	if config.NoticeWindow <= 0 {
		config.NoticeWindow = DefaultNoticeWindow
	}
	if config.Logger == nil {
		config.Logger = &NoopLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = &NoopMetrics{}
	}

	return &Validator{
		catalog:      config.Catalog,
		subs:         config.Subscriptions,
		usage:        config.Usage,
		cache:        config.Cache,
		notices:      config.Notices,
		noticeWindow: config.NoticeWindow,
		executor:     config.Executor,
		clock:        config.Clock,
		logger:       config.Logger,
		metrics:      config.Metrics,
	}, nil
}

// InvalidateUser drops cached decisions for the user. It satisfies EntitlementInvalidator.
func (v *Validator) InvalidateUser(userID string) {
	v.cache.InvalidateUser(userID)
}

// Cache exposes the decision cache for sweeping and stats.
func (v *Validator) Cache() *DecisionCache {
	return v.cache
}

// CanCreateTrip checks the active trip limit.
func (v *Validator) CanCreateTrip(ctx context.Context, userID string) LimitCheckResult {
	return v.check(ctx, CheckCreateTrip, userID, "", func(ctx context.Context, plan Plan) (LimitCheckResult, error) {
		return v.numeric(LimitMaxTrips, plan, msgTripLimit, func() (int, error) {
			return v.usage.CountActiveTrips(ctx, userID)
		})
	})
}

// CanUploadPhoto checks the per-trip photo limit.
func (v *Validator) CanUploadPhoto(ctx context.Context, userID, tripID string) LimitCheckResult {
	return v.check(ctx, CheckUploadPhoto, userID, tripID, func(ctx context.Context, plan Plan) (LimitCheckResult, error) {
		return v.numeric(LimitMaxPhotosPerTrip, plan, msgPhotoLimit, func() (int, error) {
			return v.usage.CountTripPhotos(ctx, tripID)
		})
	})
}

// CanInviteMembers checks that the plan allows collaboration and that the group has room.
func (v *Validator) CanInviteMembers(ctx context.Context, userID string, currentMembers int) LimitCheckResult {
	return v.check(ctx, CheckInviteMembers, userID, strconv.Itoa(currentMembers), func(_ context.Context, plan Plan) (LimitCheckResult, error) {
		if !plan.Features.Has(FeatureCollaborativeTrips) {
			return deniedFeature(string(FeatureCollaborativeTrips), msgNoCollaboration), nil
		}
		return v.numeric(LimitMaxGroupMembers, plan, msgMemberLimit, func() (int, error) {
			return currentMembers, nil
		})
	})
}

// CanExportData checks the premium export feature.
func (v *Validator) CanExportData(ctx context.Context, userID string) LimitCheckResult {
	return v.check(ctx, CheckExportData, userID, "", func(_ context.Context, plan Plan) (LimitCheckResult, error) {
		return v.feature(plan, FeaturePremiumExport, msgNoPremiumExport), nil
	})
}

// CanAccessAnalytics checks the advanced analytics feature.
func (v *Validator) CanAccessAnalytics(ctx context.Context, userID string) LimitCheckResult {
	return v.check(ctx, CheckAccessAnalytics, userID, "", func(_ context.Context, plan Plan) (LimitCheckResult, error) {
		return v.feature(plan, FeatureAdvancedAnalytics, msgNoAdvancedAnalytic), nil
	})
}

type evaluateFunc func(ctx context.Context, plan Plan) (LimitCheckResult, error)

type outcome struct {
	result    LimitCheckResult
	cacheable bool
}

func (v *Validator) check(ctx context.Context, check Check, userID, scope string, eval evaluateFunc) LimitCheckResult {
	key := cacheKey(check, userID, scope)
	if r, ok := v.cache.Get(key); ok {
		v.metrics.RecordCacheHit("entitlement")
		v.metrics.RecordEntitlementCheck(check, r.Allowed)
		v.afterDenial(ctx, check, userID, r)
		return r
	}
	v.metrics.RecordCacheMiss("entitlement")

	res, _, _ := v.group.Do(key, func() (interface{}, error) {
		out := v.evaluate(ctx, check, userID, eval)
		if out.cacheable {
			v.cache.Set(key, userID, out.result)
		}
		return out, nil
	})
	r := res.(outcome).result

	v.metrics.RecordEntitlementCheck(check, r.Allowed)
	v.afterDenial(ctx, check, userID, r)
	return r
}

func (v *Validator) evaluate(ctx context.Context, check Check, userID string, eval evaluateFunc) outcome {
	sub, err := v.subs.GetByUserID(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return outcome{result: LimitCheckResult{
				Allowed:   false,
				LimitType: limitTypeNone,
				Message:   msgNoSubscription,
			}}
		}
		v.logger.Warn("entitlement check failed open",
			F("check", check), F("user_id", userID), errField(err))
		return outcome{result: LimitCheckResult{Allowed: true}}
	}

	plan := v.effectivePlan(sub)
	r, err := eval(ctx, plan)
	if err != nil {
		v.logger.Warn("entitlement check failed open",
			F("check", check), F("user_id", userID), F("plan_type", plan.ID), errField(err))
		return outcome{result: LimitCheckResult{Allowed: true, LimitType: r.LimitType, MaxAllowed: r.MaxAllowed}}
	}
	return outcome{result: r, cacheable: true}
}

// effectivePlan is the plan whose limits apply right now. Ended
// subscriptions fall back to the free plan.
func (v *Validator) effectivePlan(sub *Subscription) Plan {
	now := v.clock.Now()
	ended := sub.Status.Terminal() ||
		(sub.Status == StatusCancelled && (sub.CurrentPeriodEnd == nil || !now.Before(*sub.CurrentPeriodEnd)))
	if ended {
		return v.catalog.Free()
	}
	plan, err := v.catalog.Info(sub.PlanType)
	if err != nil {
		v.logger.Error("subscription references an unknown plan, using free plan limits",
			F("user_id", sub.UserID), F("plan_type", sub.PlanType), errField(err))
		return v.catalog.Free()
	}
	return plan
}

func (v *Validator) numeric(limit LimitType, plan Plan, msg string, usage func() (int, error)) (LimitCheckResult, error) {
	maxAllowed, _ := plan.Limits.Get(limit)
	if maxAllowed == Unlimited {
		return LimitCheckResult{Allowed: true, LimitType: string(limit), MaxAllowed: Unlimited}, nil
	}
	current, err := usage()
	if err != nil {
		return LimitCheckResult{LimitType: string(limit), MaxAllowed: maxAllowed}, err
	}
	if current < maxAllowed {
		return LimitCheckResult{
			Allowed:      true,
			LimitType:    string(limit),
			CurrentUsage: current,
			MaxAllowed:   maxAllowed,
		}, nil
	}
	return LimitCheckResult{
		Allowed:         false,
		LimitType:       string(limit),
		CurrentUsage:    current,
		MaxAllowed:      maxAllowed,
		Message:         fmt.Sprintf(msg, maxAllowed),
		UpgradeRequired: true,
	}, nil
}

func (v *Validator) feature(plan Plan, feature Feature, msg string) LimitCheckResult {
	if plan.Features.Has(feature) {
		return LimitCheckResult{Allowed: true, LimitType: limitTypeFeature}
	}
	return deniedFeature(string(feature), msg)
}

func deniedFeature(limitType, msg string) LimitCheckResult {
	return LimitCheckResult{
		Allowed:         false,
		LimitType:       limitType,
		Message:         msg,
		UpgradeRequired: true,
	}
}

// afterDenial sends the limit_reached notification for the first denial per
// user and check within the notice window.
func (v *Validator) afterDenial(ctx context.Context, check Check, userID string, r LimitCheckResult) {
	if r.Allowed || !r.UpgradeRequired || v.executor == nil || v.notices == nil {
		return
	}
	first, err := v.notices.MarkLimitHit(ctx, string(check)+":"+userID, v.noticeWindow)
	if err != nil {
		v.logger.Warn("limit notice tracker unavailable", F("user_id", userID), errField(err))
		return
	}
	if !first {
		return
	}
	v.executor.Execute(ctx, []Action{notifyAction(userID, TemplateLimitReached, map[string]interface{}{
		"limit_type":    r.LimitType,
		"current_usage": r.CurrentUsage,
		"max_allowed":   r.MaxAllowed,
		"message":       r.Message,
	})})
}

func cacheKey(check Check, userID, scope string) string {
	if scope == "" {
		return string(check) + ":" + userID
	}
	return string(check) + ":" + userID + ":" + scope
}

// StatusCheck is the outcome of ValidateStatus
type StatusCheck struct {
	Valid   bool   `json:"valid"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message,omitempty"`
}

// ValidateStatus reports whether the user's subscription currently grants service.
func (v *Validator) ValidateStatus(ctx context.Context, userID string) (StatusCheck, error) {
	sub, err := v.subs.GetByUserID(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return StatusCheck{Reason: "no_subscription", Message: msgNoSubscription}, nil
		}
		return StatusCheck{}, err
	}
	now := v.clock.Now()
	switch {
	case sub.Status.Terminal():
		return StatusCheck{Reason: "subscription_expired", Message: "Subscription has expired"}, nil
	case sub.Status == StatusCancelled && sub.CurrentPeriodEnd != nil && sub.CurrentPeriodEnd.Before(now):
		return StatusCheck{Reason: "cancelled_expired", Message: "Cancelled subscription has expired"}, nil
	case sub.Status == StatusPastDue || sub.Status == StatusUnpaid:
		return StatusCheck{Reason: "payment_required", Message: "Payment required to continue service"}, nil
	}
	return StatusCheck{Valid: true}, nil
}

// UsageSummary reports plan limits next to current usage
type UsageSummary struct {
	PlanType PlanType       `json:"planType"`
	Limits   Limits         `json:"limits"`
	Features Features       `json:"features"`
	Usage    map[string]int `json:"usage"`
	Percent  map[string]int `json:"percentUsed,omitempty"`
	Status   Status         `json:"status"`
	Trial    *TrialView     `json:"trial,omitempty"`
	Warnings []LimitWarning `json:"warnings,omitempty"`
	Checked  time.Time      `json:"checkedAt"`
}

// LimitWarning flags a limit the user is close to
type LimitWarning struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Current int    `json:"current,omitempty"`
	Max     int    `json:"max,omitempty"`
}

// approachingRatio is the share of a limit at which a warning is raised
const approachingRatio = 0.8

// trialWarningDays is how close to its end a trial must be to warn
const trialWarningDays = 3

// UsageSummary returns the user's limits and current usage. Usage failures
// are reported as missing counters rather than errors.
func (v *Validator) UsageSummary(ctx context.Context, userID string) (*UsageSummary, error) {
	sub, err := v.subs.GetByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}
	plan := v.effectivePlan(sub)
	now := v.clock.Now()

	summary := &UsageSummary{
		PlanType: plan.ID,
		Limits:   plan.Limits,
		Features: plan.Features,
		Usage:    map[string]int{},
		Percent:  map[string]int{},
		Status:   sub.Status,
		Trial:    trialView(sub, now),
		Checked:  now,
	}

	trips, err := v.usage.CountActiveTrips(ctx, userID)
	if err != nil {
		v.logger.Warn("usage provider unavailable", F("user_id", userID), errField(err))
	} else {
		summary.Usage[string(LimitMaxTrips)] = trips
		if plan.Limits.MaxTrips > 0 {
			summary.Percent[string(LimitMaxTrips)] = trips * 100 / plan.Limits.MaxTrips
		}
	}
	summary.Warnings = approaching(plan, sub, trips, err == nil, now)
	return summary, nil
}

// ApproachingLimits lists limits at or above 80% usage and trials about to end.
func (v *Validator) ApproachingLimits(ctx context.Context, userID string) ([]LimitWarning, error) {
	summary, err := v.UsageSummary(ctx, userID)
	if err != nil {
		return nil, err
	}
	return summary.Warnings, nil
}

func approaching(plan Plan, sub *Subscription, trips int, haveTrips bool, now time.Time) []LimitWarning {
	var warnings []LimitWarning
	if haveTrips && plan.Limits.MaxTrips > 0 && float64(trips) >= float64(plan.Limits.MaxTrips)*approachingRatio {
		warnings = append(warnings, LimitWarning{
			Type:    string(LimitMaxTrips),
			Message: fmt.Sprintf("Estás cerca del límite de viajes (%d/%d)", trips, plan.Limits.MaxTrips),
			Current: trips,
			Max:     plan.Limits.MaxTrips,
		})
	}
	if sub.Status == StatusTrialing && sub.TrialEnd != nil {
		days := daysUntil(now, *sub.TrialEnd)
		if days <= trialWarningDays {
			warnings = append(warnings, LimitWarning{
				Type:    "trial_ending",
				Message: fmt.Sprintf("Tu período de prueba termina en %d días", days),
			})
		}
	}
	return warnings
}
