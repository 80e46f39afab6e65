package subscription

import (
	"fmt"
	"sort"
)

// Unlimited marks a numeric limit that is never enforced
const Unlimited = -1

// Feature is a boolean capability a plan may grant
type Feature string

const (
	FeatureCollaborativeTrips Feature = "collaborative_trips"
	FeaturePremiumExport      Feature = "premium_export"
	FeatureAdvancedAnalytics  Feature = "advanced_analytics"
	FeaturePrioritySupport    Feature = "priority_support"
	FeatureUnlimitedDevices   Feature = "unlimited_devices"
	FeatureAutoBackup         Feature = "auto_backup"
	FeatureExpenseCategories  Feature = "expense_categories"
)

// LimitType names a numeric plan limit
type LimitType string

const (
	LimitMaxTrips         LimitType = "max_trips"
	LimitMaxPhotosPerTrip LimitType = "max_photos_per_trip"
	LimitMaxGroupMembers  LimitType = "max_group_members"
)

// Limits holds the numeric limits of a plan. Unlimited (-1) disables a limit.
type Limits struct {
	MaxTrips         int `json:"maxTrips"`
	MaxPhotosPerTrip int `json:"maxPhotosPerTrip"`
	MaxGroupMembers  int `json:"maxGroupMembers"`
}

// Get returns the limit for a limit type.
func (l Limits) Get(limit LimitType) (int, bool) {
	switch limit {
	case LimitMaxTrips:
		return l.MaxTrips, true
	case LimitMaxPhotosPerTrip:
		return l.MaxPhotosPerTrip, true
	case LimitMaxGroupMembers:
		return l.MaxGroupMembers, true
	}
	return 0, false
}

// Features holds the boolean capabilities of a plan
type Features struct {
	CollaborativeTrips bool `json:"collaborativeTrips"`
	PremiumExport      bool `json:"premiumExport"`
	AdvancedAnalytics  bool `json:"advancedAnalytics"`
	PrioritySupport    bool `json:"prioritySupport"`
	UnlimitedDevices   bool `json:"unlimitedDevices"`
	AutoBackup         bool `json:"autoBackup"`
	ExpenseCategories  bool `json:"expenseCategories"`
}

// Has reports whether the feature is enabled.
func (f Features) Has(feature Feature) bool {
	switch feature {
	case FeatureCollaborativeTrips:
		return f.CollaborativeTrips
	case FeaturePremiumExport:
		return f.PremiumExport
	case FeatureAdvancedAnalytics:
		return f.AdvancedAnalytics
	case FeaturePrioritySupport:
		return f.PrioritySupport
	case FeatureUnlimitedDevices:
		return f.UnlimitedDevices
	case FeatureAutoBackup:
		return f.AutoBackup
	case FeatureExpenseCategories:
		return f.ExpenseCategories
	}
	return false
}

// Plan is an immutable catalog entry
type Plan struct {
	ID          PlanType
	Name        string
	Description string
	Limits      Limits
	Features    Features
	PriceAmount float64
	Currency    string
	TrialDays   int

	// ProviderPriceID is the recurring price the payment provider bills for this plan
	ProviderPriceID string

	// Rank orders plans for upgrade validation; higher is better
	Rank int
}

// IsFree reports whether the plan is billed at all.
func (p Plan) IsFree() bool {
	return p.PriceAmount == 0
}

// Catalog is the static table of plans seeded at process start
type Catalog struct {
	plans map[PlanType]Plan
	free  PlanType
}

// NewCatalog builds a catalog from plans. Exactly one free plan is required.
func NewCatalog(plans ...Plan) (*Catalog, error) {
	if len(plans) == 0 {
		return nil, fmt.Errorf("catalog requires at least one plan")
	}

	c := &Catalog{plans: make(map[PlanType]Plan, len(plans))}
	for _, p := range plans {
		if p.ID == "" {
			return nil, fmt.Errorf("plan id is required")
		}
		if _, dup := c.plans[p.ID]; dup {
			return nil, fmt.Errorf("duplicate plan %q", p.ID)
		}
		for _, v := range []int{p.Limits.MaxTrips, p.Limits.MaxPhotosPerTrip, p.Limits.MaxGroupMembers} {
			if v < Unlimited {
				return nil, fmt.Errorf("plan %q has invalid limit %d", p.ID, v)
			}
		}
		if p.IsFree() {
			if c.free != "" {
				return nil, fmt.Errorf("plans %q and %q are both free", c.free, p.ID)
			}
			c.free = p.ID
		}
		c.plans[p.ID] = p
	}
	if c.free == "" {
		return nil, fmt.Errorf("catalog requires a free plan")
	}
	return c, nil
}

// DefaultCatalog returns the Voyaj plans.
func DefaultCatalog() *Catalog {
	c, err := NewCatalog(
		Plan{
			ID:          PlanExplorador,
			Name:        "Explorador",
			Description: "Perfecto para comenzar a planificar tus viajes",
			Limits:      Limits{MaxTrips: 1, MaxPhotosPerTrip: 100, MaxGroupMembers: 1},
			Currency:    "MXN",
			Rank:        0,
		},
		Plan{
			ID:          PlanAventurero,
			Name:        "Aventurero",
			Description: "Para viajeros frecuentes que comparten sus aventuras",
			Limits:      Limits{MaxTrips: Unlimited, MaxPhotosPerTrip: Unlimited, MaxGroupMembers: 10},
			Features: Features{
				CollaborativeTrips: true,
				PremiumExport:      true,
				AdvancedAnalytics:  true,
				PrioritySupport:    true,
				ExpenseCategories:  true,
			},
			PriceAmount:     9.99,
			Currency:        "MXN",
			TrialDays:       7,
			ProviderPriceID: "price_aventurero_monthly",
			Rank:            1,
		},
		Plan{
			ID:          PlanNomadaDigital,
			Name:        "Nómada Digital",
			Description: "Sin límites para grupos y viajeros profesionales",
			Limits:      Limits{MaxTrips: Unlimited, MaxPhotosPerTrip: Unlimited, MaxGroupMembers: Unlimited},
			Features: Features{
				CollaborativeTrips: true,
				PremiumExport:      true,
				AdvancedAnalytics:  true,
				PrioritySupport:    true,
				UnlimitedDevices:   true,
				AutoBackup:         true,
				ExpenseCategories:  true,
			},
			PriceAmount:     19.99,
			Currency:        "MXN",
			TrialDays:       7,
			ProviderPriceID: "price_nomada_monthly",
			Rank:            2,
		},
	)
	if err != nil {
		panic(err)
	}
	return c
}

// Normalize maps aliases to catalog ids.
func Normalize(plan PlanType) PlanType {
	if plan == PlanFree {
		return PlanExplorador
	}
	return plan
}

// Info returns the plan definition.
func (c *Catalog) Info(plan PlanType) (Plan, error) {
	if plan == PlanFree {
		return c.plans[c.free], nil
	}
	p, ok := c.plans[plan]
	if !ok {
		return Plan{}, fmt.Errorf("%w: %q", ErrUnknownPlan, plan)
	}
	return p, nil
}

// Limits returns the numeric limits of a plan.
func (c *Catalog) Limits(plan PlanType) (Limits, error) {
	p, err := c.Info(plan)
	if err != nil {
		return Limits{}, err
	}
	return p.Limits, nil
}

// IsFeatureAvailable reports whether plan grants feature. Unknown plans grant nothing.
func (c *Catalog) IsFeatureAvailable(plan PlanType, feature Feature) bool {
	p, err := c.Info(plan)
	if err != nil {
		return false
	}
	return p.Features.Has(feature)
}

// NumericLimit returns a single limit of a plan; Unlimited means always pass.
func (c *Catalog) NumericLimit(plan PlanType, limit LimitType) (int, error) {
	p, err := c.Info(plan)
	if err != nil {
		return 0, err
	}
	v, ok := p.Limits.Get(limit)
	if !ok {
		return 0, &ValidationError{Field: "limitType", Reason: fmt.Sprintf("unknown limit %q", limit)}
	}
	return v, nil
}

// Free returns the free plan.
func (c *Catalog) Free() Plan {
	return c.plans[c.free]
}

// Plans returns every plan ordered by rank.
func (c *Catalog) Plans() []Plan {
	out := make([]Plan, 0, len(c.plans))
	for _, p := range c.plans {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Rank < out[j].Rank })
	return out
}

// ByPriceID finds the plan billed under a provider price id.
func (c *Catalog) ByPriceID(priceID string) (Plan, bool) {
	if priceID == "" {
		return Plan{}, false
	}
	for _, p := range c.plans {
		if p.ProviderPriceID == priceID {
			return p, true
		}
	}
	return Plan{}, false
}

// IsUpgrade reports whether moving from one plan to another climbs the hierarchy.
func (c *Catalog) IsUpgrade(from, to PlanType) bool {
	f, err := c.Info(from)
	if err != nil {
		return false
	}
	t, err := c.Info(to)
	if err != nil {
		return false
	}
	return t.Rank > f.Rank
}
