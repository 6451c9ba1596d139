package plans

import (
	"sort"
	"strings"

	"lunawave-api/internal/apperrors"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"
)

// Plan is a subscription tier. Tiers are totally ordered by Rank.
type Plan string

const (
	Free     Plan = "free"
	Crescent Plan = "crescent"
	HalfMoon Plan = "halfmoon"
	FullMoon Plan = "fullmoon"
)

// CatalogVersion identifies the plan/feature table below. Bump it whenever an
// amount changes so ledger descriptions and clients can tell tables apart.
const CatalogVersion = "lunar-v3"

// Tier is one row of the plan table.
type Tier struct {
	Plan         Plan   `json:"plan"`
	Rank         int    `json:"rank"`
	DisplayName  string `json:"display_name"`
	PriceKRW     int64  `json:"price_krw"`
	DailyGrant   int64  `json:"daily_grant"`
	MonthlyBonus int64  `json:"monthly_bonus"`
	Unlimited    bool   `json:"unlimited"`
}

// Feature is one row of the cost table.
type Feature struct {
	Name        string          `json:"name"`
	Cost        decimal.Decimal `json:"cost"`
	MinPlan     Plan            `json:"min_plan"`
	Description string          `json:"description"`
}

// CreditPack is a legacy one-off lunas bundle.
type CreditPack struct {
	Name     string `json:"name"`
	Lunas    int64  `json:"lunas"`
	PriceKRW int64  `json:"price_krw"`
}

// Catalog is the single source of plan amounts, feature costs and gates.
// It is immutable after construction and safe to share between goroutines.
type Catalog struct {
	version  string
	tiers    map[Plan]Tier
	features map[string]Feature
	packs    map[string]CreditPack
}

var aliases = map[string]Plan{
	"tier0": Free,
	"tier1": Crescent,
	"tier2": HalfMoon,
	"tier3": FullMoon,
	"pro":   Crescent,
	"half":  HalfMoon,
	"full":  FullMoon,
}

var defaultCatalog = newCatalog(CatalogVersion,
	[]Tier{
		{Plan: Free, Rank: 0, DisplayName: "New Moon", PriceKRW: 0, DailyGrant: 20},
		{Plan: Crescent, Rank: 1, DisplayName: "Crescent", PriceKRW: 13900, DailyGrant: 50, MonthlyBonus: 1500},
		{Plan: HalfMoon, Rank: 2, DisplayName: "Half Moon", PriceKRW: 33000, DailyGrant: 200, MonthlyBonus: 3000},
		{Plan: FullMoon, Rank: 3, DisplayName: "Full Moon", PriceKRW: 79000, Unlimited: true},
	},
	[]Feature{
		{Name: "song_generate", Cost: decimal.NewFromInt(1), MinPlan: Free, Description: "Song generation"},
		{Name: "auto_input", Cost: decimal.NewFromInt(1), MinPlan: Free, Description: "Auto input"},
		{Name: "render_1img", Cost: decimal.NewFromInt(1), MinPlan: Free, Description: "Single image render"},
		{Name: "youtube_trend", Cost: decimal.RequireFromString("0.5"), MinPlan: Free, Description: "YouTube trend analysis"},
		{Name: "song_download", Cost: decimal.RequireFromString("0.5"), MinPlan: Free, Description: "Song download"},
		{Name: "oneclick_auto", Cost: decimal.NewFromInt(10), MinPlan: Free, Description: "One-click automation"},
		{Name: "metadata_gemini", Cost: decimal.RequireFromString("1.5"), MinPlan: Crescent, Description: "Metadata (Gemini)"},
		{Name: "metadata_gpt", Cost: decimal.NewFromInt(2), MinPlan: Crescent, Description: "Metadata (GPT)"},
		{Name: "metadata_regen", Cost: decimal.NewFromInt(1), MinPlan: Crescent, Description: "Metadata regeneration"},
		{Name: "cutout_standard", Cost: decimal.RequireFromString("0.5"), MinPlan: Crescent, Description: "Cutout (standard)"},
		{Name: "cutout_high", Cost: decimal.NewFromInt(1), MinPlan: Crescent, Description: "Cutout (high)"},
		{Name: "cutout_ultra", Cost: decimal.NewFromInt(2), MinPlan: Crescent, Description: "Cutout (ultra)"},
		{Name: "render_2img", Cost: decimal.NewFromInt(5), MinPlan: Crescent, Description: "Two image render"},
		{Name: "subtitle_sync", Cost: decimal.NewFromInt(2), MinPlan: Crescent, Description: "Subtitle sync"},
		{Name: "halo_remove", Cost: decimal.RequireFromString("0.3"), MinPlan: Crescent, Description: "Halo removal"},
		{Name: "edge_blend", Cost: decimal.RequireFromString("0.2"), MinPlan: Crescent, Description: "Edge blend"},
		{Name: "color_temperature", Cost: decimal.RequireFromString("0.3"), MinPlan: Crescent, Description: "Color temperature"},
		{Name: "youtube_upload", Cost: decimal.NewFromInt(10), MinPlan: Crescent, Description: "YouTube upload"},
		{Name: "batch_5", Cost: decimal.NewFromInt(8), MinPlan: HalfMoon, Description: "Batch of five"},
	},
	[]CreditPack{
		{Name: "small", Lunas: 500, PriceKRW: 7900},
		{Name: "medium", Lunas: 1000, PriceKRW: 12900},
		{Name: "large", Lunas: 3000, PriceKRW: 29900},
	},
)

// Default returns the shared canonical catalog.
func Default() *Catalog {
	return defaultCatalog
}

func newCatalog(version string, tiers []Tier, features []Feature, packs []CreditPack) *Catalog {
	c := &Catalog{
		version:  version,
		tiers:    make(map[Plan]Tier, len(tiers)),
		features: make(map[string]Feature, len(features)),
		packs:    make(map[string]CreditPack, len(packs)),
	}
	for _, t := range tiers {
		c.tiers[t.Plan] = t
	}
	for _, f := range features {
		c.features[f.Name] = f
	}
	for _, p := range packs {
		c.packs[p.Name] = p
	}
	return c
}

// Version returns the catalog version tag.
func (c *Catalog) Version() string { return c.version }

// ParsePlan resolves a plan name or alias, case-insensitively.
func (c *Catalog) ParsePlan(name string) (Plan, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		return Free, nil
	}
	if p, ok := aliases[key]; ok {
		return p, nil
	}
	if _, ok := c.tiers[Plan(key)]; ok {
		return Plan(key), nil
	}
	return "", apperrors.Newf(apperrors.KindUnknownPlan, "unknown plan %q", name).WithDetail("plan", name)
}

// Tier returns the table row for p. Unknown plans resolve to the free tier.
func (c *Catalog) Tier(p Plan) Tier {
	if t, ok := c.tiers[p]; ok {
		return t
	}
	return c.tiers[Free]
}

// Tiers lists every tier ordered by rank.
func (c *Catalog) Tiers() []Tier {
	out := make([]Tier, 0, len(c.tiers))
	for _, t := range c.tiers {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Rank < out[j].Rank })
	return out
}

func (c *Catalog) Rank(p Plan) int { return c.Tier(p).Rank }

// AtLeast reports whether p is at or above floor.
func (c *Catalog) AtLeast(p, floor Plan) bool { return c.Rank(p) >= c.Rank(floor) }

// IsPaid reports whether p is any tier above free.
func (c *Catalog) IsPaid(p Plan) bool { return c.Rank(p) > 0 }

func (c *Catalog) Price(p Plan) int64 { return c.Tier(p).PriceKRW }

func (c *Catalog) DailyGrantAmount(p Plan) int64 { return c.Tier(p).DailyGrant }

func (c *Catalog) MonthlyBonusAmount(p Plan) int64 { return c.Tier(p).MonthlyBonus }

func (c *Catalog) IsUnlimited(p Plan) bool { return c.Tier(p).Unlimited }

// FeatureCost returns the lunas charged for one use of feature.
func (c *Catalog) FeatureCost(feature string) (decimal.Decimal, error) {
	f, ok := c.features[feature]
	if !ok {
		return decimal.Zero, unknownFeature(feature)
	}
	return f.Cost, nil
}

// Feature returns the table row for name.
func (c *Catalog) Feature(name string) (Feature, error) {
	f, ok := c.features[name]
	if !ok {
		return Feature{}, unknownFeature(name)
	}
	return f, nil
}

// Features lists the cost table ordered by minimum plan, then name.
func (c *Catalog) Features() []Feature {
	out := make([]Feature, 0, len(c.features))
	for _, f := range c.features {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool {
		ri, rj := c.Rank(out[i].MinPlan), c.Rank(out[j].MinPlan)
		if ri != rj {
			return ri < rj
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// MinimumPlanFor returns the lowest tier allowed to use feature.
func (c *Catalog) MinimumPlanFor(feature string) (Plan, error) {
	f, ok := c.features[feature]
	if !ok {
		return "", unknownFeature(feature)
	}
	return f.MinPlan, nil
}

// CheckAccess fails with PlanUpgradeRequired when p is below the feature's minimum tier.
func (c *Catalog) CheckAccess(p Plan, feature string) error {
	required, err := c.MinimumPlanFor(feature)
	if err != nil {
		return err
	}
	if !c.AtLeast(p, required) {
		return apperrors.PlanUpgradeRequired(feature, string(required))
	}
	return nil
}

// CreditPacks lists the legacy bundles, cheapest first.
func (c *Catalog) CreditPacks() []CreditPack {
	out := lo.Values(c.packs)
	sort.Slice(out, func(i, j int) bool { return out[i].PriceKRW < out[j].PriceKRW })
	return out
}

// CreditPack returns a legacy lunas bundle by name.
func (c *Catalog) CreditPack(name string) (CreditPack, error) {
	p, ok := c.packs[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return CreditPack{}, apperrors.Newf(apperrors.KindUnknownCreditPack, "unknown credit pack %q", name)
	}
	return p, nil
}

func unknownFeature(name string) error {
	return apperrors.Newf(apperrors.KindUnknownFeature, "unknown feature %q", name).WithDetail("feature", name)
}
