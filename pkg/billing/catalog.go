package billing

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pulsefit/billing/pkg/period"
)

// IntervalUnit is the calendar unit a plan renews on.
type IntervalUnit string

const (
	IntervalMonth IntervalUnit = "month"
	IntervalYear  IntervalUnit = "year"
)

// Plan is an immutable catalog entry.
type Plan struct {
	ID               string       `yaml:"id"`
	Name             string       `yaml:"name"`
	UnitPriceCents   int64        `yaml:"price_cents"`
	Unit             IntervalUnit `yaml:"interval_unit"`
	IntervalCount    int          `yaml:"interval_count"`
	ProviderPriceRef string       `yaml:"provider_price_ref"`
}

// PeriodEnd computes the calendar-correct end of a billing period that
// starts at the given instant, with end-of-month clamping.
func (p Plan) PeriodEnd(start time.Time) time.Time {
	if p.Unit == IntervalYear {
		return period.AddYears(start, p.IntervalCount)
	}
	return period.AddMonths(start, p.IntervalCount)
}

// Catalog is the static, read-only set of purchasable plans, loaded once
// at startup.
type Catalog struct {
	plans   map[string]Plan
	byPrice map[string]Plan
	order   []string
}

// NewCatalog validates the given plans and builds lookup indexes. The
// catalog must be non-empty, plan IDs and provider price refs must be
// unique, and prices and interval counts must be positive.
func NewCatalog(plans ...Plan) (*Catalog, error) {
	if len(plans) == 0 {
		return nil, errors.Join(ErrInvalidCatalog, errors.New("catalog is empty"))
	}

	c := &Catalog{
		plans:   make(map[string]Plan, len(plans)),
		byPrice: make(map[string]Plan, len(plans)),
		order:   make([]string, 0, len(plans)),
	}
	for _, p := range plans {
		switch {
		case p.ID == "":
			return nil, errors.Join(ErrInvalidCatalog, errors.New("plan without ID"))
		case p.UnitPriceCents <= 0:
			return nil, errors.Join(ErrInvalidCatalog, fmt.Errorf("plan %s: non-positive price", p.ID))
		case p.IntervalCount <= 0:
			return nil, errors.Join(ErrInvalidCatalog, fmt.Errorf("plan %s: non-positive interval count", p.ID))
		case p.Unit != IntervalMonth && p.Unit != IntervalYear:
			return nil, errors.Join(ErrInvalidCatalog, fmt.Errorf("plan %s: unknown interval unit %q", p.ID, p.Unit))
		case p.ProviderPriceRef == "":
			return nil, errors.Join(ErrInvalidCatalog, fmt.Errorf("plan %s: missing provider price ref", p.ID))
		}
		if _, dup := c.plans[p.ID]; dup {
			return nil, errors.Join(ErrInvalidCatalog, fmt.Errorf("duplicate plan ID %s", p.ID))
		}
		if _, dup := c.byPrice[p.ProviderPriceRef]; dup {
			return nil, errors.Join(ErrInvalidCatalog, fmt.Errorf("duplicate provider price ref on plan %s", p.ID))
		}
		c.plans[p.ID] = p
		c.byPrice[p.ProviderPriceRef] = p
		c.order = append(c.order, p.ID)
	}
	return c, nil
}

// Lookup returns the plan for the given ID.
func (c *Catalog) Lookup(planID string) (Plan, error) {
	p, ok := c.plans[planID]
	if !ok {
		return Plan{}, ErrPlanUnknown
	}
	return p, nil
}

// ByPriceRef resolves a plan from the provider's price identifier. Used by
// the reconciler when adopting subscriptions from webhook payloads.
func (c *Catalog) ByPriceRef(ref string) (Plan, bool) {
	p, ok := c.byPrice[ref]
	return p, ok
}

// Plans returns catalog entries in their declaration order.
func (c *Catalog) Plans() []Plan {
	out := make([]Plan, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.plans[id])
	}
	return out
}

// PriceResolver verifies that a provider price reference exists. Satisfied
// by the Gateway.
type PriceResolver interface {
	ResolvePrice(ctx context.Context, priceRef string) error
}

// Validate eagerly resolves every provider price ref through the gateway.
// Called at startup; a failure is fatal to the process.
func (c *Catalog) Validate(ctx context.Context, resolver PriceResolver) error {
	for _, id := range slices.Sorted(maps.Keys(c.plans)) {
		p := c.plans[id]
		if err := resolver.ResolvePrice(ctx, p.ProviderPriceRef); err != nil {
			return errors.Join(ErrInvalidCatalog, fmt.Errorf("plan %s: unresolvable price ref: %w", p.ID, err))
		}
	}
	return nil
}

// CatalogConfig carries the provider price references for the fixed plan
// set sold by the application.
type CatalogConfig struct {
	Price1Month  string `env:"PROVIDER_PRICE_1_MONTH,required"`
	Price3Month  string `env:"PROVIDER_PRICE_3_MONTH,required"`
	Price6Month  string `env:"PROVIDER_PRICE_6_MONTH,required"`
	Price12Month string `env:"PROVIDER_PRICE_12_MONTH,required"`
}

// CatalogFromEnv builds the standard four-plan coaching catalog with price
// refs taken from the environment.
func CatalogFromEnv(cfg CatalogConfig) (*Catalog, error) {
	return NewCatalog(
		Plan{ID: "1-month", Name: "Monthly", UnitPriceCents: 2999, Unit: IntervalMonth, IntervalCount: 1, ProviderPriceRef: cfg.Price1Month},
		Plan{ID: "3-month", Name: "Quarterly", UnitPriceCents: 7999, Unit: IntervalMonth, IntervalCount: 3, ProviderPriceRef: cfg.Price3Month},
		Plan{ID: "6-month", Name: "Half-yearly", UnitPriceCents: 14999, Unit: IntervalMonth, IntervalCount: 6, ProviderPriceRef: cfg.Price6Month},
		Plan{ID: "12-month", Name: "Yearly", UnitPriceCents: 24999, Unit: IntervalYear, IntervalCount: 1, ProviderPriceRef: cfg.Price12Month},
	)
}

// LoadCatalogFile reads a YAML plan list, for deployments that manage the
// catalog as configuration instead of environment variables.
func LoadCatalogFile(path string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Join(ErrInvalidCatalog, err)
	}
	var doc struct {
		Plans []Plan `yaml:"plans"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, errors.Join(ErrInvalidCatalog, err)
	}
	return NewCatalog(doc.Plans...)
}
