package billing

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/pulsefit/billing/pkg/period"
)

// Projection is the read-side summary the product surfaces to a user. It is
// derived, never stored.
type Projection struct {
	HasActiveSubscription bool       `json:"hasActiveSubscription"`
	Plan                  string     `json:"plan,omitempty"`
	PlanName              string     `json:"planName,omitempty"`
	Status                Status     `json:"status,omitempty"`
	DaysLeft              int        `json:"daysLeft"`
	CurrentPeriodStart    *time.Time `json:"currentPeriodStart,omitempty"`
	CurrentPeriodEnd      *time.Time `json:"currentPeriodEnd,omitempty"`
	CancelAtPeriodEnd     bool       `json:"cancelAtPeriodEnd"`
}

// Projector builds the user-facing subscription summary.
type Projector struct {
	store   Store
	catalog *Catalog
	now     func() time.Time
}

// ProjectorOption configures a Projector.
type ProjectorOption func(*Projector)

// WithProjectorClock overrides the time source, for tests.
func WithProjectorClock(now func() time.Time) ProjectorOption {
	return func(p *Projector) { p.now = now }
}

// NewProjector wires the read-side projector.
func NewProjector(store Store, catalog *Catalog, opts ...ProjectorOption) *Projector {
	p := &Projector{
		store:   store,
		catalog: catalog,
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Project summarizes the user's subscription state. A user with no
// occupying subscription gets the zero projection rather than an error.
func (p *Projector) Project(ctx context.Context, userID uuid.UUID) (*Projection, error) {
	sub, err := p.store.GetActiveForUser(ctx, userID)
	if errors.Is(err, ErrSubscriptionNotFound) {
		return &Projection{}, nil
	}
	if err != nil {
		return nil, err
	}

	out := &Projection{
		HasActiveSubscription: sub.Status.GrantsAccess(),
		Plan:                  sub.PlanID,
		Status:                sub.Status,
		CancelAtPeriodEnd:     sub.CancelAtPeriodEnd,
	}
	if plan, err := p.catalog.Lookup(sub.PlanID); err == nil {
		out.PlanName = plan.Name
	}
	if !sub.CurrentPeriodStart.IsZero() {
		start := sub.CurrentPeriodStart
		out.CurrentPeriodStart = &start
	}
	if !sub.CurrentPeriodEnd.IsZero() {
		end := sub.CurrentPeriodEnd
		out.CurrentPeriodEnd = &end
		if now := p.now(); end.After(now) {
			out.DaysLeft = period.DaysBetween(now, end)
		}
	}
	return out, nil
}
