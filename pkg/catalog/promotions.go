package catalog

import "time"

// PromotionLocation is the wall clock promotion windows are evaluated in.
var PromotionLocation = time.FixedZone("TRT", 3*60*60)

// Promotion is a time-boxed window during which paid packages cost nothing.
// A promotion either recurs every year for a calendar month, or covers the
// absolute window [Start, End).
type Promotion struct {
	Name    string
	Month   time.Month
	Start   time.Time
	End     time.Time
	Message string
}

// ActiveAt reports whether the promotion covers at.
func (p Promotion) ActiveAt(at time.Time, loc *time.Location) bool {
	if loc == nil {
		loc = PromotionLocation
	}
	if p.Month != 0 {
		return at.In(loc).Month() == p.Month
	}
	if p.Start.IsZero() || p.End.IsZero() {
		return false
	}
	return !at.Before(p.Start) && at.Before(p.End)
}

// DefaultPromotions returns the recurring September campaign.
func DefaultPromotions() []Promotion {
	return []Promotion{
		{
			Name:    "september",
			Month:   time.September,
			Message: "September campaign: all packages are free this month!",
		},
	}
}
