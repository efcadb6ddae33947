package discovery

import (
	"fmt"
	"strings"

	"github.com/mat-shur/picpool/internal/domain"
)

// Filter selects listings for a listing view.
type Filter string

const (
	FilterAll    Filter = "all"
	FilterNew    Filter = "new"    // nothing minted yet
	FilterAlmost Filter = "almost" // 90% <= progress < 100%
	FilterSold   Filter = "sold"   // fully sold
)

// AlmostSoldPct is the progress at which a listing counts as almost sold.
const AlmostSoldPct = 90.0

// ParseFilter parses a filter name. Empty means all.
func ParseFilter(s string) (Filter, error) {
	switch f := Filter(strings.ToLower(strings.TrimSpace(s))); f {
	case "":
		return FilterAll, nil
	case FilterAll, FilterNew, FilterAlmost, FilterSold:
		return f, nil
	default:
		return "", fmt.Errorf("unknown filter %q", s)
	}
}

// Match reports whether l passes the filter.
func (f Filter) Match(l *domain.ListingSummary) bool {
	switch f {
	case FilterNew:
		return l.IsNew()
	case FilterAlmost:
		p := l.ProgressPct()
		return p >= AlmostSoldPct && p < 100
	case FilterSold:
		return l.MaxSupply > 0 && l.ProgressPct() >= 100
	default:
		return true
	}
}
