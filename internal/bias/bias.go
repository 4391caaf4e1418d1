// Package bias defines the pluggable bias-detection contract invoked
// after calibration adjustments. The engine ships no statistical model;
// deployments plug their own detector in.
package bias

import (
	"context"

	"perfline/internal/domain"
)

// Severities a report may carry, in ascending order.
const (
	SeverityLow    = "low"
	SeverityMedium = "medium"
	SeverityHigh   = "high"
)

// Report is one finding about a calibration session.
type Report struct {
	Severity        string
	Description     string
	AffectedReviews []string
}

// Detector inspects the state of a calibration session after a rating
// adjustment. Returned reports are emitted as alert events; an error
// aborts nothing and is only logged.
type Detector interface {
	Inspect(ctx context.Context, session domain.CalibrationSession, resolutions []domain.CalibrationResolution) ([]Report, error)
}

// Nop is the default detector and finds nothing.
type Nop struct{}

func (Nop) Inspect(context.Context, domain.CalibrationSession, []domain.CalibrationResolution) ([]Report, error) {
	return nil, nil
}

// SeverityAtLeast reports whether severity s meets the min threshold.
// Unknown severities never pass.
func SeverityAtLeast(s, min string) bool {
	rank := map[string]int{SeverityLow: 1, SeverityMedium: 2, SeverityHigh: 3}
	rs, ok := rank[s]
	if !ok {
		return false
	}
	rm, ok := rank[min]
	if !ok {
		rm = 1
	}
	return rs >= rm
}
