package telegraph

import (
	"context"
	"fmt"
	"time"

	"github.com/zulandar/intakeyard/internal/store"
)

// Summarizer reports intake activity since a point in time.
type Summarizer interface {
	Summarize(ctx context.Context, since time.Time) (*store.Summary, error)
}

// BuildDigest summarizes the 24 hours before now. It returns nil when
// there was no activity.
func BuildDigest(ctx context.Context, src Summarizer, now time.Time) (*FormattedEvent, error) {
	sum, err := src.Summarize(ctx, now.Add(-24*time.Hour))
	if err != nil {
		return nil, fmt.Errorf("telegraph: digest: %w", err)
	}
	total := 0
	for _, c := range sum.Counts {
		total += c.Count
	}
	if total == 0 && sum.Anomalies == 0 {
		return nil, nil
	}
	evt := FormatDigest(sum, now)
	return &evt, nil
}
