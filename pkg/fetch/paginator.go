// Package fetch provides the bulk fetch coordinators: paginated
// accumulation of offset-based listings and parallel fan-out enrichment of
// record batches. Both compose many orchestrator calls and tolerate partial
// failure instead of aborting the whole operation.
package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
)

// Envelope is the upstream JSON response shape for listings.
type Envelope struct {
	Data  []json.RawMessage `json:"data"`
	Total int               `json:"total"`
}

// ParseEnvelope decodes an upstream payload into its envelope.
func ParseEnvelope(raw json.RawMessage) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("parse response envelope: %w", err)
	}
	return env, nil
}

// Page is one page of an offset-based listing. Total is the server-reported
// total item count.
type Page struct {
	Items []json.RawMessage
	Total int
}

// PageFunc fetches one page at the given offset.
type PageFunc func(ctx context.Context, limit, offset int) (Page, error)

// ProgressFunc receives fractional progress in [0, 100] after each page,
// synchronously and in order, ending with a terminal 100.
type ProgressFunc func(pct float64)

// Paginator accumulates a complete listing page by page.
type Paginator struct {
	// PageSize is the per-request item limit. Defaults to 100.
	PageSize int

	// Fetch retrieves one page.
	Fetch PageFunc

	// Key extracts an item's identity for de-duplication; later pages may
	// overlap earlier ones when the listing shifts underneath. Nil uses
	// the raw item bytes.
	Key func(item json.RawMessage) string

	// Less orders the final result. Nil leaves accumulation order.
	Less func(a, b json.RawMessage) bool

	// OnProgress, when set, is called after every page.
	OnProgress ProgressFunc
}

// FetchAll fetches pages with increasing offsets until the server-reported
// total is reached or a short page is returned. Items are de-duplicated by
// identity and sorted by the domain ordering key. On error, the pages
// accumulated so far are returned alongside it.
func (p *Paginator) FetchAll(ctx context.Context) ([]json.RawMessage, error) {
	size := p.PageSize
	if size <= 0 {
		size = 100
	}

	start := time.Now()
	seen := make(map[string]struct{})
	var items []json.RawMessage
	offset := 0
	total := -1
	lastPct := 0.0

	for {
		page, err := p.Fetch(ctx, size, offset)
		if err != nil {
			return items, err
		}

		for _, item := range page.Items {
			key := string(item)
			if p.Key != nil {
				key = p.Key(item)
			}
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			items = append(items, item)
		}

		offset += size
		if page.Total > 0 {
			total = page.Total
		}

		if p.OnProgress != nil && total > 0 {
			pct := float64(len(items)) / float64(total) * 100
			if pct > 100 {
				pct = 100
			}
			// Progress must be monotone even when de-duplication shrinks
			// a page's contribution.
			if pct > lastPct {
				p.OnProgress(pct)
				lastPct = pct
			}
		}

		if len(page.Items) < size {
			break
		}
		if total >= 0 && offset >= total {
			break
		}
	}

	if p.OnProgress != nil && lastPct < 100 {
		p.OnProgress(100)
	}

	if p.Less != nil {
		sort.SliceStable(items, func(i, j int) bool {
			return p.Less(items[i], items[j])
		})
	}

	log.Debug().
		Int("items", len(items)).
		Int("reported_total", total).
		Dur("duration", time.Since(start)).
		Msg("Paginated fetch complete")

	return items, nil
}
