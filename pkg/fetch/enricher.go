package fetch

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rs/zerolog/log"
)

// EnrichFunc produces the enriched form of one base record, typically by a
// dependent orchestrator call (e.g. resolving a cover-art URL).
type EnrichFunc func(ctx context.Context, item json.RawMessage) (json.RawMessage, error)

// Enricher fans out dependent fetches over a batch of base records.
type Enricher struct {
	// MaxConcurrency bounds parallel enrichment calls. Defaults to 6.
	MaxConcurrency int
}

// EnrichAll runs fn over every item in parallel and waits for all branches
// to complete. A failing branch degrades that one record to its base form;
// it never fails the batch and never cancels siblings. The result preserves
// input order and length.
func (e *Enricher) EnrichAll(ctx context.Context, items []json.RawMessage, fn EnrichFunc) []json.RawMessage {
	concurrency := e.MaxConcurrency
	if concurrency <= 0 {
		concurrency = 6
	}

	results := make([]json.RawMessage, len(items))
	copy(results, items)

	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup

	for i, item := range items {
		wg.Add(1)
		go func(i int, item json.RawMessage) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			enriched, err := fn(ctx, item)
			if err != nil {
				log.Warn().
					Err(err).
					Int("record", i).
					Msg("Enrichment failed, keeping base record")
				return
			}
			results[i] = enriched
		}(i, item)
	}

	wg.Wait()
	return results
}
