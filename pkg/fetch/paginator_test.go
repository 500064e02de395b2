package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"testing"

	"github.com/erdnusse/Anime-project/internal/testutil"
	"github.com/erdnusse/Anime-project/pkg/api"
	"github.com/erdnusse/Anime-project/pkg/connlimit"
	"github.com/rs/zerolog"
)

type listItem struct {
	ID    string `json:"id"`
	Order int    `json:"order"`
}

func itemKey(raw json.RawMessage) string {
	var it listItem
	_ = json.Unmarshal(raw, &it)
	return it.ID
}

func itemLess(a, b json.RawMessage) bool {
	var ia, ib listItem
	_ = json.Unmarshal(a, &ia)
	_ = json.Unmarshal(b, &ib)
	return ia.Order < ib.Order
}

// upstreamPageFunc wires a Paginator to the real orchestrator against a
// mock upstream listing.
func upstreamPageFunc(t *testing.T, client *api.Client, path string) PageFunc {
	t.Helper()
	return func(ctx context.Context, limit, offset int) (Page, error) {
		params := url.Values{}
		params.Set("limit", strconv.Itoa(limit))
		params.Set("offset", strconv.Itoa(offset))

		raw, err := client.Fetch(ctx, path, params, "", false)
		if err != nil {
			return Page{}, err
		}
		env, err := ParseEnvelope(raw)
		if err != nil {
			return Page{}, err
		}
		return Page{Items: env.Data, Total: env.Total}, nil
	}
}

func newPaginationClient(t *testing.T, upstream *testutil.MockUpstream) *api.Client {
	t.Helper()
	cfg := api.DefaultConfig(upstream.URL())
	cfg.Limiter = connlimit.New(connlimit.DefaultMaxPerHost, zerolog.Nop())
	client, err := api.New(cfg)
	if err != nil {
		t.Fatalf("api.New failed: %v", err)
	}
	return client
}

func TestFetchAll_AccumulatesAllPages(t *testing.T) {
	upstream := testutil.NewMockUpstream()
	defer upstream.Close()
	upstream.Handle("/manga/1/feed", testutil.PaginatedHandler(250, 0))

	client := newPaginationClient(t, upstream)

	var progress []float64
	p := &Paginator{
		PageSize: 100,
		Fetch:    upstreamPageFunc(t, client, "/manga/1/feed"),
		Key:      itemKey,
		Less:     itemLess,
		OnProgress: func(pct float64) {
			progress = append(progress, pct)
		},
	}

	items, err := p.FetchAll(context.Background())
	if err != nil {
		t.Fatalf("FetchAll failed: %v", err)
	}

	if len(items) != 250 {
		t.Errorf("items = %d, want 250", len(items))
	}
	if got := upstream.Requests("/manga/1/feed"); got != 3 {
		t.Errorf("page requests = %d, want 3", got)
	}

	// Progress is monotone and terminates at 100.
	if len(progress) == 0 {
		t.Fatal("no progress reported")
	}
	for i := 1; i < len(progress); i++ {
		if progress[i] < progress[i-1] {
			t.Errorf("progress decreased: %v", progress)
		}
	}
	if progress[len(progress)-1] != 100 {
		t.Errorf("terminal progress = %v, want 100", progress[len(progress)-1])
	}

	// Sorted by the domain ordering key.
	for i := 1; i < len(items); i++ {
		if itemLess(items[i], items[i-1]) {
			t.Fatalf("items not sorted at index %d", i)
		}
	}
}

func TestFetchAll_DeduplicatesOverlappingPages(t *testing.T) {
	upstream := testutil.NewMockUpstream()
	defer upstream.Close()
	upstream.Handle("/manga/2/feed", testutil.PaginatedHandler(250, 10))

	client := newPaginationClient(t, upstream)
	p := &Paginator{
		PageSize: 100,
		Fetch:    upstreamPageFunc(t, client, "/manga/2/feed"),
		Key:      itemKey,
		Less:     itemLess,
	}

	items, err := p.FetchAll(context.Background())
	if err != nil {
		t.Fatalf("FetchAll failed: %v", err)
	}

	if len(items) != 250 {
		t.Errorf("items = %d, want 250 after de-duplication", len(items))
	}
	seen := make(map[string]bool)
	for _, item := range items {
		id := itemKey(item)
		if seen[id] {
			t.Fatalf("duplicate item %s survived de-duplication", id)
		}
		seen[id] = true
	}
}

func TestFetchAll_SinglePage(t *testing.T) {
	upstream := testutil.NewMockUpstream()
	defer upstream.Close()
	upstream.Handle("/manga/3/feed", testutil.PaginatedHandler(7, 0))

	client := newPaginationClient(t, upstream)
	p := &Paginator{
		PageSize: 100,
		Fetch:    upstreamPageFunc(t, client, "/manga/3/feed"),
		Key:      itemKey,
	}

	items, err := p.FetchAll(context.Background())
	if err != nil {
		t.Fatalf("FetchAll failed: %v", err)
	}
	if len(items) != 7 {
		t.Errorf("items = %d, want 7", len(items))
	}
	if got := upstream.Requests("/manga/3/feed"); got != 1 {
		t.Errorf("page requests = %d, want 1", got)
	}
}

func TestFetchAll_ExactMultipleStopsAtTotal(t *testing.T) {
	upstream := testutil.NewMockUpstream()
	defer upstream.Close()
	upstream.Handle("/manga/4/feed", testutil.PaginatedHandler(200, 0))

	client := newPaginationClient(t, upstream)
	p := &Paginator{
		PageSize: 100,
		Fetch:    upstreamPageFunc(t, client, "/manga/4/feed"),
		Key:      itemKey,
	}

	items, err := p.FetchAll(context.Background())
	if err != nil {
		t.Fatalf("FetchAll failed: %v", err)
	}
	if len(items) != 200 {
		t.Errorf("items = %d, want 200", len(items))
	}
	if got := upstream.Requests("/manga/4/feed"); got != 2 {
		t.Errorf("page requests = %d, want 2 (total reached)", got)
	}
}

func TestFetchAll_PropagatesPageError(t *testing.T) {
	pageErr := errors.New("page 2 unavailable")
	calls := 0
	p := &Paginator{
		PageSize: 2,
		Fetch: func(ctx context.Context, limit, offset int) (Page, error) {
			calls++
			if offset >= 2 {
				return Page{}, pageErr
			}
			items := []json.RawMessage{
				json.RawMessage(fmt.Sprintf(`{"id":"a%d"}`, offset)),
				json.RawMessage(fmt.Sprintf(`{"id":"b%d"}`, offset)),
			}
			return Page{Items: items, Total: 10}, nil
		},
	}

	items, err := p.FetchAll(context.Background())
	if !errors.Is(err, pageErr) {
		t.Errorf("err = %v, want the page error", err)
	}
	if len(items) != 2 {
		t.Errorf("partial items = %d, want 2", len(items))
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestParseEnvelope(t *testing.T) {
	env, err := ParseEnvelope(json.RawMessage(`{"data":[{"id":"1"},{"id":"2"}],"total":42}`))
	if err != nil {
		t.Fatalf("ParseEnvelope failed: %v", err)
	}
	if len(env.Data) != 2 {
		t.Errorf("Data = %d items, want 2", len(env.Data))
	}
	if env.Total != 42 {
		t.Errorf("Total = %d, want 42", env.Total)
	}

	if _, err := ParseEnvelope(json.RawMessage(`not json`)); err == nil {
		t.Error("ParseEnvelope should fail on garbage")
	}
}
