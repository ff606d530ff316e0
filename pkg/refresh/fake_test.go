package refresh

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/estate-sync/internal/testutil"
	"github.com/Sternrassler/estate-sync/pkg/boundary"
	"github.com/Sternrassler/estate-sync/pkg/checkpoint"
	"github.com/Sternrassler/estate-sync/pkg/client"
	"github.com/Sternrassler/estate-sync/pkg/store"
	"github.com/Sternrassler/estate-sync/pkg/workitem"
)

const fakePerPage = 10

// fakeFetcher serves fixtures with the same filters as the listing API.
type fakeFetcher struct {
	mu      sync.Mutex
	props   map[string]testutil.PropertyFixture
	counts  map[string]int
	failZip map[int]error
	fetched []string
	details int
	counted int
	onFetch func(q workitem.Query)
	// richDetails adds a detail-only field to FetchAddress documents.
	richDetails bool
}

func newFakeFetcher(props ...testutil.PropertyFixture) *fakeFetcher {
	f := &fakeFetcher{
		props:   make(map[string]testutil.PropertyFixture),
		counts:  make(map[string]int),
		failZip: make(map[int]error),
	}
	for _, p := range props {
		f.props[p.AddressID] = p
	}
	return f
}

func (f *fakeFetcher) update(id string, fn func(*testutil.PropertyFixture)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := f.props[id]
	fn(&p)
	f.props[id] = p
}

func (f *fakeFetcher) remove(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.props, id)
}

func (f *fakeFetcher) matchLocked(q workitem.Query) []testutil.PropertyFixture {
	var out []testutil.PropertyFixture
	for _, p := range f.props {
		if len(q.Municipalities) > 0 && !slices.Contains(q.Municipalities, p.Municipality) {
			continue
		}
		if q.ZipCode > 0 && p.ZipCode != q.ZipCode {
			continue
		}
		if q.Status == workitem.StatusOnMarket && !p.OnMarket {
			continue
		}
		if q.Status == workitem.StatusListed && len(p.Cases) == 0 {
			continue
		}
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b testutil.PropertyFixture) int {
		if a.AddressID < b.AddressID {
			return -1
		}
		if a.AddressID > b.AddressID {
			return 1
		}
		return 0
	})
	return out
}

func (f *fakeFetcher) Count(_ context.Context, q workitem.Query) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counted++
	if n, ok := f.counts[q.Canonical()]; ok {
		return n, nil
	}
	return len(f.matchLocked(q)), nil
}

func (f *fakeFetcher) Fetch(ctx context.Context, q workitem.Query, token string) (client.Page, error) {
	f.mu.Lock()
	hook := f.onFetch
	failure := f.failZip[q.ZipCode]
	if token == "" {
		f.fetched = append(f.fetched, q.Canonical())
	}
	matched := f.matchLocked(q)
	f.mu.Unlock()

	if hook != nil && token == "" {
		hook(q)
	}
	if failure != nil {
		return client.Page{}, failure
	}
	if err := ctx.Err(); err != nil {
		return client.Page{}, err
	}

	page := 0
	if token != "" {
		page, _ = strconv.Atoi(token)
	}
	start := min(page*fakePerPage, len(matched))
	end := min(start+fakePerPage, len(matched))

	out := client.Page{TotalHits: len(matched)}
	for _, p := range matched[start:end] {
		raw, err := json.Marshal(p.Document())
		if err != nil {
			return client.Page{}, err
		}
		out.Records = append(out.Records, raw)
	}
	if end < len(matched) {
		out.NextToken = strconv.Itoa(page + 1)
	}
	return out, nil
}

func (f *fakeFetcher) FetchAddress(_ context.Context, id string) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.details++
	p, ok := f.props[id]
	if !ok {
		return nil, fmt.Errorf("address %s: %w", id, client.ErrNotFound)
	}
	doc := p.Document()
	if f.richDetails {
		doc["weightedArea"] = p.LivingArea + 10
	}
	return json.Marshal(doc)
}

func (f *fakeFetcher) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetched = nil
	f.details = 0
	f.counted = 0
	f.onFetch = nil
}

func (f *fakeFetcher) fetchedQueries() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.fetched)
}

// testBoundaries: Gentofte (2820, 2900, 2920) and Herlev (2730).
func testBoundaries(t *testing.T) *boundary.Set {
	t.Helper()
	set, err := boundary.New([]boundary.Municipality{
		{Code: 157, Name: "Gentofte", Lat: 55.75, Lon: 12.55, ZipCodes: []int{2820, 2900, 2920}},
		{Code: 163, Name: "Herlev", Lat: 55.73, Lon: 12.44, ZipCodes: []int{2730}},
	})
	if err != nil {
		t.Fatalf("boundary.New() error = %v", err)
	}
	return set
}

// testProperties: 10 in 2820, 30 in 2900, 5 in Herlev 2730.
func testProperties() []testutil.PropertyFixture {
	var props []testutil.PropertyFixture
	props = append(props, testutil.GenerateProperties("Gentofte", 157, 2820, 10)...)
	props = append(props, testutil.GenerateProperties("Gentofte", 157, 2900, 30)...)
	props = append(props, testutil.GenerateProperties("Herlev", 163, 2730, 5)...)
	return props
}

type harness struct {
	orch    *Orchestrator
	store   *store.Memory
	fetcher *fakeFetcher
	tracker *checkpoint.Tracker
	now     time.Time
}

func newHarness(t *testing.T, fetcher *fakeFetcher, mutate ...func(*Config)) *harness {
	t.Helper()
	fp, err := checkpoint.NewFilePersister(t.TempDir())
	if err != nil {
		t.Fatalf("NewFilePersister() error = %v", err)
	}
	tracker, err := checkpoint.NewTracker(fp, "file", zerolog.Nop())
	if err != nil {
		t.Fatalf("NewTracker() error = %v", err)
	}

	h := &harness{
		store:   store.NewMemory(),
		fetcher: fetcher,
		tracker: tracker,
		now:     time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC),
	}
	cfg := Config{
		Store:        h.store,
		Fetcher:      fetcher,
		Boundaries:   testBoundaries(t),
		Checkpoints:  tracker,
		Ceiling:      35,
		AddressTypes: []string{"villa"},
		Workers:      4,
		Logger:       zerolog.Nop(),
		Clock:        func() time.Time { return h.now },
	}
	for _, fn := range mutate {
		fn(&cfg)
	}
	orch, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	h.orch = orch
	return h
}
