// Package testutil provides a mock listing API for tests.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"
)

// CaseFixture is one listing case of a fixture property.
type CaseFixture struct {
	CaseID        string
	Status        string
	Price         float64
	OriginalPrice float64
	Created       time.Time
	Sold          *time.Time
	DaysOnMarket  int
	PriceChanges  []PriceChangeFixture
}

// PriceChangeFixture is one price change of a case.
type PriceChangeFixture struct {
	At       time.Time
	OldPrice float64
	NewPrice float64
}

// PropertyFixture is one property served by the mock.
type PropertyFixture struct {
	AddressID        string
	Municipality     string
	MunicipalityCode int
	ZipCode          int
	RoadName         string
	HouseNumber      string
	City             string
	LivingArea       float64
	YearBuilt        int
	OnMarket         bool
	Cases            []CaseFixture
}

// Document renders the fixture the way the search and detail endpoints do.
func (p PropertyFixture) Document() map[string]any {
	cases := make([]map[string]any, 0, len(p.Cases))
	for _, c := range p.Cases {
		changes := make([]map[string]any, 0, len(c.PriceChanges))
		for _, pc := range c.PriceChanges {
			changes = append(changes, map[string]any{
				"created":     pc.At.Format(time.RFC3339),
				"oldPrice":    pc.OldPrice,
				"newPrice":    pc.NewPrice,
				"priceChange": pc.NewPrice - pc.OldPrice,
			})
		}
		doc := map[string]any{
			"caseID":        c.CaseID,
			"status":        c.Status,
			"priceCash":     c.Price,
			"originalPrice": c.OriginalPrice,
			"created":       c.Created.Format(time.RFC3339),
			"timeOnMarket": map[string]any{
				"current": map[string]any{"days": c.DaysOnMarket},
				"total":   map[string]any{"days": c.DaysOnMarket},
			},
			"priceChanges": changes,
			"caseUrl":      "https://example.test/cases/" + c.CaseID,
			"images": []map[string]any{{
				"imageSources": []map[string]any{
					{"url": "https://img.test/" + c.CaseID + "/600.jpg", "size": map[string]any{"width": 600, "height": 400}},
					{"url": "https://img.test/" + c.CaseID + "/1440.jpg", "size": map[string]any{"width": 1440, "height": 960}},
				},
			}},
		}
		if c.Sold != nil {
			doc["sold"] = c.Sold.Format(time.RFC3339)
		}
		cases = append(cases, doc)
	}

	return map[string]any{
		"addressID":   p.AddressID,
		"addressType": "villa",
		"roadName":    p.RoadName,
		"houseNumber": p.HouseNumber,
		"cityName":    p.City,
		"zipCode":     p.ZipCode,
		"coordinates": map[string]any{"lat": 55.7, "lon": 12.5, "type": "EPSG4326"},
		"livingArea":  p.LivingArea,
		"isOnMarket":  p.OnMarket,
		"energyLabel": "c",
		"municipality": map[string]any{
			"municipalityCode": p.MunicipalityCode,
			"name":             p.Municipality,
		},
		"buildings": []map[string]any{
			{"buildingName": "Fritliggende enfamiliehus", "buildingNumber": "1", "yearBuilt": p.YearBuilt, "housingArea": p.LivingArea},
			{"buildingName": "Garage", "buildingNumber": "2", "totalArea": 18},
		},
		"cases": cases,
	}
}

// MockAPI is a configurable listing API server.
type MockAPI struct {
	server *httptest.Server

	mu         sync.RWMutex
	properties map[string]PropertyFixture
	handlers   map[string]http.HandlerFunc
	failures   map[string][]int
	totals     map[string]int
	ceiling    int

	requestCount int
	queries      []string
}

// NewMockAPI starts a mock server holding the given properties.
func NewMockAPI(props ...PropertyFixture) *MockAPI {
	m := &MockAPI{
		properties: make(map[string]PropertyFixture),
		handlers:   make(map[string]http.HandlerFunc),
		failures:   make(map[string][]int),
		totals:     make(map[string]int),
		ceiling:    10000,
	}
	for _, p := range props {
		m.properties[p.AddressID] = p
	}

	m.server = httptest.NewServer(http.HandlerFunc(m.serve))
	return m
}

// URL returns the mock server URL.
func (m *MockAPI) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockAPI) Close() {
	m.server.Close()
}

// SetCeiling changes the maximum number of rows served per query.
func (m *MockAPI) SetCeiling(rows int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ceiling = rows
}

// SetHandler replaces the handler for an exact path.
func (m *MockAPI) SetHandler(path string, h http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = h
}

// FailNext makes the next len(statuses) requests to path answer with the
// given status codes, in order.
func (m *MockAPI) FailNext(path string, statuses ...int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[path] = append(m.failures[path], statuses...)
}

// SetTotal makes searches matching the raw query string report total
// hits instead of the real count.
func (m *MockAPI) SetTotal(rawFilter string, total int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totals[rawFilter] = total
}

// Put adds or replaces a property.
func (m *MockAPI) Put(p PropertyFixture) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.properties[p.AddressID] = p
}

// Update mutates a stored property in place.
func (m *MockAPI) Update(id string, fn func(*PropertyFixture)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.properties[id]
	if !ok {
		return
	}
	fn(&p)
	m.properties[id] = p
}

// RequestCount returns the number of requests served.
func (m *MockAPI) RequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.requestCount
}

// SearchQueries returns the filter part of every search request, in order.
func (m *MockAPI) SearchQueries() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.queries)
}

func (m *MockAPI) serve(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	m.requestCount++
	var injected int
	if q := m.failures[r.URL.Path]; len(q) > 0 {
		injected = q[0]
		m.failures[r.URL.Path] = q[1:]
	}
	handler, custom := m.handlers[r.URL.Path]
	m.mu.Unlock()

	if injected != 0 {
		w.Header().Set("Content-Type", "application/json")
		if injected == http.StatusTooManyRequests {
			w.Header().Set("Retry-After", "0")
		}
		w.WriteHeader(injected)
		fmt.Fprintf(w, `{"error":%q}`, http.StatusText(injected))
		return
	}

	if custom {
		handler(w, r)
		return
	}

	switch {
	case r.URL.Path == "/search/addresses":
		m.search(w, r)
	case strings.HasPrefix(r.URL.Path, "/addresses/"):
		m.detail(w, strings.TrimPrefix(r.URL.Path, "/addresses/"))
	default:
		http.NotFound(w, r)
	}
}

func (m *MockAPI) search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	perPage, _ := strconv.Atoi(q.Get("per_page"))
	page, _ := strconv.Atoi(q.Get("page"))
	if perPage <= 0 {
		perPage = 50
	}
	if page <= 0 {
		page = 1
	}

	filter := filterKey(q)

	m.mu.Lock()
	m.queries = append(m.queries, filter)
	ceiling := m.ceiling
	override, hasOverride := m.totals[filter]
	matched := m.matchLocked(q)
	m.mu.Unlock()

	if (page-1)*perPage >= ceiling {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":"page out of range"}`)
		return
	}

	total := len(matched)
	if hasOverride {
		total = override
	}

	start := (page - 1) * perPage
	end := start + perPage
	if start > len(matched) {
		start = len(matched)
	}
	if end > len(matched) {
		end = len(matched)
	}

	docs := make([]map[string]any, 0, end-start)
	for _, p := range matched[start:end] {
		docs = append(docs, p.Document())
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-RateLimit-Remaining", "500")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"totalHits": total,
		"addresses": docs,
	})
}

func (m *MockAPI) detail(w http.ResponseWriter, id string) {
	m.mu.RLock()
	p, ok := m.properties[id]
	m.mu.RUnlock()
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	doc := p.Document()
	doc["weightedArea"] = p.LivingArea + 10
	doc["latestValuation"] = 4_500_000
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(doc)
}

func (m *MockAPI) matchLocked(q map[string][]string) []PropertyFixture {
	get := func(k string) string {
		if v := q[k]; len(v) > 0 {
			return v[0]
		}
		return ""
	}

	var munis []string
	if v := get("municipalities"); v != "" {
		munis = strings.Split(v, ",")
	}
	zip, _ := strconv.Atoi(get("zipCodes"))
	onMarket := get("isOnMarket") == "true"
	hasCases := get("hasCases") == "true"

	out := make([]PropertyFixture, 0)
	for _, p := range m.properties {
		if len(munis) > 0 && !slices.Contains(munis, p.Municipality) {
			continue
		}
		if zip > 0 && p.ZipCode != zip {
			continue
		}
		if onMarket && !p.OnMarket {
			continue
		}
		if hasCases && len(p.Cases) == 0 {
			continue
		}
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b PropertyFixture) int {
		return strings.Compare(a.AddressID, b.AddressID)
	})
	return out
}

// filterKey is the query string without paging and sorting parameters.
func filterKey(q map[string][]string) string {
	keys := make([]string, 0, len(q))
	for k := range q {
		switch k {
		case "per_page", "page", "sortBy", "sortAscending":
			continue
		}
		keys = append(keys, k)
	}
	slices.Sort(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+strings.Join(q[k], ","))
	}
	return strings.Join(parts, "&")
}

// GenerateProperties creates n properties in one municipality and zip code.
// Every third property is on the market with an open case.
func GenerateProperties(municipality string, code, zip, n int) []PropertyFixture {
	out := make([]PropertyFixture, 0, n)
	created := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		p := PropertyFixture{
			AddressID:        fmt.Sprintf("%d-%04d", zip, i),
			Municipality:     municipality,
			MunicipalityCode: code,
			ZipCode:          zip,
			RoadName:         "Testvej",
			HouseNumber:      strconv.Itoa(i + 1),
			City:             municipality,
			LivingArea:       float64(100 + i%80),
			YearBuilt:        1920 + i%100,
		}
		if i%3 == 0 {
			p.OnMarket = true
			p.Cases = []CaseFixture{{
				CaseID:        fmt.Sprintf("case-%d-%04d", zip, i),
				Status:        "open",
				Price:         float64(3_000_000 + i*1000),
				OriginalPrice: float64(3_100_000 + i*1000),
				Created:       created,
				DaysOnMarket:  10 + i%50,
			}}
		}
		out = append(out, p)
	}
	return out
}
