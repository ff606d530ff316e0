package store

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Sternrassler/estate-sync/pkg/model"
)

type memCase struct {
	addressID string
	c         model.ListingCase
	lastSeen  time.Time
}

type memRegistration struct {
	addressID string
	r         model.Registration
}

// Memory is an in-process Store. Transactions are serialized and rolled
// back through an undo log.
type Memory struct {
	mu sync.Mutex

	properties    map[string]model.Property
	buildings     map[string][]model.Building
	registrations map[string]memRegistration
	cases         map[string]memCase
	priceChanges  map[string][]model.PriceChange
	images        map[string][]model.CaseImage
	runs          map[string]model.Run
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		properties:    make(map[string]model.Property),
		buildings:     make(map[string][]model.Building),
		registrations: make(map[string]memRegistration),
		cases:         make(map[string]memCase),
		priceChanges:  make(map[string][]model.PriceChange),
		images:        make(map[string][]model.CaseImage),
		runs:          make(map[string]model.Run),
	}
}

// Close is a no-op.
func (m *Memory) Close() {}

// WithTx runs fn holding the store lock and undoes its writes on error.
func (m *Memory) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memTx{m: m}
	committed := false
	defer func() {
		if !committed {
			tx.rollback()
		}
	}()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	committed = true
	return nil
}

type memTx struct {
	m    *Memory
	undo []func()
}

func (t *memTx) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

// remember records the current state of m[k] so rollback can restore it.
func remember[K comparable, V any](t *memTx, m map[K]V, k K) {
	old, existed := m[k]
	t.undo = append(t.undo, func() {
		if existed {
			m[k] = old
		} else {
			delete(m, k)
		}
	})
}

func (t *memTx) LookupProperty(_ context.Context, addressID string) (PropertyRef, bool, error) {
	p, ok := t.m.properties[addressID]
	if !ok {
		return PropertyRef{}, false, nil
	}
	return PropertyRef{ContentHash: p.ContentHash, FirstSeenAt: p.FirstSeenAt}, true, nil
}

func (t *memTx) InsertProperty(_ context.Context, p *model.Property) error {
	if _, exists := t.m.properties[p.AddressID]; exists {
		return fmt.Errorf("%w: property %s already exists", ErrConflict, p.AddressID)
	}
	remember(t, t.m.properties, p.AddressID)
	t.m.properties[p.AddressID] = *p
	return nil
}

func (t *memTx) UpdateProperty(_ context.Context, p *model.Property) error {
	old, ok := t.m.properties[p.AddressID]
	if !ok {
		return fmt.Errorf("update property %s: %w", p.AddressID, ErrNotFound)
	}
	remember(t, t.m.properties, p.AddressID)
	updated := *p
	updated.FirstSeenAt = old.FirstSeenAt
	t.m.properties[p.AddressID] = updated
	return nil
}

func (t *memTx) TouchProperty(_ context.Context, addressID string, seenAt time.Time) error {
	p, ok := t.m.properties[addressID]
	if !ok {
		return fmt.Errorf("touch property %s: %w", addressID, ErrNotFound)
	}
	remember(t, t.m.properties, addressID)
	p.LastSeenAt = seenAt
	t.m.properties[addressID] = p

	for id, mc := range t.m.cases {
		if mc.addressID != addressID {
			continue
		}
		remember(t, t.m.cases, id)
		mc.lastSeen = seenAt
		t.m.cases[id] = mc
	}
	return nil
}

func (t *memTx) ReplaceBuildings(_ context.Context, addressID string, buildings []model.Building) error {
	remember(t, t.m.buildings, addressID)
	t.m.buildings[addressID] = slices.Clone(buildings)
	return nil
}

func (t *memTx) UpsertRegistrations(_ context.Context, addressID string, regs []model.Registration) error {
	for _, r := range regs {
		remember(t, t.m.registrations, r.RegistrationID)
		t.m.registrations[r.RegistrationID] = memRegistration{addressID: addressID, r: r}
	}
	return nil
}

func (t *memTx) UpsertCase(_ context.Context, addressID string, c *model.ListingCase, seenAt time.Time) error {
	stored := *c
	stored.PriceChanges = nil
	stored.Images = nil
	stored.ClosedAt = nil

	if prev, ok := t.m.cases[c.CaseID]; ok {
		stored.ClosedAt = prev.c.ClosedAt
	}
	if stored.ClosedAt == nil && !c.Status.IsOpen() {
		closed := seenAt
		stored.ClosedAt = &closed
	}

	remember(t, t.m.cases, c.CaseID)
	t.m.cases[c.CaseID] = memCase{addressID: addressID, c: stored, lastSeen: seenAt}
	return nil
}

func (t *memTx) AddPriceChanges(_ context.Context, caseID string, changes []model.PriceChange) (int, error) {
	if _, ok := t.m.cases[caseID]; !ok {
		return 0, fmt.Errorf("price changes for unknown case %s: %w", caseID, ErrNotFound)
	}
	existing := t.m.priceChanges[caseID]
	merged := slices.Clone(existing)
	added := 0
	for _, pc := range changes {
		dup := slices.ContainsFunc(merged, func(e model.PriceChange) bool {
			return e.ChangedAt.Equal(pc.ChangedAt) && e.NewPrice == pc.NewPrice
		})
		if dup {
			continue
		}
		merged = append(merged, pc)
		added++
	}
	if added > 0 {
		remember(t, t.m.priceChanges, caseID)
		t.m.priceChanges[caseID] = merged
	}
	return added, nil
}

func (t *memTx) ReplaceCaseImages(_ context.Context, caseID string, images []model.CaseImage) error {
	remember(t, t.m.images, caseID)
	t.m.images[caseID] = slices.Clone(images)
	return nil
}

// ExistingKeys reports which keys are stored.
func (m *Memory) ExistingKeys(_ context.Context, keys []string) (map[string]bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	found := make(map[string]bool, len(keys))
	for _, k := range keys {
		if _, ok := m.properties[k]; ok {
			found[k] = true
		}
	}
	return found, nil
}

// CountTargets counts matching properties per zip code.
func (m *Memory) CountTargets(_ context.Context, f TargetFilter) (map[int]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	counts := make(map[int]int)
	for _, id := range m.targetsLocked(f) {
		counts[m.properties[id].ZipCode]++
	}
	return counts, nil
}

// TargetKeys returns matching keys in ascending order.
func (m *Memory) TargetKeys(_ context.Context, f TargetFilter) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.targetsLocked(f), nil
}

func (m *Memory) targetsLocked(f TargetFilter) []string {
	withCase := make(map[string]bool)
	for _, mc := range m.cases {
		if f.OpenOnly && !mc.c.Status.IsOpen() {
			continue
		}
		withCase[mc.addressID] = true
	}

	keys := make([]string, 0, len(withCase))
	for id := range withCase {
		p, ok := m.properties[id]
		if !ok {
			continue
		}
		if len(f.ZipCodes) > 0 && !slices.Contains(f.ZipCodes, p.ZipCode) {
			continue
		}
		keys = append(keys, id)
	}
	sort.Strings(keys)
	return keys
}

// LoadGraph assembles a stored property graph.
func (m *Memory) LoadGraph(_ context.Context, addressID string) (*model.Graph, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.properties[addressID]
	if !ok {
		return nil, fmt.Errorf("property %s: %w", addressID, ErrNotFound)
	}
	g := &model.Graph{
		Property:  p,
		Buildings: slices.Clone(m.buildings[addressID]),
	}
	for _, mr := range m.registrations {
		if mr.addressID == addressID {
			g.Registrations = append(g.Registrations, mr.r)
		}
	}
	sort.Slice(g.Registrations, func(i, j int) bool {
		return g.Registrations[i].RegistrationID < g.Registrations[j].RegistrationID
	})

	for _, mc := range m.cases {
		if mc.addressID != addressID {
			continue
		}
		c := mc.c
		c.PriceChanges = slices.Clone(m.priceChanges[c.CaseID])
		sort.Slice(c.PriceChanges, func(i, j int) bool {
			return c.PriceChanges[i].ChangedAt.Before(c.PriceChanges[j].ChangedAt)
		})
		c.Images = slices.Clone(m.images[c.CaseID])
		g.Cases = append(g.Cases, c)
	}
	slices.SortFunc(g.Cases, func(a, b model.ListingCase) int { return strings.Compare(a.CaseID, b.CaseID) })
	return g, nil
}

// Keys returns every stored natural key in ascending order.
func (m *Memory) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := make([]string, 0, len(m.properties))
	for k := range m.properties {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// SaveRun stores a run summary.
func (m *Memory) SaveRun(_ context.Context, run model.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run.FailedScopes = slices.Clone(run.FailedScopes)
	m.runs[run.ID] = run
	return nil
}

// GetRun reads one run.
func (m *Memory) GetRun(_ context.Context, id string) (model.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return model.Run{}, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return run, nil
}

// LatestRuns returns the newest run per policy.
func (m *Memory) LatestRuns(_ context.Context) (map[string]model.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]model.Run)
	for _, r := range m.runs {
		if cur, ok := out[r.Policy]; !ok || r.StartedAt.After(cur.StartedAt) {
			out[r.Policy] = r
		}
	}
	return out, nil
}

// ListRuns returns up to limit runs, newest first.
func (m *Memory) ListRuns(_ context.Context, limit int) ([]model.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 20
	}
	runs := make([]model.Run, 0, len(m.runs))
	for _, r := range m.runs {
		runs = append(runs, r)
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].StartedAt.After(runs[j].StartedAt) })
	if len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

// PruneRuns deletes finished runs started before the cutoff.
func (m *Memory) PruneRuns(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, r := range m.runs {
		if r.FinishedAt != nil && r.StartedAt.Before(before) {
			delete(m.runs, id)
			n++
		}
	}
	return n, nil
}

// CountStaleOpenCases counts open cases not seen since the cutoff.
func (m *Memory) CountStaleOpenCases(_ context.Context, notSeenSince time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, mc := range m.cases {
		if mc.c.Status.IsOpen() && mc.lastSeen.Before(notSeenSince) {
			n++
		}
	}
	return n, nil
}

// Stats counts stored rows.
func (m *Memory) Stats(_ context.Context) (model.TableStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := model.TableStats{
		Properties:    int64(len(m.properties)),
		Registrations: int64(len(m.registrations)),
		Cases:         int64(len(m.cases)),
		Runs:          int64(len(m.runs)),
	}
	for _, bs := range m.buildings {
		s.Buildings += int64(len(bs))
	}
	for _, mc := range m.cases {
		if mc.c.Status.IsOpen() {
			s.OpenCases++
		}
	}
	for _, pcs := range m.priceChanges {
		s.PriceChanges += int64(len(pcs))
	}
	for _, imgs := range m.images {
		s.CaseImages += int64(len(imgs))
	}
	return s, nil
}

var (
	_ Store = (*Memory)(nil)
	_ Store = (*Postgres)(nil)
)
