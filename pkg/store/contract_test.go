package store

import (
	"context"
	"errors"
	"maps"
	"slices"
	"testing"
	"time"

	"github.com/Sternrassler/estate-sync/pkg/model"
)

var t0 = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func insertGraph(ctx context.Context, t *testing.T, s Store, g *model.Graph, seen time.Time) {
	t.Helper()
	err := s.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		p := g.Property
		p.ContentHash = g.ContentHash()
		p.FirstSeenAt, p.UpdatedAt, p.LastSeenAt = seen, seen, seen
		if err := tx.InsertProperty(ctx, &p); err != nil {
			return err
		}
		if err := tx.ReplaceBuildings(ctx, p.AddressID, g.Buildings); err != nil {
			return err
		}
		if err := tx.UpsertRegistrations(ctx, p.AddressID, g.Registrations); err != nil {
			return err
		}
		for i := range g.Cases {
			c := &g.Cases[i]
			if err := tx.UpsertCase(ctx, p.AddressID, c, seen); err != nil {
				return err
			}
			if _, err := tx.AddPriceChanges(ctx, c.CaseID, c.PriceChanges); err != nil {
				return err
			}
			if err := tx.ReplaceCaseImages(ctx, c.CaseID, c.Images); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("insert graph %s: %v", g.Key(), err)
	}
}

func contractGraph(id string) *model.Graph {
	return &model.Graph{
		Property: model.Property{AddressID: id, ZipCode: 2900, MunicipalityName: "Gentofte", RoadName: "Strandvejen"},
		Buildings: []model.Building{
			{Position: 0, Name: "Villa", YearBuilt: 1932},
			{Position: 1, Name: "Garage"},
		},
		Registrations: []model.Registration{{RegistrationID: "reg-" + id, Amount: 2_000_000}},
		Cases: []model.ListingCase{{
			CaseID: "case-" + id,
			Status: model.CaseOpen,
			Price:  5_000_000,
			PriceChanges: []model.PriceChange{
				{ChangedAt: t0, OldPrice: 5_200_000, NewPrice: 5_000_000},
			},
			Images: []model.CaseImage{{Position: 0, URL600: "a", URL1440: "b"}},
		}},
	}
}

// runStoreContract checks behaviour every Store must share.
func runStoreContract(t *testing.T, s Store) {
	ctx := context.Background()

	t.Run("insert and load", func(t *testing.T) {
		insertGraph(ctx, t, s, contractGraph("p-1"), t0)

		g, err := s.LoadGraph(ctx, "p-1")
		if err != nil {
			t.Fatalf("LoadGraph() error = %v", err)
		}
		if len(g.Buildings) != 2 || !g.Buildings[0].IsMain() {
			t.Errorf("Buildings = %+v", g.Buildings)
		}
		if len(g.Cases) != 1 || len(g.Cases[0].PriceChanges) != 1 || len(g.Cases[0].Images) != 1 {
			t.Errorf("Cases = %+v", g.Cases)
		}
		if g.Cases[0].ClosedAt != nil {
			t.Error("open case has closed_at")
		}
		if !g.Property.FirstSeenAt.Equal(t0) {
			t.Errorf("FirstSeenAt = %v, want %v", g.Property.FirstSeenAt, t0)
		}
	})

	t.Run("lookup and existing keys", func(t *testing.T) {
		err := s.WithTx(ctx, func(ctx context.Context, tx Tx) error {
			ref, ok, err := tx.LookupProperty(ctx, "p-1")
			if err != nil {
				return err
			}
			if !ok || ref.ContentHash == "" {
				t.Errorf("LookupProperty(p-1) = %+v, %v", ref, ok)
			}
			_, ok, err = tx.LookupProperty(ctx, "missing")
			if ok {
				t.Error("LookupProperty(missing) found a row")
			}
			return err
		})
		if err != nil {
			t.Fatalf("WithTx() error = %v", err)
		}

		keys, err := s.ExistingKeys(ctx, []string{"p-1", "missing"})
		if err != nil {
			t.Fatalf("ExistingKeys() error = %v", err)
		}
		if !keys["p-1"] || keys["missing"] {
			t.Errorf("ExistingKeys() = %v", keys)
		}
	})

	t.Run("rollback on error", func(t *testing.T) {
		boom := errors.New("boom")
		err := s.WithTx(ctx, func(ctx context.Context, tx Tx) error {
			p := model.Property{AddressID: "p-rollback", ContentHash: "x", FirstSeenAt: t0, UpdatedAt: t0, LastSeenAt: t0}
			if err := tx.InsertProperty(ctx, &p); err != nil {
				return err
			}
			return boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("WithTx() error = %v, want boom", err)
		}
		if _, err := s.LoadGraph(ctx, "p-rollback"); !errors.Is(err, ErrNotFound) {
			t.Errorf("LoadGraph after rollback error = %v, want ErrNotFound", err)
		}
	})

	t.Run("duplicate insert is a conflict", func(t *testing.T) {
		err := s.WithTx(ctx, func(ctx context.Context, tx Tx) error {
			p := model.Property{AddressID: "p-1", ContentHash: "x", FirstSeenAt: t0, UpdatedAt: t0, LastSeenAt: t0}
			return tx.InsertProperty(ctx, &p)
		})
		if !errors.Is(err, ErrConflict) {
			t.Errorf("duplicate insert error = %v, want ErrConflict", err)
		}
	})

	t.Run("case closes once and updates in place", func(t *testing.T) {
		t1 := t0.Add(24 * time.Hour)
		t2 := t1.Add(24 * time.Hour)

		for _, step := range []struct {
			status model.CaseStatus
			seen   time.Time
		}{{model.CaseSold, t1}, {model.CaseClosed, t2}} {
			err := s.WithTx(ctx, func(ctx context.Context, tx Tx) error {
				c := model.ListingCase{CaseID: "case-p-1", Status: step.status, Price: 4_800_000}
				return tx.UpsertCase(ctx, "p-1", &c, step.seen)
			})
			if err != nil {
				t.Fatalf("UpsertCase(%s) error = %v", step.status, err)
			}
		}

		g, err := s.LoadGraph(ctx, "p-1")
		if err != nil {
			t.Fatalf("LoadGraph() error = %v", err)
		}
		if len(g.Cases) != 1 {
			t.Fatalf("len(Cases) = %d, want 1", len(g.Cases))
		}
		c := g.Cases[0]
		if c.Status != model.CaseClosed || c.Price != 4_800_000 {
			t.Errorf("case = %+v, want closed at 4.8M", c)
		}
		if c.ClosedAt == nil || !c.ClosedAt.Equal(t1) {
			t.Errorf("ClosedAt = %v, want %v", c.ClosedAt, t1)
		}
	})

	t.Run("price changes are append only", func(t *testing.T) {
		var added int
		err := s.WithTx(ctx, func(ctx context.Context, tx Tx) error {
			var err error
			added, err = tx.AddPriceChanges(ctx, "case-p-1", []model.PriceChange{
				{ChangedAt: t0, OldPrice: 5_200_000, NewPrice: 5_000_000},
				{ChangedAt: t0.Add(time.Hour), OldPrice: 5_000_000, NewPrice: 4_800_000},
			})
			return err
		})
		if err != nil {
			t.Fatalf("AddPriceChanges() error = %v", err)
		}
		if added != 1 {
			t.Errorf("added = %d, want 1", added)
		}
	})

	t.Run("runs", func(t *testing.T) {
		finished := t0.Add(time.Hour)
		runs := []model.Run{
			{ID: "00000000-0000-0000-0000-000000000001", Policy: "refresh-active", Status: "completed", StartedAt: t0, FinishedAt: &finished,
				Counts: model.RunCounts{Inserted: 3}, FailedScopes: []string{"zip=2900"}},
			{ID: "00000000-0000-0000-0000-000000000002", Policy: "refresh-active", Status: "running", StartedAt: t0.Add(48 * time.Hour)},
			{ID: "00000000-0000-0000-0000-000000000003", Policy: "cleanup", Status: "completed", StartedAt: t0.Add(time.Hour), FinishedAt: &finished},
		}
		for _, r := range runs {
			if err := s.SaveRun(ctx, r); err != nil {
				t.Fatalf("SaveRun() error = %v", err)
			}
		}

		got, err := s.GetRun(ctx, runs[0].ID)
		if err != nil {
			t.Fatalf("GetRun() error = %v", err)
		}
		if got.Counts.Inserted != 3 || len(got.FailedScopes) != 1 {
			t.Errorf("GetRun() = %+v", got)
		}
		if _, err := s.GetRun(ctx, "00000000-0000-0000-0000-00000000ffff"); !errors.Is(err, ErrNotFound) {
			t.Errorf("GetRun(unknown) error = %v, want ErrNotFound", err)
		}

		latest, err := s.LatestRuns(ctx)
		if err != nil {
			t.Fatalf("LatestRuns() error = %v", err)
		}
		if latest["refresh-active"].ID != runs[1].ID || latest["cleanup"].ID != runs[2].ID {
			t.Errorf("LatestRuns() = %+v", latest)
		}

		list, err := s.ListRuns(ctx, 2)
		if err != nil {
			t.Fatalf("ListRuns() error = %v", err)
		}
		if len(list) != 2 || list[0].ID != runs[1].ID {
			t.Errorf("ListRuns(2) = %+v", list)
		}

		n, err := s.PruneRuns(ctx, t0.Add(30*time.Minute))
		if err != nil {
			t.Fatalf("PruneRuns() error = %v", err)
		}
		if n != 1 {
			t.Errorf("PruneRuns() = %d, want 1", n)
		}
	})

	t.Run("stale cases and stats", func(t *testing.T) {
		insertGraph(ctx, t, s, contractGraph("p-2"), t0)

		stale, err := s.CountStaleOpenCases(ctx, t0.Add(time.Hour))
		if err != nil {
			t.Fatalf("CountStaleOpenCases() error = %v", err)
		}
		if stale != 1 {
			t.Errorf("CountStaleOpenCases() = %d, want 1", stale)
		}

		err = s.WithTx(ctx, func(ctx context.Context, tx Tx) error {
			return tx.TouchProperty(ctx, "p-2", t0.Add(2*time.Hour))
		})
		if err != nil {
			t.Fatalf("TouchProperty() error = %v", err)
		}
		stale, _ = s.CountStaleOpenCases(ctx, t0.Add(time.Hour))
		if stale != 0 {
			t.Errorf("CountStaleOpenCases() after touch = %d, want 0", stale)
		}

		st, err := s.Stats(ctx)
		if err != nil {
			t.Fatalf("Stats() error = %v", err)
		}
		if st.Properties != 2 || st.Cases != 2 || st.OpenCases != 1 || st.Buildings != 4 || st.PriceChanges != 3 {
			t.Errorf("Stats() = %+v", st)
		}
	})

	t.Run("refresh targets", func(t *testing.T) {
		bare := contractGraph("p-3")
		bare.Cases = nil
		insertGraph(ctx, t, s, bare, t0)
		other := contractGraph("p-4")
		other.Property.ZipCode = 2820
		insertGraph(ctx, t, s, other, t0)

		// p-1 has a closed case, p-2 and p-4 open ones, p-3 none.
		tests := []struct {
			name   string
			filter TargetFilter
			keys   []string
			counts map[int]int
		}{
			{"open cases", TargetFilter{OpenOnly: true}, []string{"p-2", "p-4"}, map[int]int{2820: 1, 2900: 1}},
			{"any case", TargetFilter{}, []string{"p-1", "p-2", "p-4"}, map[int]int{2820: 1, 2900: 2}},
			{"zip restricted", TargetFilter{ZipCodes: []int{2900}}, []string{"p-1", "p-2"}, map[int]int{2900: 2}},
			{"no match", TargetFilter{ZipCodes: []int{2730}, OpenOnly: true}, nil, map[int]int{}},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				keys, err := s.TargetKeys(ctx, tt.filter)
				if err != nil {
					t.Fatalf("TargetKeys() error = %v", err)
				}
				if !slices.Equal(keys, tt.keys) {
					t.Errorf("TargetKeys() = %v, want %v", keys, tt.keys)
				}
				counts, err := s.CountTargets(ctx, tt.filter)
				if err != nil {
					t.Fatalf("CountTargets() error = %v", err)
				}
				if !maps.Equal(counts, tt.counts) {
					t.Errorf("CountTargets() = %v, want %v", counts, tt.counts)
				}
			})
		}
	})
}
