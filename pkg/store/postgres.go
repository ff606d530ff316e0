package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Sternrassler/estate-sync/pkg/model"
)

// PostgreSQL error codes retried as conflicts.
const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeUniqueViolation      = "23505"
)

// Postgres is the production store.
type Postgres struct {
	pool *pgxpool.Pool
}

// Open connects to dsn. maxConns <= 0 keeps the pgxpool default.
func Open(ctx context.Context, dsn string, maxConns int32) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// NewPostgres wraps an existing pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// Pool exposes the pool for migrations.
func (p *Postgres) Pool() *pgxpool.Pool {
	return p.pool
}

// Close closes the pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

// classify marks retryable PostgreSQL errors with ErrConflict.
func classify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeSerializationFailure, codeDeadlockDetected, codeUniqueViolation:
			return fmt.Errorf("%w: %w", ErrConflict, err)
		}
	}
	return err
}

// WithTx runs fn in a read-committed transaction.
func (p *Postgres) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(ctx, &pgTx{tx: tx}); err != nil {
		return classify(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return classify(fmt.Errorf("commit: %w", err))
	}
	return nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) LookupProperty(ctx context.Context, addressID string) (PropertyRef, bool, error) {
	var ref PropertyRef
	err := t.tx.QueryRow(ctx,
		`SELECT content_hash, first_seen_at FROM properties WHERE address_id = $1 FOR UPDATE`,
		addressID,
	).Scan(&ref.ContentHash, &ref.FirstSeenAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return PropertyRef{}, false, nil
	}
	if err != nil {
		return PropertyRef{}, false, fmt.Errorf("lookup property %s: %w", addressID, err)
	}
	return ref, true, nil
}

const propertyColumns = `address, address_type, road_name, house_number, door, floor, city_name,
    zip_code, place_name, latitude, longitude, living_area, weighted_area, latest_valuation,
    is_on_market, energy_label, municipality_code, municipality_name, church_tax_pct,
    council_tax_pct, land_value_tax_per_mille, content_hash`

func propertyArgs(p *model.Property) []any {
	return []any{
		p.Address, p.AddressType, p.RoadName, p.HouseNumber, p.Door, p.Floor, p.CityName,
		p.ZipCode, p.PlaceName, p.Latitude, p.Longitude, p.LivingArea, p.WeightedArea, p.LatestValuation,
		p.IsOnMarket, p.EnergyLabel, p.MunicipalityCode, p.MunicipalityName, p.ChurchTaxPct,
		p.CouncilTaxPct, p.LandValueTaxPerMille, p.ContentHash,
	}
}

func (t *pgTx) InsertProperty(ctx context.Context, p *model.Property) error {
	args := append([]any{p.AddressID}, propertyArgs(p)...)
	args = append(args, p.FirstSeenAt, p.UpdatedAt, p.LastSeenAt)
	_, err := t.tx.Exec(ctx, `INSERT INTO properties (address_id, `+propertyColumns+`,
    first_seen_at, updated_at, last_seen_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26)`,
		args...)
	if err != nil {
		return fmt.Errorf("insert property %s: %w", p.AddressID, err)
	}
	return nil
}

func (t *pgTx) UpdateProperty(ctx context.Context, p *model.Property) error {
	args := append([]any{p.AddressID}, propertyArgs(p)...)
	args = append(args, p.UpdatedAt, p.LastSeenAt)
	tag, err := t.tx.Exec(ctx, `UPDATE properties SET
    address = $2, address_type = $3, road_name = $4, house_number = $5, door = $6, floor = $7,
    city_name = $8, zip_code = $9, place_name = $10, latitude = $11, longitude = $12,
    living_area = $13, weighted_area = $14, latest_valuation = $15, is_on_market = $16,
    energy_label = $17, municipality_code = $18, municipality_name = $19, church_tax_pct = $20,
    council_tax_pct = $21, land_value_tax_per_mille = $22, content_hash = $23,
    updated_at = $24, last_seen_at = $25
WHERE address_id = $1`, args...)
	if err != nil {
		return fmt.Errorf("update property %s: %w", p.AddressID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update property %s: %w", p.AddressID, ErrNotFound)
	}
	return nil
}

func (t *pgTx) TouchProperty(ctx context.Context, addressID string, seenAt time.Time) error {
	_, err := t.tx.Exec(ctx, `UPDATE properties SET last_seen_at = $2 WHERE address_id = $1`, addressID, seenAt)
	if err != nil {
		return fmt.Errorf("touch property %s: %w", addressID, err)
	}
	_, err = t.tx.Exec(ctx, `UPDATE cases SET last_seen_at = $2 WHERE address_id = $1`, addressID, seenAt)
	if err != nil {
		return fmt.Errorf("touch cases of %s: %w", addressID, err)
	}
	return nil
}

func (t *pgTx) ReplaceBuildings(ctx context.Context, addressID string, buildings []model.Building) error {
	batch := &pgx.Batch{}
	batch.Queue(`DELETE FROM buildings WHERE address_id = $1`, addressID)
	for _, b := range buildings {
		batch.Queue(`INSERT INTO buildings (address_id, position, name, number, year_built, year_renovated,
    housing_area, total_area, basement_area, rooms, floors, bathrooms, toilets,
    wall_material, roof_material, heating)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
			addressID, b.Position, b.Name, b.Number, b.YearBuilt, b.YearRenovated,
			b.HousingArea, b.TotalArea, b.BasementArea, b.Rooms, b.Floors, b.Bathrooms, b.Toilets,
			b.WallMaterial, b.RoofMaterial, b.Heating)
	}
	if err := t.tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("replace buildings of %s: %w", addressID, err)
	}
	return nil
}

func (t *pgTx) UpsertRegistrations(ctx context.Context, addressID string, regs []model.Registration) error {
	if len(regs) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, r := range regs {
		batch.Queue(`INSERT INTO registrations (registration_id, address_id, amount, registered_on, type, area, per_area_price)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (registration_id) DO UPDATE SET
    address_id = EXCLUDED.address_id, amount = EXCLUDED.amount, registered_on = EXCLUDED.registered_on,
    type = EXCLUDED.type, area = EXCLUDED.area, per_area_price = EXCLUDED.per_area_price`,
			r.RegistrationID, addressID, r.Amount, r.Date, r.Type, r.Area, r.PerAreaPrice)
	}
	if err := t.tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("upsert registrations of %s: %w", addressID, err)
	}
	return nil
}

func (t *pgTx) UpsertCase(ctx context.Context, addressID string, c *model.ListingCase, seenAt time.Time) error {
	var closedAt *time.Time
	if !c.Status.IsOpen() {
		closedAt = &seenAt
	}
	_, err := t.tx.Exec(ctx, `INSERT INTO cases (case_id, address_id, status, price, original_price,
    per_area_price, monthly_expense, created_at, modified_at, sold_at, days_on_market,
    days_on_market_total, lot_area, title, url, first_seen_at, last_seen_at, closed_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $16, $17)
ON CONFLICT (case_id) DO UPDATE SET
    address_id = EXCLUDED.address_id, status = EXCLUDED.status, price = EXCLUDED.price,
    original_price = EXCLUDED.original_price, per_area_price = EXCLUDED.per_area_price,
    monthly_expense = EXCLUDED.monthly_expense, created_at = EXCLUDED.created_at,
    modified_at = EXCLUDED.modified_at, sold_at = EXCLUDED.sold_at,
    days_on_market = EXCLUDED.days_on_market, days_on_market_total = EXCLUDED.days_on_market_total,
    lot_area = EXCLUDED.lot_area, title = EXCLUDED.title, url = EXCLUDED.url,
    last_seen_at = EXCLUDED.last_seen_at,
    closed_at = COALESCE(cases.closed_at, EXCLUDED.closed_at)`,
		c.CaseID, addressID, string(c.Status), c.Price, c.OriginalPrice,
		c.PerAreaPrice, c.MonthlyExpense, c.CreatedAt, c.ModifiedAt, c.SoldAt, c.DaysOnMarket,
		c.DaysOnMarketTotal, c.LotArea, c.Title, c.URL, seenAt, closedAt)
	if err != nil {
		return fmt.Errorf("upsert case %s: %w", c.CaseID, err)
	}
	return nil
}

func (t *pgTx) AddPriceChanges(ctx context.Context, caseID string, changes []model.PriceChange) (int, error) {
	if len(changes) == 0 {
		return 0, nil
	}
	batch := &pgx.Batch{}
	for _, pc := range changes {
		batch.Queue(`INSERT INTO price_changes (case_id, changed_at, old_price, new_price)
VALUES ($1, $2, $3, $4)
ON CONFLICT (case_id, changed_at, new_price) DO NOTHING`,
			caseID, pc.ChangedAt, pc.OldPrice, pc.NewPrice)
	}

	results := t.tx.SendBatch(ctx, batch)
	added := 0
	for range changes {
		tag, err := results.Exec()
		if err != nil {
			_ = results.Close()
			return added, fmt.Errorf("add price changes of %s: %w", caseID, err)
		}
		added += int(tag.RowsAffected())
	}
	if err := results.Close(); err != nil {
		return added, fmt.Errorf("add price changes of %s: %w", caseID, err)
	}
	return added, nil
}

func (t *pgTx) ReplaceCaseImages(ctx context.Context, caseID string, images []model.CaseImage) error {
	batch := &pgx.Batch{}
	batch.Queue(`DELETE FROM case_images WHERE case_id = $1`, caseID)
	for _, img := range images {
		batch.Queue(`INSERT INTO case_images (case_id, position, url_600x400, url_1440x960) VALUES ($1, $2, $3, $4)`,
			caseID, img.Position, img.URL600, img.URL1440)
	}
	if err := t.tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("replace images of %s: %w", caseID, err)
	}
	return nil
}

// ExistingKeys reports which keys have a property row.
func (p *Postgres) ExistingKeys(ctx context.Context, keys []string) (map[string]bool, error) {
	found := make(map[string]bool, len(keys))
	if len(keys) == 0 {
		return found, nil
	}
	rows, err := p.pool.Query(ctx, `SELECT address_id FROM properties WHERE address_id = ANY($1)`, keys)
	if err != nil {
		return nil, fmt.Errorf("existing keys: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("existing keys: %w", err)
	}
	for _, id := range ids {
		found[id] = true
	}
	return found, nil
}

const targetWhere = `(cardinality($1::int[]) = 0 OR p.zip_code = ANY($1::int[]))
  AND EXISTS (SELECT 1 FROM cases c WHERE c.address_id = p.address_id AND (NOT $2::boolean OR c.status = 'open'))`

func targetArgs(f TargetFilter) []any {
	zips := make([]int32, 0, len(f.ZipCodes))
	for _, z := range f.ZipCodes {
		zips = append(zips, int32(z))
	}
	return []any{zips, f.OpenOnly}
}

// CountTargets counts matching properties per zip code.
func (p *Postgres) CountTargets(ctx context.Context, f TargetFilter) (map[int]int, error) {
	rows, err := p.pool.Query(ctx, `SELECT p.zip_code, count(*) FROM properties p WHERE `+targetWhere+`
GROUP BY p.zip_code`, targetArgs(f)...)
	if err != nil {
		return nil, fmt.Errorf("count targets: %w", err)
	}
	defer rows.Close()

	counts := make(map[int]int)
	for rows.Next() {
		var zip, n int
		if err := rows.Scan(&zip, &n); err != nil {
			return nil, fmt.Errorf("count targets: %w", err)
		}
		counts[zip] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("count targets: %w", err)
	}
	return counts, nil
}

// TargetKeys returns matching keys in ascending order.
func (p *Postgres) TargetKeys(ctx context.Context, f TargetFilter) ([]string, error) {
	rows, err := p.pool.Query(ctx, `SELECT p.address_id FROM properties p WHERE `+targetWhere+`
ORDER BY p.address_id`, targetArgs(f)...)
	if err != nil {
		return nil, fmt.Errorf("target keys: %w", err)
	}
	keys, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("target keys: %w", err)
	}
	return keys, nil
}

// LoadGraph reads a property with buildings, registrations and cases.
func (p *Postgres) LoadGraph(ctx context.Context, addressID string) (*model.Graph, error) {
	g := &model.Graph{}
	pr := &g.Property
	err := p.pool.QueryRow(ctx, `SELECT address_id, `+propertyColumns+`, first_seen_at, updated_at, last_seen_at
FROM properties WHERE address_id = $1`, addressID).Scan(
		&pr.AddressID, &pr.Address, &pr.AddressType, &pr.RoadName, &pr.HouseNumber, &pr.Door, &pr.Floor,
		&pr.CityName, &pr.ZipCode, &pr.PlaceName, &pr.Latitude, &pr.Longitude, &pr.LivingArea,
		&pr.WeightedArea, &pr.LatestValuation, &pr.IsOnMarket, &pr.EnergyLabel, &pr.MunicipalityCode,
		&pr.MunicipalityName, &pr.ChurchTaxPct, &pr.CouncilTaxPct, &pr.LandValueTaxPerMille,
		&pr.ContentHash, &pr.FirstSeenAt, &pr.UpdatedAt, &pr.LastSeenAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("property %s: %w", addressID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load property %s: %w", addressID, err)
	}

	rows, err := p.pool.Query(ctx, `SELECT position, name, number, year_built, year_renovated, housing_area,
    total_area, basement_area, rooms, floors, bathrooms, toilets, wall_material, roof_material, heating
FROM buildings WHERE address_id = $1 ORDER BY position`, addressID)
	if err != nil {
		return nil, fmt.Errorf("load buildings: %w", err)
	}
	g.Buildings, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Building, error) {
		var b model.Building
		err := row.Scan(&b.Position, &b.Name, &b.Number, &b.YearBuilt, &b.YearRenovated, &b.HousingArea,
			&b.TotalArea, &b.BasementArea, &b.Rooms, &b.Floors, &b.Bathrooms, &b.Toilets,
			&b.WallMaterial, &b.RoofMaterial, &b.Heating)
		return b, err
	})
	if err != nil {
		return nil, fmt.Errorf("load buildings: %w", err)
	}

	rows, err = p.pool.Query(ctx, `SELECT registration_id, amount, registered_on, type, area, per_area_price
FROM registrations WHERE address_id = $1 ORDER BY registration_id`, addressID)
	if err != nil {
		return nil, fmt.Errorf("load registrations: %w", err)
	}
	g.Registrations, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Registration, error) {
		var r model.Registration
		err := row.Scan(&r.RegistrationID, &r.Amount, &r.Date, &r.Type, &r.Area, &r.PerAreaPrice)
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("load registrations: %w", err)
	}

	rows, err = p.pool.Query(ctx, `SELECT case_id, status, price, original_price, per_area_price, monthly_expense,
    created_at, modified_at, sold_at, days_on_market, days_on_market_total, lot_area, title, url, closed_at
FROM cases WHERE address_id = $1 ORDER BY case_id`, addressID)
	if err != nil {
		return nil, fmt.Errorf("load cases: %w", err)
	}
	g.Cases, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.ListingCase, error) {
		var c model.ListingCase
		var status string
		err := row.Scan(&c.CaseID, &status, &c.Price, &c.OriginalPrice, &c.PerAreaPrice, &c.MonthlyExpense,
			&c.CreatedAt, &c.ModifiedAt, &c.SoldAt, &c.DaysOnMarket, &c.DaysOnMarketTotal, &c.LotArea,
			&c.Title, &c.URL, &c.ClosedAt)
		c.Status = model.CaseStatus(status)
		return c, err
	})
	if err != nil {
		return nil, fmt.Errorf("load cases: %w", err)
	}

	for i := range g.Cases {
		c := &g.Cases[i]
		rows, err := p.pool.Query(ctx, `SELECT changed_at, old_price, new_price
FROM price_changes WHERE case_id = $1 ORDER BY changed_at, new_price`, c.CaseID)
		if err != nil {
			return nil, fmt.Errorf("load price changes: %w", err)
		}
		c.PriceChanges, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.PriceChange, error) {
			var pc model.PriceChange
			err := row.Scan(&pc.ChangedAt, &pc.OldPrice, &pc.NewPrice)
			return pc, err
		})
		if err != nil {
			return nil, fmt.Errorf("load price changes: %w", err)
		}

		rows, err = p.pool.Query(ctx, `SELECT position, url_600x400, url_1440x960
FROM case_images WHERE case_id = $1 ORDER BY position`, c.CaseID)
		if err != nil {
			return nil, fmt.Errorf("load images: %w", err)
		}
		c.Images, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.CaseImage, error) {
			var img model.CaseImage
			err := row.Scan(&img.Position, &img.URL600, &img.URL1440)
			return img, err
		})
		if err != nil {
			return nil, fmt.Errorf("load images: %w", err)
		}
	}

	return g, nil
}

// SaveRun inserts or replaces a run summary.
func (p *Postgres) SaveRun(ctx context.Context, run model.Run) error {
	counts, err := json.Marshal(run.Counts)
	if err != nil {
		return fmt.Errorf("encode run counts: %w", err)
	}
	scopes := run.FailedScopes
	if scopes == nil {
		scopes = []string{}
	}
	_, err = p.pool.Exec(ctx, `INSERT INTO refresh_runs (run_id, policy, status, started_at, finished_at, counts, failed_scopes, error)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (run_id) DO UPDATE SET
    status = EXCLUDED.status, finished_at = EXCLUDED.finished_at, counts = EXCLUDED.counts,
    failed_scopes = EXCLUDED.failed_scopes, error = EXCLUDED.error`,
		run.ID, run.Policy, run.Status, run.StartedAt, run.FinishedAt, counts, scopes, run.Error)
	if err != nil {
		return fmt.Errorf("save run %s: %w", run.ID, err)
	}
	return nil
}

const runColumns = `run_id, policy, status, started_at, finished_at, counts, failed_scopes, error`

func scanRun(row pgx.CollectableRow) (model.Run, error) {
	var run model.Run
	var counts []byte
	if err := row.Scan(&run.ID, &run.Policy, &run.Status, &run.StartedAt, &run.FinishedAt,
		&counts, &run.FailedScopes, &run.Error); err != nil {
		return run, err
	}
	if err := json.Unmarshal(counts, &run.Counts); err != nil {
		return run, fmt.Errorf("decode run counts: %w", err)
	}
	return run, nil
}

// GetRun reads one run.
func (p *Postgres) GetRun(ctx context.Context, id string) (model.Run, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+runColumns+` FROM refresh_runs WHERE run_id = $1`, id)
	if err != nil {
		return model.Run{}, fmt.Errorf("get run %s: %w", id, err)
	}
	run, err := pgx.CollectExactlyOneRow(rows, scanRun)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Run{}, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.Run{}, fmt.Errorf("get run %s: %w", id, err)
	}
	return run, nil
}

// LatestRuns returns the newest run per policy.
func (p *Postgres) LatestRuns(ctx context.Context) (map[string]model.Run, error) {
	rows, err := p.pool.Query(ctx, `SELECT DISTINCT ON (policy) `+runColumns+`
FROM refresh_runs ORDER BY policy, started_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("latest runs: %w", err)
	}
	runs, err := pgx.CollectRows(rows, scanRun)
	if err != nil {
		return nil, fmt.Errorf("latest runs: %w", err)
	}
	out := make(map[string]model.Run, len(runs))
	for _, r := range runs {
		out[r.Policy] = r
	}
	return out, nil
}

// ListRuns returns the newest runs first.
func (p *Postgres) ListRuns(ctx context.Context, limit int) ([]model.Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := p.pool.Query(ctx, `SELECT `+runColumns+`
FROM refresh_runs ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	runs, err := pgx.CollectRows(rows, scanRun)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

// PruneRuns deletes finished runs started before the cutoff.
func (p *Postgres) PruneRuns(ctx context.Context, before time.Time) (int64, error) {
	tag, err := p.pool.Exec(ctx,
		`DELETE FROM refresh_runs WHERE started_at < $1 AND finished_at IS NOT NULL`, before)
	if err != nil {
		return 0, fmt.Errorf("prune runs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CountStaleOpenCases counts open cases no run has seen since the cutoff.
func (p *Postgres) CountStaleOpenCases(ctx context.Context, notSeenSince time.Time) (int64, error) {
	var n int64
	err := p.pool.QueryRow(ctx,
		`SELECT count(*) FROM cases WHERE status = 'open' AND last_seen_at < $1`, notSeenSince).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count stale cases: %w", err)
	}
	return n, nil
}

// Stats counts rows per table.
func (p *Postgres) Stats(ctx context.Context) (model.TableStats, error) {
	var s model.TableStats
	err := p.pool.QueryRow(ctx, `SELECT
    (SELECT count(*) FROM properties),
    (SELECT count(*) FROM buildings),
    (SELECT count(*) FROM registrations),
    (SELECT count(*) FROM cases),
    (SELECT count(*) FROM cases WHERE status = 'open'),
    (SELECT count(*) FROM price_changes),
    (SELECT count(*) FROM case_images),
    (SELECT count(*) FROM refresh_runs)`).Scan(
		&s.Properties, &s.Buildings, &s.Registrations, &s.Cases, &s.OpenCases,
		&s.PriceChanges, &s.CaseImages, &s.Runs)
	if err != nil {
		return s, fmt.Errorf("table stats: %w", err)
	}
	return s, nil
}
