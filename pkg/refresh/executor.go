package refresh

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Sternrassler/estate-sync/pkg/client"
	"github.com/Sternrassler/estate-sync/pkg/model"
	"github.com/Sternrassler/estate-sync/pkg/pagination"
	"github.com/Sternrassler/estate-sync/pkg/store"
	"github.com/Sternrassler/estate-sync/pkg/upsert"
	"github.com/Sternrassler/estate-sync/pkg/workitem"
)

const (
	// detailConcurrency bounds parallel detail fetches per page.
	detailConcurrency = 4
	// refetchBatch is the number of stored targets fetched per round.
	refetchBatch = 50
)

// itemExecutor walks one work item and upserts every record.
type itemExecutor struct {
	walker       *pagination.Walker
	engine       *upsert.Engine
	fetcher      Fetcher
	store        store.Store
	policy       Policy
	skipExisting bool
	enrich       bool
	logger       zerolog.Logger

	// refetch re-reads the stored targets of an item by id instead of
	// walking its search query.
	refetch bool
}

func (x *itemExecutor) Execute(ctx context.Context, it workitem.Item) (model.RunCounts, error) {
	var counts model.RunCounts
	if x.refetch {
		return counts, x.refetchStored(ctx, it, &counts)
	}
	_, err := x.walker.Walk(ctx, it.Query, func(ctx context.Context, page client.Page) error {
		return x.handlePage(ctx, it, page, &counts)
	})
	return counts, err
}

func (x *itemExecutor) handlePage(ctx context.Context, it workitem.Item, page client.Page, counts *model.RunCounts) error {
	records := page.Records

	if x.skipExisting {
		var err error
		records, err = x.dropExisting(ctx, records, counts)
		if err != nil {
			return err
		}
	}

	if x.enrich && len(records) > 0 {
		records = x.enrichRecords(ctx, records)
	}

	return x.upsertRecords(ctx, it, records, counts)
}

func (x *itemExecutor) upsertRecords(ctx context.Context, it workitem.Item, records []json.RawMessage, counts *model.RunCounts) error {
	for _, raw := range records {
		outcome, err := x.engine.UpsertFor(ctx, it.ID, raw)
		if err != nil {
			if !recordLevel(err) {
				return err
			}
			counts.FailedRecords++
			RecordsTotal.WithLabelValues(string(x.policy), "failed").Inc()
			x.logger.Warn().
				Err(err).
				Str("item_id", it.ID).
				Msg("Record skipped")
			continue
		}

		switch outcome {
		case upsert.OutcomeInserted:
			counts.Inserted++
		case upsert.OutcomeUpdated:
			counts.Updated++
		case upsert.OutcomeUnchanged:
			counts.Unchanged++
		case upsert.OutcomeDuplicate:
			counts.Duplicates++
		}
		RecordsTotal.WithLabelValues(string(x.policy), string(outcome)).Inc()
	}
	return nil
}

// dropExisting removes records whose key is already stored.
func (x *itemExecutor) dropExisting(ctx context.Context, records []json.RawMessage, counts *model.RunCounts) ([]json.RawMessage, error) {
	keys := make([]string, len(records))
	lookup := make([]string, 0, len(records))
	for i, raw := range records {
		k, err := upsert.Key(raw)
		if err != nil {
			// Left in place so the engine reports it as a failed record.
			continue
		}
		keys[i] = k
		lookup = append(lookup, k)
	}
	if len(lookup) == 0 {
		return records, nil
	}

	existing, err := x.store.ExistingKeys(ctx, lookup)
	if err != nil {
		return nil, fmt.Errorf("check existing keys: %w", err)
	}

	kept := records[:0:0]
	for i, raw := range records {
		if keys[i] != "" && existing[keys[i]] {
			counts.Skipped++
			RecordsTotal.WithLabelValues(string(x.policy), "skipped").Inc()
			continue
		}
		kept = append(kept, raw)
	}
	return kept, nil
}

// enrichRecords overlays the detail document on every search record. A
// failed detail fetch keeps the search record as it is.
func (x *itemExecutor) enrichRecords(ctx context.Context, records []json.RawMessage) []json.RawMessage {
	out := make([]json.RawMessage, len(records))
	copy(out, records)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(detailConcurrency)
	for i, raw := range records {
		id, err := upsert.Key(raw)
		if err != nil {
			continue
		}
		g.Go(func() error {
			detail, err := x.fetcher.FetchAddress(gctx, id)
			if err != nil {
				x.logger.Warn().Err(err).Str("address_id", id).Msg("Detail fetch failed, using search record")
				return nil
			}
			merged, err := upsert.MergeRecords(raw, detail)
			if err != nil {
				x.logger.Warn().Err(err).Str("address_id", id).Msg("Detail merge failed, using search record")
				return nil
			}
			out[i] = merged
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// refetchStored fetches every stored target in the zip code of it by id.
// Ids the API no longer knows count as failed records.
func (x *itemExecutor) refetchStored(ctx context.Context, it workitem.Item, counts *model.RunCounts) error {
	keys, err := x.store.TargetKeys(ctx, store.TargetFilter{
		ZipCodes: []int{it.Query.ZipCode},
		OpenOnly: it.Query.Status == workitem.StatusOnMarket,
	})
	if err != nil {
		return fmt.Errorf("list stored targets: %w", err)
	}

	for start := 0; start < len(keys); start += refetchBatch {
		batch := keys[start:min(start+refetchBatch, len(keys))]
		records, err := x.fetchDetails(ctx, it, batch, counts)
		if err != nil {
			return err
		}
		if err := x.upsertRecords(ctx, it, records, counts); err != nil {
			return err
		}
	}
	return nil
}

func (x *itemExecutor) fetchDetails(ctx context.Context, it workitem.Item, ids []string, counts *model.RunCounts) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(detailConcurrency)
	for i, id := range ids {
		g.Go(func() error {
			doc, err := x.fetcher.FetchAddress(gctx, id)
			if err != nil {
				if errors.Is(err, client.ErrNotFound) {
					return nil
				}
				return fmt.Errorf("fetch %s: %w", id, err)
			}
			out[i] = doc
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	records := make([]json.RawMessage, 0, len(out))
	for i, doc := range out {
		if doc == nil {
			counts.FailedRecords++
			RecordsTotal.WithLabelValues(string(x.policy), "failed").Inc()
			x.logger.Warn().
				Str("item_id", it.ID).
				Str("address_id", ids[i]).
				Msg("Stored property unknown upstream")
			continue
		}
		records = append(records, doc)
	}
	return records, nil
}

// recordLevel reports whether err affects only the record it came from.
func recordLevel(err error) bool {
	return errors.Is(err, upsert.ErrMissingRequired) ||
		errors.Is(err, upsert.ErrInvalidRecord) ||
		errors.Is(err, upsert.ErrWriteConflict)
}
