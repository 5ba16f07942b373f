package pipeline

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/couchcryptid/weather-sync/internal/domain"
	"golang.org/x/sync/errgroup"
)

// pageResult is what one page contributed to the map and the skip list.
type pageResult struct {
	entries []domain.MapEntry
	skips   []domain.Skip
	adopted int
}

func (r *pageResult) record(e domain.Entity, key int64, target domain.TargetKey) {
	r.entries = append(r.entries, domain.MapEntry{Entity: e, SourceKey: key, TargetKey: target})
}

func (r *pageResult) skip(key int64, reason domain.Reason, detail string) {
	r.skips = append(r.skips, domain.Skip{SourceKey: key, Reason: reason, Detail: detail})
}

// processPage adopts, transforms, writes and records one page. Per-row
// failures become skips; anything returned as an error ends the run.
func (o *Orchestrator) processPage(ctx context.Context, page domain.Page) (pageResult, error) {
	var out pageResult
	if len(page.Rows) == 0 {
		return out, nil
	}
	entity := page.Entity

	adopted, err := o.adopt(ctx, page, &out)
	if err != nil {
		return out, err
	}

	docs := make([]domain.Document, 0, len(page.Rows)-len(adopted))
	var unresolved []domain.SourceRow
	for _, row := range page.Rows {
		if _, ok := adopted[row.Key()]; ok {
			continue
		}
		doc, err := domain.Transform(row, o.ids, domain.TransformOptions{Retention: o.opts.Retention})
		if err != nil {
			var re *domain.RowError
			switch {
			case errors.Is(err, domain.ErrUnresolvedReference):
				unresolved = append(unresolved, row)
			case errors.As(err, &re):
				out.skip(row.Key(), domain.ReasonOf(err), err.Error())
			default:
				return out, err
			}
			continue
		}
		docs = append(docs, doc)
	}

	if err := o.classifyUnresolved(ctx, entity, unresolved, &out); err != nil {
		return out, err
	}
	if err := o.write(ctx, entity, docs, &out); err != nil {
		return out, err
	}

	slices.SortFunc(out.entries, func(a, b domain.MapEntry) int { return cmp.Compare(a.SourceKey, b.SourceKey) })
	slices.SortFunc(out.skips, func(a, b domain.Skip) int { return cmp.Compare(a.SourceKey, b.SourceKey) })
	for _, s := range out.skips {
		o.skipped[entity][s.SourceKey] = true
		o.logger.Warn("row skipped", "entity", entity, "source_key", s.SourceKey,
			"reason", s.Reason, "detail", s.Detail)
	}
	return out, nil
}

// adopt records rows whose documents already exist in the target, as left by
// an earlier run. A binding that disagrees with the map is an identity
// conflict.
func (o *Orchestrator) adopt(ctx context.Context, page domain.Page, out *pageResult) (map[int64]domain.TargetKey, error) {
	entity := page.Entity
	var existing map[int64]domain.TargetKey
	err := o.targetRetry.Do(ctx, "lookup "+string(entity), func(ctx context.Context) error {
		var err error
		existing, err = o.target.LookupSourceKeys(ctx, entity, page.Keys())
		return err
	})
	if err != nil {
		return nil, err
	}

	for _, key := range page.Keys() {
		target, ok := existing[key]
		if !ok {
			continue
		}
		if err := o.ids.Record(entity, key, target); err != nil {
			return nil, err
		}
		out.record(entity, key, target)
		out.adopted++
	}
	return existing, nil
}

// classifyUnresolved decides, for rows whose parent has no target identity,
// whether the row is an orphan (skip) or the run is broken (fatal). A parent
// that was itself skipped, or that is absent from the source, makes an
// orphan. A parent that exists and was never skipped should have been
// migrated already.
func (o *Orchestrator) classifyUnresolved(ctx context.Context, entity domain.Entity, rows []domain.SourceRow, out *pageResult) error {
	if len(rows) == 0 {
		return nil
	}
	parent, _ := entity.Parent()

	var check []domain.SourceRow
	var keys []int64
	for _, row := range rows {
		_, pk, _ := domain.ParentKey(row)
		if o.skipped[parent][pk] {
			out.skip(row.Key(), domain.ReasonUnresolvedReference,
				fmt.Sprintf("%s %d was skipped", parent, pk))
			continue
		}
		check = append(check, row)
		keys = append(keys, pk)
	}
	if len(check) == 0 {
		return nil
	}

	var exists map[int64]bool
	err := o.sourceRetry.Do(ctx, "exists "+string(parent), func(ctx context.Context) error {
		var err error
		exists, err = o.source.Exists(ctx, parent, keys)
		return err
	})
	if err != nil {
		return err
	}

	for _, row := range check {
		_, pk, _ := domain.ParentKey(row)
		if exists[pk] {
			return fmt.Errorf("%w: %s %d references %s %d, which exists in the source but has no target document",
				domain.ErrUnresolvedReference, entity, row.Key(), parent, pk)
		}
		out.skip(row.Key(), domain.ReasonUnresolvedReference,
			fmt.Sprintf("%s %d not found in source", parent, pk))
	}
	return nil
}

// write submits docs in chunks of BatchSize, up to WriteConcurrency at a
// time. Each chunk is retried whole on connectivity loss; document ids are
// assigned once, so a retried chunk cannot create duplicates. Confirmed
// writes are recorded even when another chunk fails.
func (o *Orchestrator) write(ctx context.Context, entity domain.Entity, docs []domain.Document, out *pageResult) error {
	if len(docs) == 0 {
		return nil
	}
	chunks := slices.Collect(slices.Chunk(docs, o.opts.BatchSize))
	results := make([]domain.WriteResult, len(chunks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.opts.WriteConcurrency)
	for i, chunk := range chunks {
		g.Go(func() error {
			o.metrics.BatchSize.Observe(float64(len(chunk)))
			return o.targetRetry.Do(gctx, "write "+string(entity), func(ctx context.Context) error {
				res, err := o.target.Write(ctx, entity, chunk)
				results[i] = mergeAttempt(results[i], res, err == nil)
				return err
			})
		})
	}
	writeErr := g.Wait()

	for _, res := range results {
		for _, w := range res.Written {
			if err := o.ids.Record(entity, w.SourceKey, w.TargetKey); err != nil {
				return err
			}
			out.record(entity, w.SourceKey, w.TargetKey)
		}
		for _, f := range res.Failures {
			out.skip(f.SourceKey, f.Reason, f.Detail)
		}
	}
	return writeErr
}

// mergeAttempt folds one write attempt into the chunk's result. Documents
// confirmed by any attempt stay written; failures are taken from the final
// successful attempt only.
func mergeAttempt(acc, res domain.WriteResult, final bool) domain.WriteResult {
	seen := make(map[int64]bool, len(acc.Written))
	for _, w := range acc.Written {
		seen[w.SourceKey] = true
	}
	for _, w := range res.Written {
		if !seen[w.SourceKey] {
			seen[w.SourceKey] = true
			acc.Written = append(acc.Written, w)
		}
	}
	if final {
		acc.Failures = acc.Failures[:0]
		for _, f := range res.Failures {
			if !seen[f.SourceKey] {
				acc.Failures = append(acc.Failures, f)
			}
		}
	}
	return acc
}
