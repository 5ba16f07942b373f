package mongo

import (
	"context"
	"errors"
	"fmt"

	"github.com/couchcryptid/weather-sync/internal/domain"
	"go.mongodb.org/mongo-driver/bson/primitive"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Write inserts docs in batches of at most batchSize. Each document gets a
// fresh ObjectID unless it already carries one, so a batch retried after a
// lost connection re-submits the same ids. Documents the store refuses are
// reported as failures and never stop the remaining documents; only a
// connectivity loss is returned as an error.
func (s *Store) Write(ctx context.Context, entity domain.Entity, docs []domain.Document) (domain.WriteResult, error) {
	var res domain.WriteResult
	for start := 0; start < len(docs); start += s.batchSize {
		batch := docs[start:min(start+s.batchSize, len(docs))]
		out, err := s.writeBatch(ctx, entity, batch)
		res.Merge(out)
		if err != nil {
			return res, err
		}
	}
	return res, nil
}

func (s *Store) writeBatch(ctx context.Context, entity domain.Entity, batch []domain.Document) (domain.WriteResult, error) {
	var res domain.WriteResult
	payload := make([]any, 0, len(batch))
	sent := make([]domain.Document, 0, len(batch))

	for _, doc := range batch {
		if doc.TargetID() == "" {
			doc.SetTargetID(targetKey(primitive.NewObjectID()))
		}
		if err := domain.Validate(doc); err != nil {
			res.Failures = append(res.Failures, failure(doc, err.Error()))
			continue
		}
		raw, err := encode(doc)
		if err != nil {
			res.Failures = append(res.Failures, failure(doc, err.Error()))
			continue
		}
		payload = append(payload, raw)
		sent = append(sent, doc)
	}
	if len(payload) == 0 {
		return res, nil
	}

	op := "insert " + entity.Collection()
	_, err := s.coll(entity).InsertMany(ctx, payload, options.InsertMany().SetOrdered(false))
	if err == nil {
		res.Written = append(res.Written, written(sent)...)
		return res, nil
	}

	var bwe mongodriver.BulkWriteException
	if !errors.As(err, &bwe) || isUnavailable(err) {
		return res, classify(op, err)
	}
	if bwe.WriteConcernError != nil {
		return res, fmt.Errorf("%w: %s: write concern: %s", domain.ErrTargetUnavailable, op, bwe.WriteConcernError.Message)
	}

	// A duplicate key on an id we assigned means an earlier attempt of this
	// batch already landed the document.
	var dups []domain.TargetKey
	for _, we := range bwe.WriteErrors {
		if isDuplicateKey(we.Code) && we.Index < len(sent) {
			dups = append(dups, sent[we.Index].TargetID())
		}
	}
	own := map[domain.TargetKey]bool{}
	if len(dups) > 0 {
		if own, err = s.ExistingIDs(ctx, entity, dups); err != nil {
			return res, err
		}
	}

	out := splitBulkResult(sent, bwe.WriteErrors, own)
	res.Merge(out)
	s.logger.Warn("bulk write partially rejected",
		"collection", entity.Collection(), "submitted", len(sent),
		"written", len(out.Written), "rejected", len(out.Failures))
	return res, nil
}

// splitBulkResult divides the submitted documents into written and failed
// given the per-index write errors. A duplicate-key error on a document
// whose id is in own counts as written.
func splitBulkResult(sent []domain.Document, errs []mongodriver.BulkWriteError, own map[domain.TargetKey]bool) domain.WriteResult {
	byIndex := make(map[int]mongodriver.WriteError, len(errs))
	for _, we := range errs {
		byIndex[we.Index] = we.WriteError
	}

	var res domain.WriteResult
	for i, doc := range sent {
		we, failed := byIndex[i]
		if !failed || (isDuplicateKey(we.Code) && own[doc.TargetID()]) {
			res.Written = append(res.Written, domain.Written{SourceKey: doc.SourceKey(), TargetKey: doc.TargetID()})
			continue
		}
		res.Failures = append(res.Failures, failure(doc, fmt.Sprintf("code %d: %s", we.Code, we.Message)))
	}
	return res
}

func written(docs []domain.Document) []domain.Written {
	out := make([]domain.Written, len(docs))
	for i, d := range docs {
		out[i] = domain.Written{SourceKey: d.SourceKey(), TargetKey: d.TargetID()}
	}
	return out
}

func failure(doc domain.Document, detail string) domain.WriteFailure {
	return domain.WriteFailure{SourceKey: doc.SourceKey(), Reason: domain.ReasonRejected, Detail: detail}
}
