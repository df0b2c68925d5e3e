package recommend

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ricesearch/recserve/internal/bus"
	"github.com/ricesearch/recserve/internal/pkg/errors"
	"github.com/ricesearch/recserve/internal/pkg/logger"
	"github.com/ricesearch/recserve/internal/rec"
)

const publishTimeout = 5 * time.Second

// slot is a claimed request together with its candidates.
type slot struct {
	req   *pendingRequest
	items []string
}

func (s *Scheduler) dispatchLoop() {
	defer close(s.stopped)

	for b := range s.batches {
		s.dispatch(b)
	}
}

// dispatch scores one batch and resolves every request in it. Whatever
// happens inside, no request of b is left unresolved on return.
func (s *Scheduler) dispatch(b *batch) {
	log := s.logger.WithBatch(b.id)

	defer func() {
		r := recover()
		var cause error
		if r != nil {
			log.Error("Batch dispatch panicked", "panic", r, "size", len(b.requests))
			cause = errors.InternalError(fmt.Sprintf("batch %d dispatch failed", b.id), fmt.Errorf("panic: %v", r))
		} else {
			cause = errors.InternalError(fmt.Sprintf("batch %d finished without a result", b.id), nil)
		}

		leaked := 0
		for _, p := range b.requests {
			if s.fail(p, cause) {
				leaked++
			}
		}
		if leaked > 0 && r == nil {
			log.Error("Requests left unresolved after dispatch", "count", leaked)
		}
		s.release(b)
	}()

	report := s.process(log, b)
	s.publish(log, report)
}

// process runs candidate lookup, featurization, the single scoring call
// and demultiplexing for b.
func (s *Scheduler) process(log *logger.Logger, b *batch) batchReport {
	report := batchReport{batch: b, started: s.now()}

	slots := s.fetchCandidates(b)

	live := make([]slot, 0, len(slots))
	for _, sl := range slots {
		if sl.items != nil && !sl.req.result.Resolved() {
			live = append(live, sl)
		}
	}
	if len(live) == 0 {
		log.Debug("Batch has no scorable requests", "size", len(b.requests))
		return report
	}

	parts := make([]Partition, len(live))
	rows := make([]rec.FeatureRow, 0, len(live)*len(live[0].items))
	for i, sl := range live {
		parts[i] = Partition{Items: sl.items, K: sl.req.k}
		rows = append(rows, s.featurizer.Featurize(sl.req.user, sl.items)...)
	}

	scoreStart := s.now()
	scores, err := s.scorer.Score(s.ctx, rows)
	if err == nil && len(scores) != len(rows) {
		err = errors.ScoringError(fmt.Sprintf("scorer returned %d scores for %d rows", len(scores), len(rows)), nil)
	}
	report.scoring = s.now().Sub(scoreStart)
	s.metrics.RecordScoring(len(rows), report.scoring, err)

	if err != nil {
		if !errors.HasCode(err, errors.CodeScoring) {
			err = errors.ScoringError("batch scoring failed", err)
		}
		log.Warn("Batch scoring failed", "error", err, "size", len(live), "rows", len(rows))
		for _, sl := range live {
			s.fail(sl.req, err)
		}
		return report
	}

	ranked, err := Demultiplex(parts, scores)
	if err != nil {
		log.Error("Score vector does not match batch layout", "error", err, "size", len(live), "rows", len(rows))
		for _, sl := range live {
			s.fail(sl.req, err)
		}
		return report
	}

	for i, sl := range live {
		if s.fulfil(sl.req, ranked[i]) {
			report.served = append(report.served, impression(sl.req, ranked[i]))
		}
	}

	log.Debug("Batch dispatched",
		"size", len(b.requests),
		"served", len(report.served),
		"rows", len(rows),
		"scoring_ms", report.scoring.Milliseconds(),
	)
	return report
}

// fetchCandidates looks up candidates for every unresolved request in b,
// at most CandidateWorkers at a time. A failed lookup fails only its own
// request.
func (s *Scheduler) fetchCandidates(b *batch) []slot {
	slots := make([]slot, len(b.requests))

	var g errgroup.Group
	g.SetLimit(s.cfg.CandidateWorkers)

	for i, p := range b.requests {
		slots[i].req = p
		if p.result.Resolved() {
			continue
		}
		g.Go(func() error {
			items, err := s.candidatesFor(p.user)
			if err == nil && len(items) == 0 {
				err = errors.CandidateError(fmt.Sprintf("no candidates for user %s", p.user.UserID), nil)
			}
			if err != nil {
				if !errors.HasCode(err, errors.CodeCandidate) {
					err = errors.CandidateError(fmt.Sprintf("candidate lookup failed for user %s", p.user.UserID), err)
				}
				s.fail(p, err)
				return nil
			}
			slots[i].items = items
			return nil
		})
	}
	_ = g.Wait()

	return slots
}

// candidatesFor calls the provider, turning a panic into an error so one
// bad lookup cannot take down the dispatcher.
func (s *Scheduler) candidatesFor(user rec.UserContext) (items []string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("candidate provider panicked: %v", r)
		}
	}()
	return s.provider.CandidatesFor(s.ctx, user)
}

// batchReport summarizes one dispatched batch for the event stream.
type batchReport struct {
	batch   *batch
	started time.Time
	scoring time.Duration
	served  []Impression
}

// BatchScored is the payload of the batch event.
type BatchScored struct {
	BatchID     uint64       `json:"batch_id"`
	Size        int          `json:"size"`
	Served      int          `json:"served"`
	Failed      int          `json:"failed"`
	AssemblyMs  float64      `json:"assembly_ms"`
	ScoringMs   float64      `json:"scoring_ms"`
	Impressions []Impression `json:"impressions"`
}

// Impression records the items returned to one request.
type Impression struct {
	RequestID string   `json:"request_id"`
	UserID    string   `json:"user_id"`
	Device    string   `json:"device,omitempty"`
	Items     []string `json:"items"`
}

func impression(p *pendingRequest, ranked []rec.RankedItem) Impression {
	items := make([]string, len(ranked))
	for i, r := range ranked {
		items[i] = r.ItemID
	}
	return Impression{
		RequestID: p.id,
		UserID:    p.user.UserID,
		Device:    p.user.Device,
		Items:     items,
	}
}

// publish emits the batch event without holding up the next batch.
func (s *Scheduler) publish(log *logger.Logger, report batchReport) {
	if s.events == nil {
		return
	}

	b := report.batch
	payload := BatchScored{
		BatchID:     b.id,
		Size:        len(b.requests),
		Served:      len(report.served),
		Failed:      len(b.requests) - len(report.served),
		AssemblyMs:  float64(report.started.Sub(b.openedAt).Microseconds()) / 1000,
		ScoringMs:   float64(report.scoring.Microseconds()) / 1000,
		Impressions: report.served,
	}
	event := bus.Event{
		ID:        uuid.NewString(),
		Type:      bus.TopicBatchScored,
		Source:    "recommend",
		Timestamp: report.started.UnixMilli(),
		Payload:   payload,
	}

	s.publishWg.Add(1)
	go func() {
		defer s.publishWg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		if err := s.events.Publish(ctx, bus.TopicBatchScored, event); err != nil {
			log.Warn("Failed to publish batch event", "error", err)
		}
	}()
}
