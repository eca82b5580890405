// Package orchestrator runs the model analysis of a chat in sequential
// batches of concurrently analysed segments.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"gwi.com/chat-insights/internal/analyzer"
	"gwi.com/chat-insights/internal/clock"
	"gwi.com/chat-insights/internal/logger"
	"gwi.com/chat-insights/internal/merger"
	"gwi.com/chat-insights/internal/store"
)

const (
	DefaultMinSegmentsPerBatch = 5
	DefaultMaxProcessingTime   = 3580 * time.Second

	noPersonality = "None"
)

var ErrNoAnalyses = errors.New("no chat analyses found")

type Repository interface {
	RecentAnalyses(ctx context.Context, chatID string, limit int) ([]store.Analysis, error)
	ListParticipants(ctx context.Context, analysisID string) ([]store.Participant, error)
	SetAnalysisProgress(ctx context.Context, analysisID string, progress float64) error
	WithTx(ctx context.Context, fn func(tx *store.Tx) error) error
}

type SegmentAnalyzer interface {
	AnalyzeSegment(ctx context.Context, ref analyzer.SegmentRef) (analyzer.Result, error)
}

type Config struct {
	MinSegmentsPerBatch int
	// MaxProcessingTime bounds a run; zero disables the check.
	MaxProcessingTime time.Duration
	Strategy          merger.MergeStrategy
}

type Orchestrator struct {
	repo     Repository
	analyzer SegmentAnalyzer
	clock    clock.Clock
	cfg      Config
	log      *logger.Logger
}

func New(repo Repository, a SegmentAnalyzer, clk clock.Clock, cfg Config, log *logger.Logger) *Orchestrator {
	if clk == nil {
		clk = clock.Real()
	}
	if cfg.MinSegmentsPerBatch <= 0 {
		cfg.MinSegmentsPerBatch = DefaultMinSegmentsPerBatch
	}
	if cfg.Strategy == nil {
		cfg.Strategy = merger.TwoWayMean{}
	}
	return &Orchestrator{repo: repo, analyzer: a, clock: clk, cfg: cfg, log: log.With("component", "orchestrator")}
}

// Batch is a 1-based inclusive range of segment indexes.
type Batch struct {
	Index      int
	Start, End int
}

// PlanBatches splits numSegments into ceil(numSegments/minPerBatch) batches
// of near equal size.
func PlanBatches(numSegments, minPerBatch int) []Batch {
	if numSegments <= 0 {
		return nil
	}
	if minPerBatch <= 0 {
		minPerBatch = 1
	}
	numBatches := (numSegments + minPerBatch - 1) / minPerBatch
	size := (numSegments + numBatches - 1) / numBatches

	var batches []Batch
	for i := 0; i < numBatches; i++ {
		start := i*size + 1
		if start > numSegments {
			break
		}
		batches = append(batches, Batch{Index: i, Start: start, End: min((i+1)*size, numSegments)})
	}
	return batches
}

type Job struct {
	UserID         string
	ChatID         string
	AnalysisID     string
	FileAnalysisID string
	NumSegments    int
	// StartBatch skips batches completed by an interrupted run.
	StartBatch int
}

type Outcome struct {
	SuccessfulSegments int
	NumSegments        int
	BatchesRun         int
	NumBatches         int
	DeadlineReached    bool
}

// Accuracy is the share of segments that produced a result.
func (o Outcome) Accuracy() float64 {
	if o.NumSegments == 0 {
		return 0
	}
	return float64(o.SuccessfulSegments) / float64(o.NumSegments)
}

// Run analyses every batch of the job in order. Segment failures only lower
// the accuracy; store failures abort the run.
func (o *Orchestrator) Run(ctx context.Context, job Job) (Outcome, error) {
	current, prev, err := o.loadAnalyses(ctx, job)
	if err != nil {
		return Outcome{}, err
	}

	batches := PlanBatches(job.NumSegments, o.cfg.MinSegmentsPerBatch)
	out := Outcome{NumSegments: job.NumSegments, NumBatches: len(batches)}
	log := o.log.With("analysisId", current.ID, "segments", job.NumSegments, "batches", len(batches))

	tally := merger.NewPersonalityTally()
	if job.StartBatch > 0 {
		if err := o.seedTally(ctx, current.ID, tally); err != nil {
			return out, err
		}
		out.SuccessfulSegments = current.SuccessfulSegments
		log.Info("resuming analysis", "startBatch", job.StartBatch)
	}

	started := o.clock.Now()
	var longest time.Duration
	for i := job.StartBatch; i < len(batches); i++ {
		if i > job.StartBatch && o.cfg.MaxProcessingTime > 0 {
			elapsed := o.clock.Now().Sub(started)
			if elapsed+longest >= o.cfg.MaxProcessingTime {
				log.Warn("processing time exhausted", "batch", i, "elapsed", elapsed, "longestBatch", longest)
				out.DeadlineReached = true
				if err := o.repo.SetAnalysisProgress(ctx, current.ID, 1); err != nil {
					return out, err
				}
				break
			}
		}

		b := batches[i]
		batchStart := o.clock.Now()
		results := o.runBatch(ctx, job, b)
		if err := ctx.Err(); err != nil {
			return out, err
		}
		if d := o.clock.Now().Sub(batchStart); d > longest {
			longest = d
		}

		combined := merger.Combine(results, tally)
		progress := float64(i+1) / float64(len(batches))
		err := o.repo.WithTx(ctx, func(tx *store.Tx) error {
			if err := o.apply(ctx, tx, current.ID, prev, combined); err != nil {
				return err
			}
			return tx.RecordBatch(ctx, current.ID, progress, len(results))
		})
		if err != nil {
			return out, fmt.Errorf("failed to apply batch %d: %w", b.Index, err)
		}
		out.SuccessfulSegments += len(results)
		out.BatchesRun++
		log.Debug("batch applied", "batch", b.Index, "results", len(results), "participants", len(combined))
	}

	log.Info("analysis finished", "successful", out.SuccessfulSegments, "batchesRun", out.BatchesRun, "deadlineReached", out.DeadlineReached)
	return out, nil
}

// loadAnalyses returns the job's analysis and the one before it, if any.
func (o *Orchestrator) loadAnalyses(ctx context.Context, job Job) (*store.Analysis, *store.Analysis, error) {
	all, err := o.repo.RecentAnalyses(ctx, job.ChatID, 0)
	if err != nil {
		return nil, nil, err
	}
	if len(all) == 0 {
		return nil, nil, ErrNoAnalyses
	}
	for i := range all {
		if all[i].ID != job.AnalysisID {
			continue
		}
		if i+1 < len(all) {
			return &all[i], &all[i+1], nil
		}
		return &all[i], nil, nil
	}
	return nil, nil, fmt.Errorf("analysis %s: %w", job.AnalysisID, store.ErrNotFound)
}

func (o *Orchestrator) seedTally(ctx context.Context, analysisID string, tally *merger.PersonalityTally) error {
	participants, err := o.repo.ListParticipants(ctx, analysisID)
	if err != nil {
		return err
	}
	for _, p := range participants {
		tally.Vote(p.DefaultName, p.Personality)
	}
	return nil
}

// runBatch analyses every segment of b concurrently and returns the results
// of those that succeeded.
func (o *Orchestrator) runBatch(ctx context.Context, job Job, b Batch) []analyzer.Result {
	slots := make([]analyzer.Result, b.End-b.Start+1)
	var g errgroup.Group
	for idx := b.Start; idx <= b.End; idx++ {
		g.Go(func() error {
			ref := analyzer.SegmentRef{UserID: job.UserID, FileAnalysisID: job.FileAnalysisID, Index: idx}
			res, err := o.analyzer.AnalyzeSegment(ctx, ref)
			if err != nil {
				o.log.Warn("segment analysis failed", "segment", idx, "kind", analyzer.KindOf(err).String(), "error", err)
				return nil
			}
			slots[idx-b.Start] = res
			return nil
		})
	}
	_ = g.Wait()

	var results []analyzer.Result
	for _, res := range slots {
		if res != nil {
			results = append(results, res)
		}
	}
	return results
}

// apply merges one batch result into the participants of the current
// analysis and computes changes against the previous one.
func (o *Orchestrator) apply(ctx context.Context, tx *store.Tx, currentID string, prev *store.Analysis, combined analyzer.Result) error {
	curParticipants, err := tx.ListParticipants(ctx, currentID)
	if err != nil {
		return err
	}
	current := indexByName(curParticipants)

	var previous map[string]*store.Participant
	if prev != nil {
		prevParticipants, err := tx.ListParticipants(ctx, prev.ID)
		if err != nil {
			return err
		}
		previous = indexByName(prevParticipants)
	}

	names := make([]string, 0, len(combined))
	for name := range combined {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		res := combined[name]
		p, ok := current[name]
		if !ok {
			mismatch := &store.Participant{
				AnalysisID:          currentID,
				Name:                name,
				DefaultName:         name,
				Scores:              merger.MergeScores(nil, res.Scores, 0, o.cfg.Strategy),
				ScoreChanges:        merger.ScoreChanges(res.Scores, nil),
				Personality:         res.Personality,
				PreviousPersonality: noPersonality,
				AIBatches:           1,
				IsNew:               true,
				AIMismatch:          true,
			}
			if err := tx.PutParticipant(ctx, mismatch); err != nil {
				return err
			}
			if err := tx.AddAnalysisParticipants(ctx, currentID, 1); err != nil {
				return err
			}
			continue
		}

		p.Scores = merger.MergeScores(p.Scores, res.Scores, p.AIBatches, o.cfg.Strategy)
		p.AIBatches++
		p.Personality = res.Personality
		p.ScoreChanges = merger.ScoreChanges(p.Scores, nil)
		p.PreviousPersonality = noPersonality
		if prev != nil {
			if pp, found := previous[name]; found {
				p.ScoreChanges = merger.ScoreChanges(p.Scores, pp.Scores)
				p.PreviousPersonality = pp.Personality
			} else {
				p.IsNew = true
			}
		}
		if err := tx.PutParticipant(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

func indexByName(participants []store.Participant) map[string]*store.Participant {
	out := make(map[string]*store.Participant, len(participants))
	for i := range participants {
		if _, dup := out[participants[i].DefaultName]; !dup {
			out[participants[i].DefaultName] = &participants[i]
		}
	}
	return out
}
