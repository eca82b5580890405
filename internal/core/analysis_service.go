package core

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"golang.org/x/sync/errgroup"

	"gwi.com/chat-insights/internal/clock"
	"gwi.com/chat-insights/internal/logger"
	"gwi.com/chat-insights/internal/orchestrator"
	"gwi.com/chat-insights/internal/queue"
	"gwi.com/chat-insights/internal/stats"
	"gwi.com/chat-insights/internal/storage"
	"gwi.com/chat-insights/internal/store"
)

const msgDecryptionFailed = "An error occurred during chat decryption."

var ErrRateLimited = errors.New("too many analysis requests")

type Decryptor interface {
	Decrypt(ctx context.Context, userID, fileAnalysisID string) error
}

type AnalysisOptions struct {
	TriggerRateLimit    int
	TriggerRateWindow   time.Duration
	TriggerTTL          time.Duration
	MinSegmentsPerBatch int
}

// AnalysisService drives a pipeline run: decryption and statistics on the
// request path, model analysis and cleanup on the worker.
type AnalysisService struct {
	dbStore      *store.SQLiteStore
	decryptor    Decryptor
	aggregator   *stats.Aggregator
	orchestrator *orchestrator.Orchestrator
	blobs        storage.BlobStore
	queue        queue.Queue
	clock        clock.Clock
	opts         AnalysisOptions
	log          *logger.Logger
}

func NewAnalysisService(
	db *store.SQLiteStore,
	decryptor Decryptor,
	aggregator *stats.Aggregator,
	orch *orchestrator.Orchestrator,
	blobs storage.BlobStore,
	q queue.Queue,
	clk clock.Clock,
	opts AnalysisOptions,
	log *logger.Logger,
) *AnalysisService {
	if clk == nil {
		clk = clock.Real()
	}
	if opts.TriggerTTL <= 0 {
		opts.TriggerTTL = 7 * 24 * time.Hour
	}
	if opts.MinSegmentsPerBatch <= 0 {
		opts.MinSegmentsPerBatch = orchestrator.DefaultMinSegmentsPerBatch
	}
	return &AnalysisService{
		dbStore:      db,
		decryptor:    decryptor,
		aggregator:   aggregator,
		orchestrator: orch,
		blobs:        blobs,
		queue:        q,
		clock:        clk,
		opts:         opts,
		log:          log.With("service", "AnalysisService"),
	}
}

type StartResult struct {
	ChatID     string `json:"chatId"`
	AnalysisID string `json:"analysisId"`
	TriggerID  string `json:"-"`
}

// StartAnalysis decrypts an upload, computes its statistics and queues the
// model analysis. chatID is empty for a chat seen for the first time.
func (s *AnalysisService) StartAnalysis(ctx context.Context, userID, chatID, fileAnalysisID string) (*StartResult, error) {
	if s.opts.TriggerRateLimit > 0 {
		allowed, err := s.dbStore.AllowRequest(ctx, "trigger:"+userID, s.opts.TriggerRateLimit, s.opts.TriggerRateWindow, s.clock.Now())
		if err != nil {
			s.log.Warn("rate limit check failed", "userId", userID, "error", err)
		} else if !allowed {
			return nil, ErrRateLimited
		}
	}
	if err := s.dbStore.EnsureUser(ctx, userID); err != nil {
		return nil, err
	}

	var originalEnd *time.Time
	if chatID != "" {
		chat, err := s.dbStore.GetChat(ctx, userID, chatID)
		if err != nil {
			return nil, fmt.Errorf("chat %s: %w", chatID, err)
		}
		end := chat.EndDate
		originalEnd = &end
	}

	started := s.clock.Now()
	trigger := &store.Trigger{
		UserID:                 userID,
		ChatID:                 chatID,
		FileAnalysisID:         fileAnalysisID,
		Status:                 store.StatusPending,
		CalculateStatsDuration: -1,
		AIAnalysisDuration:     -1,
		OriginalChatEndDate:    originalEnd,
		ExpiresAt:              started.Add(s.opts.TriggerTTL),
	}
	if err := s.dbStore.CreateTrigger(ctx, trigger); err != nil {
		return nil, err
	}
	log := s.log.With("userId", userID, "triggerId", trigger.ID, "fileAnalysisId", fileAnalysisID)

	res, err := s.prepare(ctx, trigger, started)
	if err != nil {
		log.Warn("calculate statistics failed", "error", err)
		s.abortStart(ctx, trigger, started)
		return nil, err
	}
	log.Info("calculate statistics succeeded", "chatId", res.ChatID, "analysisId", res.AnalysisID,
		"segments", trigger.NumSegments, "duration", trigger.CalculateStatsDuration)
	return res, nil
}

func (s *AnalysisService) prepare(ctx context.Context, trigger *store.Trigger, started time.Time) (*StartResult, error) {
	if err := s.decryptor.Decrypt(ctx, trigger.UserID, trigger.FileAnalysisID); err != nil {
		return nil, &stats.UserError{Message: msgDecryptionFailed, Err: err}
	}
	out, err := s.aggregator.Run(ctx, stats.Request{UserID: trigger.UserID, ChatID: trigger.ChatID, FileAnalysisID: trigger.FileAnalysisID})
	if err != nil {
		return nil, err
	}

	trigger.ChatID = out.ChatID
	trigger.AnalysisID = out.AnalysisID
	trigger.NumSegments = out.NumSegments
	trigger.CalculateStatsDuration = seconds(s.clock.Now().Sub(started))
	if err := s.dbStore.UpdateTrigger(ctx, trigger); err != nil {
		return nil, err
	}
	if err := s.queue.Enqueue(ctx, queue.RunAnalysis(trigger.ID)); err != nil {
		if statusErr := s.dbStore.SetAnalysisStatus(ctx, out.AnalysisID, store.StatusError); statusErr != nil {
			s.log.Error("failed to mark analysis failed", "analysisId", out.AnalysisID, "error", statusErr)
		}
		return nil, err
	}
	return &StartResult{ChatID: out.ChatID, AnalysisID: out.AnalysisID, TriggerID: trigger.ID}, nil
}

// abortStart cleans up after a failed start. It runs on a fresh context so
// a cancelled request still leaves the trigger in a terminal state.
func (s *AnalysisService) abortStart(ctx context.Context, trigger *store.Trigger, started time.Time) {
	ctx = context.WithoutCancel(ctx)
	s.enqueueCleanup(ctx, trigger)
	if trigger.OriginalChatEndDate != nil && trigger.ChatID != "" {
		if err := s.dbStore.SetChatEndDate(ctx, trigger.ChatID, *trigger.OriginalChatEndDate); err != nil && !errors.Is(err, store.ErrNotFound) {
			s.log.Error("failed to restore chat end date", "chatId", trigger.ChatID, "error", err)
		}
	}
	trigger.Status = store.StatusError
	trigger.CalculateStatsDuration = seconds(s.clock.Now().Sub(started))
	if err := s.dbStore.UpdateTrigger(ctx, trigger); err != nil {
		s.log.Error("failed to mark trigger failed", "triggerId", trigger.ID, "error", err)
	}
}

// RunAnalysis runs the model analysis of a trigger. Triggers in a terminal
// state are skipped; a trigger already in progress resumes from the
// persisted progress of its analysis.
func (s *AnalysisService) RunAnalysis(ctx context.Context, triggerID string) error {
	trigger, err := s.dbStore.GetTrigger(ctx, triggerID)
	if errors.Is(err, store.ErrNotFound) {
		s.log.Warn("dropping task for unknown trigger", "triggerId", triggerID)
		return nil
	}
	if err != nil {
		return err
	}
	log := s.log.With("triggerId", trigger.ID, "analysisId", trigger.AnalysisID, "userId", trigger.UserID)
	if trigger.Status.Terminal() {
		log.Info("trigger already finished", "status", trigger.Status)
		return nil
	}
	if trigger.AnalysisID == "" {
		log.Warn("trigger has no analysis, skipping")
		return nil
	}

	startBatch := 0
	if trigger.Status == store.StatusInProgress {
		analysis, err := s.dbStore.GetAnalysis(ctx, trigger.AnalysisID)
		if err != nil {
			return err
		}
		numBatches := len(orchestrator.PlanBatches(trigger.NumSegments, s.opts.MinSegmentsPerBatch))
		startBatch = int(math.Round(analysis.Progress * float64(numBatches)))
	}

	started := s.clock.Now()
	trigger.Status = store.StatusInProgress
	if err := s.dbStore.UpdateTrigger(ctx, trigger); err != nil {
		return err
	}
	if err := s.dbStore.SetAnalysisStatus(ctx, trigger.AnalysisID, store.StatusInProgress); err != nil {
		return err
	}

	out, err := s.orchestrator.Run(ctx, orchestrator.Job{
		UserID:         trigger.UserID,
		ChatID:         trigger.ChatID,
		AnalysisID:     trigger.AnalysisID,
		FileAnalysisID: trigger.FileAnalysisID,
		NumSegments:    trigger.NumSegments,
		StartBatch:     startBatch,
	})
	if err != nil && ctx.Err() != nil {
		// Interrupted by shutdown: leave the trigger in progress for redelivery.
		return err
	}

	finish := context.WithoutCancel(ctx)
	defer s.enqueueCleanup(finish, trigger)

	trigger.AIAnalysisDuration = seconds(s.clock.Now().Sub(started))
	if err != nil {
		log.Error("AI analysis failed", "error", err, "duration", trigger.AIAnalysisDuration)
		s.failRun(finish, trigger)
		return err
	}

	trigger.Status = store.StatusComplete
	trigger.AIAccuracy = out.Accuracy()
	if err := s.dbStore.UpdateTrigger(finish, trigger); err != nil {
		return err
	}
	if err := s.dbStore.SetAnalysisStatus(finish, trigger.AnalysisID, store.StatusComplete); err != nil {
		return err
	}
	log.Info("AI analysis succeeded", "duration", trigger.AIAnalysisDuration, "segments", trigger.NumSegments,
		"accuracy", trigger.AIAccuracy, "deadlineReached", out.DeadlineReached)
	return nil
}

func (s *AnalysisService) failRun(ctx context.Context, trigger *store.Trigger) {
	trigger.Status = store.StatusError
	if err := s.dbStore.UpdateTrigger(ctx, trigger); err != nil {
		s.log.Error("failed to mark trigger failed", "triggerId", trigger.ID, "error", err)
	}
	if err := s.dbStore.SetAnalysisStatus(ctx, trigger.AnalysisID, store.StatusError); err != nil && !errors.Is(err, store.ErrNotFound) {
		s.log.Error("failed to mark analysis failed", "analysisId", trigger.AnalysisID, "error", err)
	}
	if trigger.OriginalChatEndDate != nil {
		if err := s.dbStore.SetChatEndDate(ctx, trigger.ChatID, *trigger.OriginalChatEndDate); err != nil && !errors.Is(err, store.ErrNotFound) {
			s.log.Error("failed to restore chat end date", "chatId", trigger.ChatID, "error", err)
		}
	}
}

func (s *AnalysisService) enqueueCleanup(ctx context.Context, trigger *store.Trigger) {
	if err := s.queue.Enqueue(ctx, queue.DeleteFiles(trigger.UserID, trigger.FileAnalysisID)); err != nil {
		s.log.Error("failed to queue file cleanup", "triggerId", trigger.ID, "error", err)
	}
}

// DeleteFiles removes every blob a run wrote for the upload.
func (s *AnalysisService) DeleteFiles(ctx context.Context, userID, fileAnalysisID string) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, prefix := range storage.RunPrefixes(userID, fileAnalysisID) {
		g.Go(func() error {
			n, err := s.blobs.DeletePrefix(gctx, prefix)
			if err != nil {
				return fmt.Errorf("failed to delete %s: %w", prefix, err)
			}
			s.log.Debug("deleted run files", "prefix", prefix, "count", n)
			return nil
		})
	}
	return g.Wait()
}

// PurgeExpiredTriggers deletes triggers past their expiry.
func (s *AnalysisService) PurgeExpiredTriggers(ctx context.Context) (int64, error) {
	return s.dbStore.DeleteExpiredTriggers(ctx, s.clock.Now())
}

// EnqueueRun queues the model analysis of an existing trigger.
func (s *AnalysisService) EnqueueRun(ctx context.Context, triggerID string) error {
	if _, err := s.dbStore.GetTrigger(ctx, triggerID); err != nil {
		return fmt.Errorf("trigger %s: %w", triggerID, err)
	}
	return s.queue.Enqueue(ctx, queue.RunAnalysis(triggerID))
}

// EnqueueCleanup queues the deletion of an upload's files.
func (s *AnalysisService) EnqueueCleanup(ctx context.Context, userID, fileAnalysisID string) error {
	return s.queue.Enqueue(ctx, queue.DeleteFiles(userID, fileAnalysisID))
}

func seconds(d time.Duration) float64 {
	return math.Floor(d.Seconds())
}
