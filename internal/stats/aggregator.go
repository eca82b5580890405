package stats

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gwi.com/chat-insights/internal/logger"
	"gwi.com/chat-insights/internal/merger"
	"gwi.com/chat-insights/internal/parser"
	"gwi.com/chat-insights/internal/storage"
	"gwi.com/chat-insights/internal/store"
)

// Repository is the part of the store the aggregator reads outside its
// write transaction.
type Repository interface {
	GetChat(ctx context.Context, userID, chatID string) (*store.Chat, error)
	PendingCutoff(ctx context.Context, userID string) (*time.Time, error)
	WithTx(ctx context.Context, fn func(tx *store.Tx) error) error
}

type Aggregator struct {
	repo   Repository
	blobs  storage.BlobStore
	parser *parser.Parser
	opts   Options
	log    *logger.Logger
}

func NewAggregator(repo Repository, blobs storage.BlobStore, p *parser.Parser, opts Options, log *logger.Logger) *Aggregator {
	return &Aggregator{repo: repo, blobs: blobs, parser: p, opts: opts.withDefaults(), log: log}
}

type Request struct {
	UserID         string
	ChatID         string // empty for a new chat
	FileAnalysisID string
}

type Result struct {
	ChatID      string
	AnalysisID  string
	NumSegments int
	Summary     Summary
}

// Run parses the decrypted transcript, writes its segments and persists the
// chat, analysis and participant records in one transaction. Nothing is
// persisted when it fails.
func (a *Aggregator) Run(ctx context.Context, req Request) (*Result, error) {
	opts := a.opts
	var chat *store.Chat
	if req.ChatID != "" {
		c, err := a.repo.GetChat(ctx, req.UserID, req.ChatID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, &UserError{Message: msgChatNotFound, Err: err}
		}
		if err != nil {
			return nil, err
		}
		chat = c
		bookmark := c.EndDate
		opts.Bookmark = &bookmark
		opts.Cutoff = c.AnalysisCutoffDate
	} else {
		cutoff, err := a.repo.PendingCutoff(ctx, req.UserID)
		if err != nil {
			return nil, err
		}
		opts.Cutoff = cutoff
	}

	summary, err := a.fold(ctx, req, opts)
	if err != nil {
		return nil, err
	}
	if err := summary.Check(opts.MinMessages); err != nil {
		return nil, err
	}

	res := &Result{NumSegments: summary.NumSegments, Summary: summary}
	err = a.repo.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		res.ChatID, res.AnalysisID, err = persist(ctx, tx, req.UserID, chat, summary, summary.EffectiveEnd(opts.Cutoff))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to persist statistics: %w", err)
	}
	a.log.Info("statistics calculated",
		"userId", req.UserID, "chatId", res.ChatID, "analysisId", res.AnalysisID,
		"messages", summary.TotalMessages, "segments", res.NumSegments)
	return res, nil
}

func (a *Aggregator) fold(ctx context.Context, req Request, opts Options) (Summary, error) {
	rc, err := a.blobs.Open(ctx, storage.DecryptedKey(req.UserID, req.FileAnalysisID))
	if err != nil {
		return Summary{}, fmt.Errorf("failed to open transcript: %w", err)
	}
	defer rc.Close()

	tally := NewTally(opts)
	put := func(seg *Segment) error {
		if seg == nil {
			return nil
		}
		key := storage.SegmentKey(req.UserID, req.FileAnalysisID, seg.Index)
		if err := a.blobs.Put(ctx, key, []byte(seg.Text)); err != nil {
			return fmt.Errorf("failed to write segment %d: %w", seg.Index, err)
		}
		return nil
	}

	err = a.parser.Parse(rc, func(ev parser.Event) error {
		out, err := tally.Step(ev)
		if err != nil {
			return err
		}
		return put(out.Segment)
	})
	if err != nil && !errors.Is(err, ErrCutoffReached) {
		return Summary{}, err
	}
	if err := put(tally.Flush()); err != nil {
		return Summary{}, err
	}
	return tally.Snapshot(), nil
}

func persist(ctx context.Context, tx *store.Tx, userID string, chat *store.Chat, s Summary, end time.Time) (string, string, error) {
	if err := tx.AddUserCounters(ctx, userID, 1, 0); err != nil {
		return "", "", err
	}

	var prev *store.Analysis
	if chat != nil {
		recent, err := tx.RecentAnalyses(ctx, chat.ID, 1)
		if err != nil {
			return "", "", err
		}
		if len(recent) > 0 {
			prev = &recent[0]
		}
	}
	if prev == nil {
		return persistFirstRun(ctx, tx, userID, chat, s, end)
	}
	return persistIncremental(ctx, tx, userID, chat, prev, s, end)
}

func persistFirstRun(ctx context.Context, tx *store.Tx, userID string, chat *store.Chat, s Summary, end time.Time) (string, string, error) {
	if chat == nil {
		chat = &store.Chat{UserID: userID}
		chat.Title = s.Title
		chat.TotalAnalyses = 1
		chat.StartDate, chat.ShowStartDate, chat.EndDate = s.Start, s.Start, end
		if err := tx.CreateChat(ctx, chat); err != nil {
			return "", "", err
		}
		if err := tx.AddUserCounters(ctx, userID, 0, 1); err != nil {
			return "", "", err
		}
		if err := tx.SetPendingCutoff(ctx, userID, nil); err != nil {
			return "", "", err
		}
	} else {
		// A chat whose analyses were all deleted starts over.
		if err := tx.ResetChat(ctx, chat.ID, s.Title, s.Start, end); err != nil {
			return "", "", err
		}
	}

	analysis := &store.Analysis{
		ChatID:            chat.ID,
		UserID:            userID,
		TotalParticipants: len(s.Participants),
		TotalWords:        s.TotalWords,
		Duration:          end.Sub(s.Start).Seconds(),
		Status:            store.StatusPending,
		StartDate:         s.Start,
		EndDate:           end,
	}
	if err := tx.CreateAnalysis(ctx, analysis); err != nil {
		return "", "", err
	}
	for _, ps := range s.Participants {
		p := participantRecord(analysis.ID, ps, s)
		if err := tx.PutParticipant(ctx, p); err != nil {
			return "", "", err
		}
	}
	return chat.ID, analysis.ID, nil
}

func persistIncremental(ctx context.Context, tx *store.Tx, userID string, chat *store.Chat, prev *store.Analysis, s Summary, end time.Time) (string, string, error) {
	if err := tx.AdvanceChat(ctx, chat.ID, end); err != nil {
		return "", "", err
	}

	duration := end.Sub(s.Bookmark).Seconds()
	analysis := &store.Analysis{
		ChatID:                            chat.ID,
		UserID:                            userID,
		TotalParticipants:                 len(s.Participants),
		TotalParticipantsPercentageChange: merger.PercentageChange(float64(len(s.Participants)), float64(prev.TotalParticipants)),
		TotalWords:                        s.TotalWords,
		TotalWordsPercentageChange:        merger.PercentageChange(float64(s.TotalWords), float64(prev.TotalWords)),
		Duration:                          duration,
		DurationPercentageChange:          merger.PercentageChange(duration, prev.Duration),
		Status:                            store.StatusPending,
		StartDate:                         s.Bookmark,
		EndDate:                           end,
	}
	if err := tx.CreateAnalysis(ctx, analysis); err != nil {
		return "", "", err
	}

	prevParticipants, err := tx.ListParticipants(ctx, prev.ID)
	if err != nil {
		return "", "", err
	}
	byName := make(map[string]store.Participant, len(prevParticipants))
	for _, pp := range prevParticipants {
		if _, dup := byName[pp.DefaultName]; !dup {
			byName[pp.DefaultName] = pp
		}
	}

	for _, ps := range s.Participants {
		p := participantRecord(analysis.ID, ps, s)
		if old, ok := byName[ps.Name]; ok {
			p.ID = old.ID
			p.ChattierPercentageChange = merger.PercentageChange(p.ChattierConfidence, old.ChattierConfidence)
			p.WordsPercentageChange = merger.PercentageChange(float64(p.Words), float64(old.Words))
			p.AverageResponseTimePercentageChange = merger.PercentageChange(p.AverageResponseTime, old.AverageResponseTime)
			p.DeletedMessagesPercentageChange = merger.PercentageChange(float64(p.DeletedMessages), float64(old.DeletedMessages))
			p.BlocksPercentageChange = merger.PercentageChange(float64(len(p.Blocks)), float64(len(old.Blocks)))
		} else {
			p.IsNew = true
			p.PrevAnalysisID = prev.ID
		}
		if err := tx.PutParticipant(ctx, p); err != nil {
			return "", "", err
		}
	}
	return chat.ID, analysis.ID, nil
}

func participantRecord(analysisID string, ps ParticipantSnapshot, s Summary) *store.Participant {
	var chattier float64
	if s.TotalWords > 0 {
		chattier = float64(ps.Words) / float64(s.TotalWords)
	}
	blocks := []store.Block{}
	for _, b := range s.Blocks {
		if b.Blockee != ps.Name {
			blocks = append(blocks, b)
		}
	}
	return &store.Participant{
		AnalysisID:           analysisID,
		Name:                 ps.Name,
		DefaultName:          ps.Name,
		IsPrimary:            ps.IsPrimary,
		ChattierConfidence:   chattier,
		AverageResponseTime:  ps.AverageResponseTime(),
		DeletedMessages:      ps.DeletedMessages,
		TotalDeletedMessages: s.TotalDeleted,
		FavoriteWords:        ps.FavoriteWords,
		FavoriteEmojis:       ps.FavoriteEmojis,
		Words:                ps.Words,
		TotalWords:           s.TotalWords,
		Blocks:               blocks,
		TotalBlocks:          len(s.Blocks),
		TotalEmojis:          ps.DistinctEmojis,
	}
}
