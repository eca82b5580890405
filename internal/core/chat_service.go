package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gwi.com/chat-insights/internal/logger"
	"gwi.com/chat-insights/internal/merger"
	"gwi.com/chat-insights/internal/store"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNotComplete  = errors.New("analysis is not complete")
)

const shareDateLayout = "January 2, 2006"

// ChatService serves the user's chats, analyses, participants and shares.
type ChatService struct {
	dbStore *store.SQLiteStore
	loc     *time.Location
	log     *logger.Logger
}

func NewChatService(db *store.SQLiteStore, loc *time.Location, log *logger.Logger) *ChatService {
	if loc == nil {
		loc = time.UTC
	}
	return &ChatService{dbStore: db, loc: loc, log: log.With("service", "ChatService")}
}

type ChatDetails struct {
	*store.Chat
	Analyses []store.Analysis `json:"analyses"`
}

type AnalysisDetails struct {
	*store.Analysis
	Participants []store.Participant `json:"participants"`
}

func (s *ChatService) GetUser(ctx context.Context, userID string) (*store.User, error) {
	return s.dbStore.GetUser(ctx, userID)
}

func (s *ChatService) ListChats(ctx context.Context, userID string) ([]store.Chat, error) {
	return s.dbStore.ListChats(ctx, userID)
}

func (s *ChatService) GetChat(ctx context.Context, userID, chatID string) (*ChatDetails, error) {
	chat, err := s.dbStore.GetChat(ctx, userID, chatID)
	if err != nil {
		return nil, err
	}
	analyses, err := s.dbStore.RecentAnalyses(ctx, chatID, 0)
	if err != nil {
		return nil, err
	}
	return &ChatDetails{Chat: chat, Analyses: nonNil(analyses)}, nil
}

func (s *ChatService) RenameChat(ctx context.Context, userID, chatID, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return fmt.Errorf("%w: title is empty", ErrInvalidInput)
	}
	if _, err := s.dbStore.GetChat(ctx, userID, chatID); err != nil {
		return err
	}
	return s.dbStore.SetChatTitle(ctx, chatID, title)
}

// DeleteChat removes the chat with everything under it.
func (s *ChatService) DeleteChat(ctx context.Context, userID, chatID string) error {
	return s.dbStore.WithTx(ctx, func(tx *store.Tx) error {
		if _, err := tx.GetChat(ctx, userID, chatID); err != nil {
			return err
		}
		if err := tx.DeleteChat(ctx, chatID); err != nil {
			return err
		}
		return tx.AddUserCounters(ctx, userID, 0, -1)
	})
}

// analysisOf loads an analysis and checks it belongs to the user's chat.
func analysisOf(ctx context.Context, q *store.Queries, userID, chatID, analysisID string) (*store.Chat, *store.Analysis, error) {
	chat, err := q.GetChat(ctx, userID, chatID)
	if err != nil {
		return nil, nil, err
	}
	analysis, err := q.GetAnalysis(ctx, analysisID)
	if err != nil {
		return nil, nil, err
	}
	if analysis.ChatID != chatID {
		return nil, nil, store.ErrNotFound
	}
	return chat, analysis, nil
}

func (s *ChatService) GetAnalysis(ctx context.Context, userID, chatID, analysisID string) (*AnalysisDetails, error) {
	_, analysis, err := analysisOf(ctx, s.dbStore.Queries, userID, chatID, analysisID)
	if err != nil {
		return nil, err
	}
	participants, err := s.dbStore.ListParticipants(ctx, analysisID)
	if err != nil {
		return nil, err
	}
	return &AnalysisDetails{Analysis: analysis, Participants: nonNil(participants)}, nil
}

// DeleteAnalysis removes one analysis and narrows the chat's visible range
// when the analysis was at either end of it.
func (s *ChatService) DeleteAnalysis(ctx context.Context, userID, chatID, analysisID string) error {
	return s.dbStore.WithTx(ctx, func(tx *store.Tx) error {
		chat, target, err := analysisOf(ctx, tx.Queries, userID, chatID, analysisID)
		if err != nil {
			return err
		}
		all, err := tx.RecentAnalyses(ctx, chatID, 0)
		if err != nil {
			return err
		}
		idx := -1
		for i := range all {
			if all[i].ID == analysisID {
				idx = i
				break
			}
		}

		showStart, end := chat.ShowStartDate, chat.EndDate
		if chat.ShowStartDate.Equal(target.StartDate) {
			showStart = chat.StartDate
			if idx > 0 {
				showStart = all[idx-1].StartDate
			}
		}
		if chat.EndDate.Equal(target.EndDate) {
			end = chat.StartDate
			if idx >= 0 && idx+1 < len(all) {
				end = all[idx+1].EndDate
			}
		}

		if err := tx.DeleteAnalysis(ctx, analysisID); err != nil {
			return err
		}
		return tx.UpdateChatDates(ctx, chatID, showStart, end, -1)
	})
}

// SetAnalysisCutoff limits future analyses of a chat to messages up to the
// end of the given day. Without a chat id the cutoff applies to the user's
// next new chat. A nil date clears it.
func (s *ChatService) SetAnalysisCutoff(ctx context.Context, userID, chatID string, date *time.Time) error {
	var cutoff *time.Time
	if date != nil {
		d := date.In(s.loc)
		eod := time.Date(d.Year(), d.Month(), d.Day(), 23, 59, 59, int(999*time.Millisecond), s.loc)
		cutoff = &eod
	}
	if chatID == "" {
		if err := s.dbStore.EnsureUser(ctx, userID); err != nil {
			return err
		}
		return s.dbStore.SetPendingCutoff(ctx, userID, cutoff)
	}
	if _, err := s.dbStore.GetChat(ctx, userID, chatID); err != nil {
		return err
	}
	return s.dbStore.SetChatCutoff(ctx, chatID, cutoff)
}

type ParticipantUpdate struct {
	Name      *string `json:"name,omitempty"`
	IsPrimary *bool   `json:"isPrimary,omitempty"`
}

// UpdateParticipant renames a participant or moves the primary flag. In a
// two-person analysis clearing the flag hands it to the other participant.
func (s *ChatService) UpdateParticipant(ctx context.Context, userID, chatID, analysisID, participantID string, upd ParticipantUpdate) error {
	return s.dbStore.WithTx(ctx, func(tx *store.Tx) error {
		if _, _, err := analysisOf(ctx, tx.Queries, userID, chatID, analysisID); err != nil {
			return err
		}
		participants, err := tx.ListParticipants(ctx, analysisID)
		if err != nil {
			return err
		}
		found := false
		for i := range participants {
			p := &participants[i]
			self := p.ID == participantID
			found = found || self
			changed := false

			if upd.IsPrimary != nil {
				switch {
				case self:
					changed = p.IsPrimary != *upd.IsPrimary
					p.IsPrimary = *upd.IsPrimary
				case *upd.IsPrimary && p.IsPrimary:
					p.IsPrimary, changed = false, true
				case !*upd.IsPrimary && len(participants) == 2 && !p.IsPrimary:
					p.IsPrimary, changed = true, true
				}
			}
			if self && upd.Name != nil {
				if name := strings.TrimSpace(*upd.Name); name != "" && name != p.Name {
					p.Name, changed = name, true
				}
			}
			if changed {
				if err := tx.PutParticipant(ctx, p); err != nil {
					return err
				}
			}
		}
		if !found {
			return store.ErrNotFound
		}
		return nil
	})
}

func (s *ChatService) DeleteParticipant(ctx context.Context, userID, chatID, analysisID, participantID string) error {
	return s.dbStore.WithTx(ctx, func(tx *store.Tx) error {
		if _, _, err := analysisOf(ctx, tx.Queries, userID, chatID, analysisID); err != nil {
			return err
		}
		if err := tx.DeleteParticipant(ctx, analysisID, participantID); err != nil {
			return err
		}
		return tx.AddAnalysisParticipants(ctx, analysisID, -1)
	})
}

// SyncParticipant reconciles a participant the user identified by hand.
// A model-only participant has its scores moved onto targetID in the same
// analysis and is removed. A new participant gets its changes recomputed
// against targetID in the previous analysis.
func (s *ChatService) SyncParticipant(ctx context.Context, userID, chatID, analysisID, participantID, targetID string) error {
	if participantID == targetID {
		return fmt.Errorf("%w: participant cannot sync with itself", ErrInvalidInput)
	}
	return s.dbStore.WithTx(ctx, func(tx *store.Tx) error {
		if _, _, err := analysisOf(ctx, tx.Queries, userID, chatID, analysisID); err != nil {
			return err
		}
		source, err := tx.GetParticipant(ctx, analysisID, participantID)
		if err != nil {
			return err
		}

		if source.AIMismatch {
			target, err := tx.GetParticipant(ctx, analysisID, targetID)
			if err != nil {
				return err
			}
			target.Scores = source.Scores
			target.ScoreChanges = source.ScoreChanges
			target.Personality = source.Personality
			target.AIBatches = source.AIBatches
			if err := tx.PutParticipant(ctx, target); err != nil {
				return err
			}
			if err := tx.DeleteParticipant(ctx, analysisID, participantID); err != nil {
				return err
			}
			return tx.AddAnalysisParticipants(ctx, analysisID, -1)
		}

		prevID, err := previousAnalysisID(ctx, tx, chatID, analysisID, source.PrevAnalysisID)
		if err != nil {
			return err
		}
		prev, err := tx.GetParticipant(ctx, prevID, targetID)
		if err != nil {
			return err
		}
		applyChanges(source, prev)
		source.IsNew = false
		return tx.PutParticipant(ctx, source)
	})
}

func previousAnalysisID(ctx context.Context, tx *store.Tx, chatID, analysisID, hint string) (string, error) {
	if hint != "" {
		return hint, nil
	}
	all, err := tx.RecentAnalyses(ctx, chatID, 0)
	if err != nil {
		return "", err
	}
	for i := range all {
		if all[i].ID == analysisID && i+1 < len(all) {
			return all[i+1].ID, nil
		}
	}
	return "", fmt.Errorf("no previous analysis: %w", store.ErrNotFound)
}

func applyChanges(p, prev *store.Participant) {
	p.ChattierPercentageChange = merger.PercentageChange(p.ChattierConfidence, prev.ChattierConfidence)
	p.WordsPercentageChange = merger.PercentageChange(float64(p.Words), float64(prev.Words))
	p.BlocksPercentageChange = merger.PercentageChange(float64(len(p.Blocks)), float64(len(prev.Blocks)))
	p.DeletedMessagesPercentageChange = merger.PercentageChange(float64(p.DeletedMessages), float64(prev.DeletedMessages))
	p.AverageResponseTimePercentageChange = merger.PercentageChange(p.AverageResponseTime, prev.AverageResponseTime)
	p.ScoreChanges = merger.ScoreChanges(p.Scores, prev.Scores)
	p.PreviousPersonality = prev.Personality
}

// ShareAnalysis snapshots a completed analysis. Sharing it again refreshes
// the snapshot under the same share id.
func (s *ChatService) ShareAnalysis(ctx context.Context, userID, chatID, analysisID string) (*store.Share, error) {
	var share *store.Share
	err := s.dbStore.WithTx(ctx, func(tx *store.Tx) error {
		chat, analysis, err := analysisOf(ctx, tx.Queries, userID, chatID, analysisID)
		if err != nil {
			return err
		}
		if analysis.Status != store.StatusComplete {
			return ErrNotComplete
		}
		participants, err := tx.ListParticipants(ctx, analysisID)
		if err != nil {
			return err
		}

		share = &store.Share{UserID: userID, ChatID: chatID, AnalysisID: analysisID}
		if analysis.ShareID != nil {
			share.ID = *analysis.ShareID
			if err := tx.DeleteShare(ctx, share.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
				return err
			}
		}
		share.Title = fmt.Sprintf("%s: %s - %s", chat.Title,
			analysis.StartDate.In(s.loc).Format(shareDateLayout), analysis.EndDate.In(s.loc).Format(shareDateLayout))
		share.Participants = nonNil(participants)
		share.Analysis = *analysis
		if err := tx.CreateShare(ctx, share); err != nil {
			return err
		}
		share.Analysis.ShareID = &share.ID
		return tx.SetAnalysisShare(ctx, analysisID, &share.ID)
	})
	if err != nil {
		return nil, err
	}
	return share, nil
}

// GetShare is public: anyone with the id can read the snapshot.
func (s *ChatService) GetShare(ctx context.Context, shareID string) (*store.Share, error) {
	return s.dbStore.GetShare(ctx, shareID)
}

func (s *ChatService) ListShares(ctx context.Context, userID string) ([]store.Share, error) {
	shares, err := s.dbStore.ListShares(ctx, userID)
	return nonNil(shares), err
}

func (s *ChatService) DeleteShare(ctx context.Context, userID, shareID string) error {
	return s.dbStore.WithTx(ctx, func(tx *store.Tx) error {
		share, err := tx.GetShare(ctx, shareID)
		if err != nil {
			return err
		}
		if share.UserID != userID {
			return store.ErrNotFound
		}
		return tx.DeleteShare(ctx, shareID)
	})
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
