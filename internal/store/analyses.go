package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Analysis methods

const analysisColumns = `id, chat_id, user_id, total_participants, total_participants_percentage_change,
    total_words, total_words_percentage_change, duration, duration_percentage_change, status, progress,
    successful_segments, start_date, end_date, share_id, created_at, updated_at`

func scanAnalysis(sc scanner) (*Analysis, error) {
	var a Analysis
	var shareID sql.NullString
	if err := sc.Scan(&a.ID, &a.ChatID, &a.UserID, &a.TotalParticipants, &a.TotalParticipantsPercentageChange,
		&a.TotalWords, &a.TotalWordsPercentageChange, &a.Duration, &a.DurationPercentageChange, &a.Status, &a.Progress,
		&a.SuccessfulSegments, &a.StartDate, &a.EndDate, &shareID, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.ShareID = stringPtr(shareID)
	return &a, nil
}

func (q *Queries) CreateAnalysis(ctx context.Context, a *Analysis) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Status == "" {
		a.Status = StatusPending
	}
	now := time.Now().UTC()
	a.CreatedAt, a.UpdatedAt = now, now

	_, err := q.q.ExecContext(ctx, "INSERT INTO analyses ("+analysisColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		a.ID, a.ChatID, a.UserID, a.TotalParticipants, a.TotalParticipantsPercentageChange,
		a.TotalWords, a.TotalWordsPercentageChange, a.Duration, a.DurationPercentageChange, a.Status, a.Progress,
		a.SuccessfulSegments, a.StartDate.UTC(), a.EndDate.UTC(), nullString(a.ShareID), a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to execute analysis insert: %w", err)
	}
	return nil
}

func (q *Queries) GetAnalysis(ctx context.Context, analysisID string) (*Analysis, error) {
	a, err := scanAnalysis(q.q.QueryRowContext(ctx, "SELECT "+analysisColumns+" FROM analyses WHERE id = ?", analysisID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get analysis: %w", err)
	}
	return a, nil
}

// RecentAnalyses returns up to limit analyses of the chat, newest first.
// A limit of 0 returns all of them.
func (q *Queries) RecentAnalyses(ctx context.Context, chatID string, limit int) ([]Analysis, error) {
	query := "SELECT " + analysisColumns + " FROM analyses WHERE chat_id = ? ORDER BY created_at DESC, rowid DESC"
	args := []any{chatID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query analyses: %w", err)
	}
	defer rows.Close()

	var analyses []Analysis
	for rows.Next() {
		a, err := scanAnalysis(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan analysis row: %w", err)
		}
		analyses = append(analyses, *a)
	}
	return analyses, rows.Err()
}

func (q *Queries) SetAnalysisStatus(ctx context.Context, analysisID string, status Status) error {
	res, err := q.q.ExecContext(ctx, "UPDATE analyses SET status = ?, updated_at = ? WHERE id = ?", status, time.Now().UTC(), analysisID)
	if err != nil {
		return fmt.Errorf("failed to update analysis status: %w", err)
	}
	return checkAffected(res, "analysis "+analysisID)
}

// SetAnalysisProgress never moves progress backwards.
func (q *Queries) SetAnalysisProgress(ctx context.Context, analysisID string, progress float64) error {
	res, err := q.q.ExecContext(ctx, "UPDATE analyses SET progress = MAX(progress, ?), updated_at = ? WHERE id = ?", progress, time.Now().UTC(), analysisID)
	if err != nil {
		return fmt.Errorf("failed to update analysis progress: %w", err)
	}
	return checkAffected(res, "analysis "+analysisID)
}

// RecordBatch advances progress and adds the batch's successful segments to
// the running count. Call it in the transaction that merges the batch.
func (q *Queries) RecordBatch(ctx context.Context, analysisID string, progress float64, successful int) error {
	res, err := q.q.ExecContext(ctx, "UPDATE analyses SET progress = MAX(progress, ?), successful_segments = successful_segments + ?, updated_at = ? WHERE id = ?",
		progress, successful, time.Now().UTC(), analysisID)
	if err != nil {
		return fmt.Errorf("failed to record analysis batch: %w", err)
	}
	return checkAffected(res, "analysis "+analysisID)
}

func (q *Queries) AddAnalysisParticipants(ctx context.Context, analysisID string, delta int) error {
	res, err := q.q.ExecContext(ctx, "UPDATE analyses SET total_participants = total_participants + ?, updated_at = ? WHERE id = ?", delta, time.Now().UTC(), analysisID)
	if err != nil {
		return fmt.Errorf("failed to update analysis participants: %w", err)
	}
	return checkAffected(res, "analysis "+analysisID)
}

func (q *Queries) SetAnalysisShare(ctx context.Context, analysisID string, shareID *string) error {
	res, err := q.q.ExecContext(ctx, "UPDATE analyses SET share_id = ?, updated_at = ? WHERE id = ?", nullString(shareID), time.Now().UTC(), analysisID)
	if err != nil {
		return fmt.Errorf("failed to update analysis share: %w", err)
	}
	return checkAffected(res, "analysis "+analysisID)
}

// DeleteAnalysis removes the analysis with its participants and share.
func (q *Queries) DeleteAnalysis(ctx context.Context, analysisID string) error {
	for _, stmt := range []string{
		"DELETE FROM participants WHERE analysis_id = ?",
		"DELETE FROM shares WHERE analysis_id = ?",
	} {
		if _, err := q.q.ExecContext(ctx, stmt, analysisID); err != nil {
			return fmt.Errorf("failed to delete analysis children: %w", err)
		}
	}
	res, err := q.q.ExecContext(ctx, "DELETE FROM analyses WHERE id = ?", analysisID)
	if err != nil {
		return fmt.Errorf("failed to delete analysis: %w", err)
	}
	return checkAffected(res, "analysis "+analysisID)
}

// Participant methods

var participantColumns = []string{
	"id", "analysis_id", "name", "default_name", "is_primary",
	"chattier_confidence", "chattier_percentage_change",
	"average_response_time", "average_response_time_percentage_change",
	"deleted_messages", "total_deleted_messages", "deleted_messages_percentage_change",
	"favorite_words", "favorite_emojis",
	"words", "total_words", "words_percentage_change",
	"blocks", "total_blocks", "blocks_percentage_change", "total_emojis",
	"scores", "score_changes", "personality", "previous_personality", "ai_batches",
	"is_new", "ai_mismatch", "prev_analysis_id",
	"created_at", "updated_at",
}

var (
	participantSelect = "SELECT " + strings.Join(participantColumns, ", ") + " FROM participants"
	participantUpsert = buildParticipantUpsert()
)

func buildParticipantUpsert() string {
	var sets []string
	for _, col := range participantColumns {
		switch col {
		case "id", "analysis_id", "created_at":
			continue
		}
		sets = append(sets, col+" = excluded."+col)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(participantColumns)), ", ")
	return "INSERT INTO participants (" + strings.Join(participantColumns, ", ") + ") VALUES (" + placeholders +
		") ON CONFLICT(analysis_id, id) DO UPDATE SET " + strings.Join(sets, ", ")
}

func participantArgs(p *Participant) ([]any, error) {
	words, err := marshalJSON(nonNil(p.FavoriteWords))
	if err != nil {
		return nil, err
	}
	emojis, err := marshalJSON(nonNil(p.FavoriteEmojis))
	if err != nil {
		return nil, err
	}
	blocks, err := marshalJSON(nonNil(p.Blocks))
	if err != nil {
		return nil, err
	}
	scores, err := marshalJSON(p.Scores)
	if err != nil {
		return nil, err
	}
	changes, err := marshalJSON(p.ScoreChanges)
	if err != nil {
		return nil, err
	}
	return []any{
		p.ID, p.AnalysisID, p.Name, p.DefaultName, p.IsPrimary,
		p.ChattierConfidence, p.ChattierPercentageChange,
		p.AverageResponseTime, p.AverageResponseTimePercentageChange,
		p.DeletedMessages, p.TotalDeletedMessages, p.DeletedMessagesPercentageChange,
		words, emojis,
		p.Words, p.TotalWords, p.WordsPercentageChange,
		blocks, p.TotalBlocks, p.BlocksPercentageChange, p.TotalEmojis,
		scores, changes, p.Personality, p.PreviousPersonality, p.AIBatches,
		p.IsNew, p.AIMismatch, p.PrevAnalysisID,
		p.CreatedAt.UTC(), p.UpdatedAt.UTC(),
	}, nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func scanParticipant(sc scanner) (*Participant, error) {
	var p Participant
	var words, emojis, blocks, scores, changes string
	if err := sc.Scan(
		&p.ID, &p.AnalysisID, &p.Name, &p.DefaultName, &p.IsPrimary,
		&p.ChattierConfidence, &p.ChattierPercentageChange,
		&p.AverageResponseTime, &p.AverageResponseTimePercentageChange,
		&p.DeletedMessages, &p.TotalDeletedMessages, &p.DeletedMessagesPercentageChange,
		&words, &emojis,
		&p.Words, &p.TotalWords, &p.WordsPercentageChange,
		&blocks, &p.TotalBlocks, &p.BlocksPercentageChange, &p.TotalEmojis,
		&scores, &changes, &p.Personality, &p.PreviousPersonality, &p.AIBatches,
		&p.IsNew, &p.AIMismatch, &p.PrevAnalysisID,
		&p.CreatedAt, &p.UpdatedAt,
	); err != nil {
		return nil, err
	}
	for _, f := range []struct {
		raw string
		dst any
	}{{words, &p.FavoriteWords}, {emojis, &p.FavoriteEmojis}, {blocks, &p.Blocks}, {scores, &p.Scores}, {changes, &p.ScoreChanges}} {
		if err := unmarshalJSON(f.raw, f.dst); err != nil {
			return nil, fmt.Errorf("failed to decode participant %s: %w", p.ID, err)
		}
	}
	return &p, nil
}

// PutParticipant inserts the participant or overwrites every mutable
// column of the existing record with the same (analysis, id) pair.
func (q *Queries) PutParticipant(ctx context.Context, p *Participant) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	args, err := participantArgs(p)
	if err != nil {
		return fmt.Errorf("failed to encode participant: %w", err)
	}
	if _, err := q.q.ExecContext(ctx, participantUpsert, args...); err != nil {
		return fmt.Errorf("failed to execute participant upsert: %w", err)
	}
	return nil
}

func (q *Queries) GetParticipant(ctx context.Context, analysisID, participantID string) (*Participant, error) {
	p, err := scanParticipant(q.q.QueryRowContext(ctx, participantSelect+" WHERE analysis_id = ? AND id = ?", analysisID, participantID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get participant: %w", err)
	}
	return p, nil
}

// ListParticipants returns participants in insertion order.
func (q *Queries) ListParticipants(ctx context.Context, analysisID string) ([]Participant, error) {
	rows, err := q.q.QueryContext(ctx, participantSelect+" WHERE analysis_id = ? ORDER BY rowid", analysisID)
	if err != nil {
		return nil, fmt.Errorf("failed to query participants: %w", err)
	}
	defer rows.Close()

	var participants []Participant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan participant row: %w", err)
		}
		participants = append(participants, *p)
	}
	return participants, rows.Err()
}

func (q *Queries) DeleteParticipant(ctx context.Context, analysisID, participantID string) error {
	res, err := q.q.ExecContext(ctx, "DELETE FROM participants WHERE analysis_id = ? AND id = ?", analysisID, participantID)
	if err != nil {
		return fmt.Errorf("failed to delete participant: %w", err)
	}
	return checkAffected(res, "participant "+participantID)
}
