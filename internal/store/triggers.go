package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Trigger methods

const triggerColumns = `id, user_id, chat_id, file_analysis_id, analysis_id, num_segments, status,
    calculate_stats_duration, ai_analysis_duration, ai_accuracy, original_chat_end_date, expires_at, created_at, updated_at`

func scanTrigger(sc scanner) (*Trigger, error) {
	var t Trigger
	var original sql.NullTime
	if err := sc.Scan(&t.ID, &t.UserID, &t.ChatID, &t.FileAnalysisID, &t.AnalysisID, &t.NumSegments, &t.Status,
		&t.CalculateStatsDuration, &t.AIAnalysisDuration, &t.AIAccuracy, &original, &t.ExpiresAt, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.OriginalChatEndDate = timePtr(original)
	return &t, nil
}

func (q *Queries) CreateTrigger(ctx context.Context, t *Trigger) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = StatusPending
	}
	now := time.Now().UTC()
	t.CreatedAt, t.UpdatedAt = now, now

	_, err := q.q.ExecContext(ctx, "INSERT INTO analysis_triggers ("+triggerColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		t.ID, t.UserID, t.ChatID, t.FileAnalysisID, t.AnalysisID, t.NumSegments, t.Status,
		t.CalculateStatsDuration, t.AIAnalysisDuration, t.AIAccuracy, nullTime(t.OriginalChatEndDate), t.ExpiresAt.UTC(), t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to execute trigger insert: %w", err)
	}
	return nil
}

func (q *Queries) GetTrigger(ctx context.Context, triggerID string) (*Trigger, error) {
	t, err := scanTrigger(q.q.QueryRowContext(ctx, "SELECT "+triggerColumns+" FROM analysis_triggers WHERE id = ?", triggerID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get trigger: %w", err)
	}
	return t, nil
}

// UpdateTrigger writes every mutable field of t.
func (q *Queries) UpdateTrigger(ctx context.Context, t *Trigger) error {
	t.UpdatedAt = time.Now().UTC()
	res, err := q.q.ExecContext(ctx, `UPDATE analysis_triggers SET chat_id = ?, analysis_id = ?, num_segments = ?, status = ?,
        calculate_stats_duration = ?, ai_analysis_duration = ?, ai_accuracy = ?, original_chat_end_date = ?, updated_at = ?
        WHERE id = ?`,
		t.ChatID, t.AnalysisID, t.NumSegments, t.Status,
		t.CalculateStatsDuration, t.AIAnalysisDuration, t.AIAccuracy, nullTime(t.OriginalChatEndDate), t.UpdatedAt, t.ID)
	if err != nil {
		return fmt.Errorf("failed to update trigger: %w", err)
	}
	return checkAffected(res, "trigger "+t.ID)
}

// DeleteExpiredTriggers removes triggers whose expiry is before now.
func (q *Queries) DeleteExpiredTriggers(ctx context.Context, now time.Time) (int64, error) {
	res, err := q.q.ExecContext(ctx, "DELETE FROM analysis_triggers WHERE expires_at < ?", now.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired triggers: %w", err)
	}
	return res.RowsAffected()
}

// Rate limit methods

// AllowRequest records a request under key when fewer than limit requests
// were recorded within window before now, and reports whether it did.
func (s *SQLiteStore) AllowRequest(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (bool, error) {
	allowed := false
	err := s.WithTx(ctx, func(tx *Tx) error {
		var raw string
		err := tx.q.QueryRowContext(ctx, "SELECT requests_json FROM rate_limits WHERE key = ?", key).Scan(&raw)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("failed to query rate limit: %w", err)
		}
		var stamps []int64
		if err := unmarshalJSON(raw, &stamps); err != nil {
			return fmt.Errorf("failed to decode rate limit: %w", err)
		}

		floor := now.Add(-window).UnixMilli()
		recent := stamps[:0]
		for _, ms := range stamps {
			if ms > floor {
				recent = append(recent, ms)
			}
		}
		if len(recent) >= limit {
			return nil
		}
		allowed = true
		encoded, err := marshalJSON(append(recent, now.UnixMilli()))
		if err != nil {
			return err
		}
		_, err = tx.q.ExecContext(ctx, `INSERT INTO rate_limits (key, requests_json) VALUES (?, ?)
            ON CONFLICT(key) DO UPDATE SET requests_json = excluded.requests_json`, key, encoded)
		if err != nil {
			return fmt.Errorf("failed to update rate limit: %w", err)
		}
		return nil
	})
	return allowed, err
}

// Key methods

func (q *Queries) PutPrivateKey(ctx context.Context, userID, pemKey string) error {
	_, err := q.q.ExecContext(ctx, `INSERT INTO rsa_keys (user_id, private_key, created_at) VALUES (?, ?, ?)
        ON CONFLICT(user_id) DO UPDATE SET private_key = excluded.private_key, created_at = excluded.created_at`,
		userID, pemKey, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to store private key: %w", err)
	}
	return nil
}

func (q *Queries) GetPrivateKey(ctx context.Context, userID string) (string, error) {
	var pemKey string
	err := q.q.QueryRowContext(ctx, "SELECT private_key FROM rsa_keys WHERE user_id = ?", userID).Scan(&pemKey)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("failed to query private key: %w", err)
	}
	return pemKey, nil
}

// Share methods

type shareSnapshot struct {
	Analysis     Analysis      `json:"analysis"`
	Participants []Participant `json:"participants"`
}

func (q *Queries) CreateShare(ctx context.Context, share *Share) error {
	if share.ID == "" {
		share.ID = uuid.NewString()
	}
	share.CreatedAt = time.Now().UTC()
	snapshot, err := marshalJSON(shareSnapshot{Analysis: share.Analysis, Participants: share.Participants})
	if err != nil {
		return fmt.Errorf("failed to encode share: %w", err)
	}
	_, err = q.q.ExecContext(ctx, "INSERT INTO shares (id, user_id, chat_id, analysis_id, title, snapshot_json, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
		share.ID, share.UserID, share.ChatID, share.AnalysisID, share.Title, snapshot, share.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to execute share insert: %w", err)
	}
	return nil
}

func (q *Queries) GetShare(ctx context.Context, shareID string) (*Share, error) {
	var share Share
	var raw string
	err := q.q.QueryRowContext(ctx, "SELECT id, user_id, chat_id, analysis_id, title, snapshot_json, created_at FROM shares WHERE id = ?", shareID).
		Scan(&share.ID, &share.UserID, &share.ChatID, &share.AnalysisID, &share.Title, &raw, &share.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get share: %w", err)
	}
	var snap shareSnapshot
	if err := unmarshalJSON(raw, &snap); err != nil {
		return nil, fmt.Errorf("failed to decode share: %w", err)
	}
	share.Analysis, share.Participants = snap.Analysis, snap.Participants
	return &share, nil
}

// ListShares returns the user's shares, newest first.
func (q *Queries) ListShares(ctx context.Context, userID string) ([]Share, error) {
	rows, err := q.q.QueryContext(ctx, "SELECT id FROM shares WHERE user_id = ? ORDER BY created_at DESC, rowid DESC", userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query shares: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan share row: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	shares := make([]Share, 0, len(ids))
	for _, id := range ids {
		share, err := q.GetShare(ctx, id)
		if err != nil {
			return nil, err
		}
		shares = append(shares, *share)
	}
	return shares, nil
}

// DeleteShare removes the share and unlinks it from its analysis.
func (q *Queries) DeleteShare(ctx context.Context, shareID string) error {
	if _, err := q.q.ExecContext(ctx, "UPDATE analyses SET share_id = NULL WHERE share_id = ?", shareID); err != nil {
		return fmt.Errorf("failed to unlink share: %w", err)
	}
	res, err := q.q.ExecContext(ctx, "DELETE FROM shares WHERE id = ?", shareID)
	if err != nil {
		return fmt.Errorf("failed to delete share: %w", err)
	}
	return checkAffected(res, "share "+shareID)
}
