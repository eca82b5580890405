package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// User methods

// EnsureUser creates the user row on first sight.
func (q *Queries) EnsureUser(ctx context.Context, userID string) error {
	_, err := q.q.ExecContext(ctx, "INSERT OR IGNORE INTO users (id, created_at) VALUES (?, ?)", userID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to insert user: %w", err)
	}
	return nil
}

func (q *Queries) GetUser(ctx context.Context, userID string) (*User, error) {
	var user User
	err := q.q.QueryRowContext(ctx, "SELECT id, total_chats, total_analyses, public_key, created_at FROM users WHERE id = ?", userID).
		Scan(&user.ID, &user.TotalChats, &user.TotalAnalyses, &user.PublicKey, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to query user: %w", err)
	}
	return &user, nil
}

// AddUserCounters increments the user's totals by the given deltas.
func (q *Queries) AddUserCounters(ctx context.Context, userID string, analyses, chats int) error {
	res, err := q.q.ExecContext(ctx, "UPDATE users SET total_analyses = total_analyses + ?, total_chats = total_chats + ? WHERE id = ?", analyses, chats, userID)
	if err != nil {
		return fmt.Errorf("failed to update user counters: %w", err)
	}
	return checkAffected(res, "user "+userID)
}

func (q *Queries) SetUserPublicKey(ctx context.Context, userID, publicKey string) error {
	res, err := q.q.ExecContext(ctx, "UPDATE users SET public_key = ? WHERE id = ?", publicKey, userID)
	if err != nil {
		return fmt.Errorf("failed to update public key: %w", err)
	}
	return checkAffected(res, "user "+userID)
}

// Chat methods

const chatColumns = "id, user_id, title, total_analyses, start_date, show_start_date, end_date, analysis_cutoff_date, created_at, updated_at"

func scanChat(sc scanner) (*Chat, error) {
	var chat Chat
	var cutoff sql.NullTime
	if err := sc.Scan(&chat.ID, &chat.UserID, &chat.Title, &chat.TotalAnalyses, &chat.StartDate, &chat.ShowStartDate,
		&chat.EndDate, &cutoff, &chat.CreatedAt, &chat.UpdatedAt); err != nil {
		return nil, err
	}
	chat.AnalysisCutoffDate = timePtr(cutoff)
	return &chat, nil
}

func (q *Queries) CreateChat(ctx context.Context, chat *Chat) error {
	if chat.ID == "" {
		chat.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	chat.CreatedAt, chat.UpdatedAt = now, now

	_, err := q.q.ExecContext(ctx, "INSERT INTO chats ("+chatColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		chat.ID, chat.UserID, chat.Title, chat.TotalAnalyses, chat.StartDate.UTC(), chat.ShowStartDate.UTC(),
		chat.EndDate.UTC(), nullTime(chat.AnalysisCutoffDate), chat.CreatedAt, chat.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to execute chat insert: %w", err)
	}
	return nil
}

func (q *Queries) GetChat(ctx context.Context, userID, chatID string) (*Chat, error) {
	chat, err := scanChat(q.q.QueryRowContext(ctx, "SELECT "+chatColumns+" FROM chats WHERE id = ? AND user_id = ?", chatID, userID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get chat: %w", err)
	}
	return chat, nil
}

func (q *Queries) ListChats(ctx context.Context, userID string) ([]Chat, error) {
	rows, err := q.q.QueryContext(ctx, "SELECT "+chatColumns+" FROM chats WHERE user_id = ? ORDER BY updated_at DESC, rowid DESC", userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query chats: %w", err)
	}
	defer rows.Close()

	var chats []Chat
	for rows.Next() {
		chat, err := scanChat(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan chat row: %w", err)
		}
		chats = append(chats, *chat)
	}
	return chats, rows.Err()
}

// AdvanceChat moves the bookmark to endDate and counts one more analysis.
func (q *Queries) AdvanceChat(ctx context.Context, chatID string, endDate time.Time) error {
	res, err := q.q.ExecContext(ctx, "UPDATE chats SET end_date = ?, total_analyses = total_analyses + 1, updated_at = ? WHERE id = ?",
		endDate.UTC(), time.Now().UTC(), chatID)
	if err != nil {
		return fmt.Errorf("failed to advance chat: %w", err)
	}
	return checkAffected(res, "chat "+chatID)
}

// ResetChat rewrites a chat without analyses as if it had just been created.
func (q *Queries) ResetChat(ctx context.Context, chatID, title string, start, end time.Time) error {
	res, err := q.q.ExecContext(ctx, "UPDATE chats SET title = ?, total_analyses = 1, start_date = ?, show_start_date = ?, end_date = ?, updated_at = ? WHERE id = ?",
		title, start.UTC(), start.UTC(), end.UTC(), time.Now().UTC(), chatID)
	if err != nil {
		return fmt.Errorf("failed to reset chat: %w", err)
	}
	return checkAffected(res, "chat "+chatID)
}

func (q *Queries) SetChatTitle(ctx context.Context, chatID, title string) error {
	res, err := q.q.ExecContext(ctx, "UPDATE chats SET title = ?, updated_at = ? WHERE id = ?", title, time.Now().UTC(), chatID)
	if err != nil {
		return fmt.Errorf("failed to update chat title: %w", err)
	}
	return checkAffected(res, "chat "+chatID)
}

func (q *Queries) SetChatEndDate(ctx context.Context, chatID string, endDate time.Time) error {
	res, err := q.q.ExecContext(ctx, "UPDATE chats SET end_date = ?, updated_at = ? WHERE id = ?", endDate.UTC(), time.Now().UTC(), chatID)
	if err != nil {
		return fmt.Errorf("failed to update chat end date: %w", err)
	}
	return checkAffected(res, "chat "+chatID)
}

// UpdateChatDates rewrites the visible range and adds delta to the analysis count.
func (q *Queries) UpdateChatDates(ctx context.Context, chatID string, showStart, end time.Time, delta int) error {
	res, err := q.q.ExecContext(ctx, "UPDATE chats SET show_start_date = ?, end_date = ?, total_analyses = total_analyses + ?, updated_at = ? WHERE id = ?",
		showStart.UTC(), end.UTC(), delta, time.Now().UTC(), chatID)
	if err != nil {
		return fmt.Errorf("failed to update chat dates: %w", err)
	}
	return checkAffected(res, "chat "+chatID)
}

func (q *Queries) SetChatCutoff(ctx context.Context, chatID string, cutoff *time.Time) error {
	res, err := q.q.ExecContext(ctx, "UPDATE chats SET analysis_cutoff_date = ?, updated_at = ? WHERE id = ?", nullTime(cutoff), time.Now().UTC(), chatID)
	if err != nil {
		return fmt.Errorf("failed to update chat cutoff: %w", err)
	}
	return checkAffected(res, "chat "+chatID)
}

// DeleteChat removes the chat with its analyses, participants and shares.
// Callers wrap it in a transaction.
func (q *Queries) DeleteChat(ctx context.Context, chatID string) error {
	stmts := []string{
		"DELETE FROM participants WHERE analysis_id IN (SELECT id FROM analyses WHERE chat_id = ?)",
		"DELETE FROM shares WHERE chat_id = ?",
		"DELETE FROM analyses WHERE chat_id = ?",
	}
	for _, stmt := range stmts {
		if _, err := q.q.ExecContext(ctx, stmt, chatID); err != nil {
			return fmt.Errorf("failed to delete chat children: %w", err)
		}
	}
	res, err := q.q.ExecContext(ctx, "DELETE FROM chats WHERE id = ?", chatID)
	if err != nil {
		return fmt.Errorf("failed to delete chat: %w", err)
	}
	return checkAffected(res, "chat "+chatID)
}

// Pending cutoff methods

// SetPendingCutoff stores the cutoff for the user's next new chat; nil clears it.
func (q *Queries) SetPendingCutoff(ctx context.Context, userID string, cutoff *time.Time) error {
	var err error
	if cutoff == nil {
		_, err = q.q.ExecContext(ctx, "DELETE FROM pending_cutoffs WHERE user_id = ?", userID)
	} else {
		_, err = q.q.ExecContext(ctx, `INSERT INTO pending_cutoffs (user_id, cutoff_date) VALUES (?, ?)
            ON CONFLICT(user_id) DO UPDATE SET cutoff_date = excluded.cutoff_date`, userID, cutoff.UTC())
	}
	if err != nil {
		return fmt.Errorf("failed to set pending cutoff: %w", err)
	}
	return nil
}

// PendingCutoff returns nil when the user has none.
func (q *Queries) PendingCutoff(ctx context.Context, userID string) (*time.Time, error) {
	var cutoff time.Time
	err := q.q.QueryRowContext(ctx, "SELECT cutoff_date FROM pending_cutoffs WHERE user_id = ?", userID).Scan(&cutoff)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query pending cutoff: %w", err)
	}
	return &cutoff, nil
}
