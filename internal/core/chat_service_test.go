package core

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"gwi.com/chat-insights/internal/analyzer"
	"gwi.com/chat-insights/internal/logger"
	"gwi.com/chat-insights/internal/queue"
	"gwi.com/chat-insights/internal/store"
)

// analyze runs one upload through the whole pipeline and drains the queue.
func (p *pipeline) analyze(t *testing.T, chatID, fid string, lines []string) *StartResult {
	t.Helper()
	ctx := context.Background()
	p.upload(t, fid, lines)
	res, err := p.service.StartAnalysis(ctx, "u1", chatID, fid)
	if err != nil {
		t.Fatalf("StartAnalysis(%s): %v", fid, err)
	}
	for p.queue.Len() > 0 {
		if err := p.worker.Handle(ctx, p.next(t)); err != nil {
			t.Fatalf("handle task: %v", err)
		}
	}
	return res
}

func chatFixture(t *testing.T) (*pipeline, *ChatService, *StartResult, *StartResult) {
	t.Helper()
	p := newPipeline(t, staticAnalyzer{}, 0)
	first := p.analyze(t, "", "f1", conversation(1, 20))
	second := p.analyze(t, first.ChatID, "f2", append(conversation(1, 20), conversation(2, 20)...))
	return p, NewChatService(p.store, time.UTC, logger.Nop()), first, second
}

func participantByName(t *testing.T, s *store.SQLiteStore, analysisID, name string) *store.Participant {
	t.Helper()
	ps, err := s.ListParticipants(context.Background(), analysisID)
	if err != nil {
		t.Fatalf("ListParticipants: %v", err)
	}
	for i := range ps {
		if ps[i].Name == name {
			return &ps[i]
		}
	}
	t.Fatalf("participant %q not in analysis %s", name, analysisID)
	return nil
}

func TestGetChatListsAnalysesNewestFirst(t *testing.T) {
	t.Parallel()
	_, svc, first, second := chatFixture(t)

	details, err := svc.GetChat(context.Background(), "u1", first.ChatID)
	if err != nil {
		t.Fatalf("GetChat: %v", err)
	}
	if details.TotalAnalyses != 2 || len(details.Analyses) != 2 {
		t.Fatalf("chat = %+v", details)
	}
	if details.Analyses[0].ID != second.AnalysisID || details.Analyses[1].ID != first.AnalysisID {
		t.Fatalf("analyses out of order: %s, %s", details.Analyses[0].ID, details.Analyses[1].ID)
	}
	if _, err := svc.GetChat(context.Background(), "someone-else", first.ChatID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("foreign GetChat err = %v", err)
	}
}

func TestDeleteNewestAnalysisRewindsBookmark(t *testing.T) {
	t.Parallel()
	p, svc, first, second := chatFixture(t)
	ctx := context.Background()
	older, _ := p.store.GetAnalysis(ctx, first.AnalysisID)

	if err := svc.DeleteAnalysis(ctx, "u1", first.ChatID, second.AnalysisID); err != nil {
		t.Fatalf("DeleteAnalysis: %v", err)
	}
	chat, _ := p.store.GetChat(ctx, "u1", first.ChatID)
	if !chat.EndDate.Equal(older.EndDate) {
		t.Fatalf("endDate = %v, want %v", chat.EndDate, older.EndDate)
	}
	if chat.TotalAnalyses != 1 {
		t.Fatalf("totalAnalyses = %d, want 1", chat.TotalAnalyses)
	}
	if _, err := svc.GetAnalysis(ctx, "u1", first.ChatID, second.AnalysisID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("deleted analysis still readable: %v", err)
	}
}

func TestDeleteOldestAnalysisMovesVisibleStart(t *testing.T) {
	t.Parallel()
	p, svc, first, second := chatFixture(t)
	ctx := context.Background()
	newer, _ := p.store.GetAnalysis(ctx, second.AnalysisID)

	if err := svc.DeleteAnalysis(ctx, "u1", first.ChatID, first.AnalysisID); err != nil {
		t.Fatalf("DeleteAnalysis: %v", err)
	}
	chat, _ := p.store.GetChat(ctx, "u1", first.ChatID)
	if !chat.ShowStartDate.Equal(newer.StartDate) {
		t.Fatalf("showStartDate = %v, want %v", chat.ShowStartDate, newer.StartDate)
	}
	if !chat.EndDate.Equal(newer.EndDate) {
		t.Fatalf("endDate moved to %v", chat.EndDate)
	}
}

func TestDeleteChatUpdatesUserCounters(t *testing.T) {
	t.Parallel()
	p, svc, first, _ := chatFixture(t)
	ctx := context.Background()

	if err := svc.DeleteChat(ctx, "u1", first.ChatID); err != nil {
		t.Fatalf("DeleteChat: %v", err)
	}
	user, err := svc.GetUser(ctx, "u1")
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if user.TotalChats != 0 {
		t.Fatalf("totalChats = %d, want 0", user.TotalChats)
	}
	if _, err := p.store.GetAnalysis(ctx, first.AnalysisID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("analysis survived chat deletion: %v", err)
	}
}

func TestRenameChat(t *testing.T) {
	t.Parallel()
	p, svc, first, _ := chatFixture(t)
	ctx := context.Background()

	if err := svc.RenameChat(ctx, "u1", first.ChatID, "   "); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("blank title err = %v", err)
	}
	if err := svc.RenameChat(ctx, "u1", first.ChatID, " Pizza club "); err != nil {
		t.Fatalf("RenameChat: %v", err)
	}
	chat, _ := p.store.GetChat(ctx, "u1", first.ChatID)
	if chat.Title != "Pizza club" {
		t.Fatalf("title = %q", chat.Title)
	}
}

func TestSetAnalysisCutoffEndOfDay(t *testing.T) {
	t.Parallel()
	p := newPipeline(t, staticAnalyzer{}, 0)
	first := p.analyze(t, "", "f1", conversation(1, 20))
	loc := time.FixedZone("EET", 2*60*60)
	svc := NewChatService(p.store, loc, logger.Nop())
	ctx := context.Background()

	day := time.Date(2024, 1, 5, 8, 30, 0, 0, loc)
	if err := svc.SetAnalysisCutoff(ctx, "u1", first.ChatID, &day); err != nil {
		t.Fatalf("SetAnalysisCutoff: %v", err)
	}
	chat, _ := p.store.GetChat(ctx, "u1", first.ChatID)
	want := time.Date(2024, 1, 5, 23, 59, 59, int(999*time.Millisecond), loc)
	if chat.AnalysisCutoffDate == nil || !chat.AnalysisCutoffDate.Equal(want) {
		t.Fatalf("cutoff = %v, want %v", chat.AnalysisCutoffDate, want)
	}

	if err := svc.SetAnalysisCutoff(ctx, "u1", "", &day); err != nil {
		t.Fatalf("pending cutoff: %v", err)
	}
	pending, err := p.store.PendingCutoff(ctx, "u1")
	if err != nil || pending == nil || !pending.Equal(want) {
		t.Fatalf("pending cutoff = %v, %v", pending, err)
	}

	if err := svc.SetAnalysisCutoff(ctx, "u1", first.ChatID, nil); err != nil {
		t.Fatalf("clear cutoff: %v", err)
	}
	chat, _ = p.store.GetChat(ctx, "u1", first.ChatID)
	if chat.AnalysisCutoffDate != nil {
		t.Fatalf("cutoff not cleared: %v", chat.AnalysisCutoffDate)
	}
}

func TestUpdateParticipantMovesPrimary(t *testing.T) {
	t.Parallel()
	p := newPipeline(t, staticAnalyzer{}, 0)
	res := p.analyze(t, "", "f1", conversation(1, 20))
	svc := NewChatService(p.store, time.UTC, logger.Nop())
	ctx := context.Background()

	alice := participantByName(t, p.store, res.AnalysisID, "~Alice")
	if !alice.IsPrimary {
		t.Fatalf("~Alice should start as primary")
	}
	off := false
	if err := svc.UpdateParticipant(ctx, "u1", res.ChatID, res.AnalysisID, alice.ID, ParticipantUpdate{IsPrimary: &off}); err != nil {
		t.Fatalf("UpdateParticipant: %v", err)
	}
	if participantByName(t, p.store, res.AnalysisID, "~Alice").IsPrimary {
		t.Fatal("~Alice still primary")
	}
	if !participantByName(t, p.store, res.AnalysisID, "Bob").IsPrimary {
		t.Fatal("primary flag not handed to Bob")
	}

	name := "Alice"
	if err := svc.UpdateParticipant(ctx, "u1", res.ChatID, res.AnalysisID, alice.ID, ParticipantUpdate{Name: &name}); err != nil {
		t.Fatalf("rename: %v", err)
	}
	renamed := participantByName(t, p.store, res.AnalysisID, "Alice")
	if renamed.DefaultName != "~Alice" {
		t.Fatalf("defaultName = %q, want ~Alice", renamed.DefaultName)
	}

	if err := svc.UpdateParticipant(ctx, "u1", res.ChatID, res.AnalysisID, "missing", ParticipantUpdate{Name: &name}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("unknown participant err = %v", err)
	}
}

func TestSyncParticipantMovesModelScores(t *testing.T) {
	t.Parallel()
	p := newPipeline(t, staticAnalyzer{}, 0)
	res := p.analyze(t, "", "f1", conversation(1, 20))
	svc := NewChatService(p.store, time.UTC, logger.Nop())
	ctx := context.Background()

	bob := participantByName(t, p.store, res.AnalysisID, "Bob")
	ghost := &store.Participant{
		AnalysisID:  res.AnalysisID,
		Name:        "Robert",
		DefaultName: "Robert",
		AIMismatch:  true,
		Personality: "Adventurer",
		Scores:      analyzer.Scores{analyzer.Humor: 0.9},
		AIBatches:   2,
	}
	if err := p.store.PutParticipant(ctx, ghost); err != nil {
		t.Fatalf("PutParticipant: %v", err)
	}
	if err := p.store.AddAnalysisParticipants(ctx, res.AnalysisID, 1); err != nil {
		t.Fatalf("AddAnalysisParticipants: %v", err)
	}

	if err := svc.SyncParticipant(ctx, "u1", res.ChatID, res.AnalysisID, ghost.ID, ghost.ID); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("self sync err = %v", err)
	}
	if err := svc.SyncParticipant(ctx, "u1", res.ChatID, res.AnalysisID, ghost.ID, bob.ID); err != nil {
		t.Fatalf("SyncParticipant: %v", err)
	}

	got := participantByName(t, p.store, res.AnalysisID, "Bob")
	if got.Personality != "Adventurer" || got.Scores[analyzer.Humor] != 0.9 {
		t.Fatalf("bob after sync = %+v", got)
	}
	if _, err := p.store.GetParticipant(ctx, res.AnalysisID, ghost.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("mismatch participant not removed: %v", err)
	}
	analysis, _ := p.store.GetAnalysis(ctx, res.AnalysisID)
	if analysis.TotalParticipants != 2 {
		t.Fatalf("totalParticipants = %d, want 2", analysis.TotalParticipants)
	}
}

func TestSyncNewParticipantAgainstPrevious(t *testing.T) {
	t.Parallel()
	p := newPipeline(t, staticAnalyzer{}, 0)
	ctx := context.Background()
	first := p.analyze(t, "", "f1", conversation(1, 20))
	renamed := conversation(2, 20)
	for i := range renamed {
		renamed[i] = strings.Replace(renamed[i], " Bob:", " Bobby:", 1)
	}
	second := p.analyze(t, first.ChatID, "f2", append(conversation(1, 20), renamed...))
	svc := NewChatService(p.store, time.UTC, logger.Nop())

	bobby := participantByName(t, p.store, second.AnalysisID, "Bobby")
	if !bobby.IsNew || bobby.PrevAnalysisID != first.AnalysisID {
		t.Fatalf("bobby = %+v, want new with previous analysis", bobby)
	}
	bob := participantByName(t, p.store, first.AnalysisID, "Bob")
	if err := svc.SyncParticipant(ctx, "u1", first.ChatID, second.AnalysisID, bobby.ID, bob.ID); err != nil {
		t.Fatalf("SyncParticipant: %v", err)
	}
	synced := participantByName(t, p.store, second.AnalysisID, "Bobby")
	if synced.IsNew {
		t.Fatal("participant still flagged new")
	}
	if synced.PreviousPersonality != bob.Personality {
		t.Fatalf("previousPersonality = %q, want %q", synced.PreviousPersonality, bob.Personality)
	}
}

func TestShareAnalysis(t *testing.T) {
	t.Parallel()
	p := newPipeline(t, staticAnalyzer{}, 0)
	ctx := context.Background()
	svc := NewChatService(p.store, time.UTC, logger.Nop())
	done := p.analyze(t, "", "f1", conversation(1, 20))

	share, err := svc.ShareAnalysis(ctx, "u1", done.ChatID, done.AnalysisID)
	if err != nil {
		t.Fatalf("ShareAnalysis: %v", err)
	}
	if !strings.HasSuffix(share.Title, ": January 1, 2024 - January 1, 2024") {
		t.Fatalf("title = %q", share.Title)
	}
	again, err := svc.ShareAnalysis(ctx, "u1", done.ChatID, done.AnalysisID)
	if err != nil {
		t.Fatalf("re-share: %v", err)
	}
	if again.ID != share.ID {
		t.Fatalf("re-share id = %s, want %s", again.ID, share.ID)
	}

	public, err := svc.GetShare(ctx, share.ID)
	if err != nil {
		t.Fatalf("GetShare: %v", err)
	}
	if public.Analysis.ID != done.AnalysisID || len(public.Participants) != 2 {
		t.Fatalf("snapshot = %+v", public)
	}
	list, _ := svc.ListShares(ctx, "u1")
	if len(list) != 1 {
		t.Fatalf("ListShares = %d, want 1", len(list))
	}

	if err := svc.DeleteShare(ctx, "intruder", share.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("foreign DeleteShare err = %v", err)
	}
	if err := svc.DeleteShare(ctx, "u1", share.ID); err != nil {
		t.Fatalf("DeleteShare: %v", err)
	}
	analysis, _ := p.store.GetAnalysis(ctx, done.AnalysisID)
	if analysis.ShareID != nil {
		t.Fatalf("analysis still linked to share %s", *analysis.ShareID)
	}
}

func TestShareRequiresCompleteAnalysis(t *testing.T) {
	t.Parallel()
	p := newPipeline(t, staticAnalyzer{}, 0)
	ctx := context.Background()
	p.upload(t, "f1", conversation(1, 20))
	res, err := p.service.StartAnalysis(ctx, "u1", "", "f1")
	if err != nil {
		t.Fatalf("StartAnalysis: %v", err)
	}
	if task := p.next(t); task.Type != queue.TaskRunAnalysis {
		t.Fatalf("task = %+v", task)
	}

	svc := NewChatService(p.store, time.UTC, logger.Nop())
	if _, err := svc.ShareAnalysis(ctx, "u1", res.ChatID, res.AnalysisID); !errors.Is(err, ErrNotComplete) {
		t.Fatalf("err = %v, want ErrNotComplete", err)
	}
}
