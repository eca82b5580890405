package stats

import (
	"errors"
	"math"
	"reflect"
	"strings"
	"testing"
	"time"

	"gwi.com/chat-insights/internal/parser"
)

var t0 = time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

func content(name string, minute int, text string) parser.Event {
	return parser.Event{Participant: name, Timestamp: t0.Add(time.Duration(minute) * time.Minute), RawText: text, Kind: parser.KindContent}
}

func conversation(n int) []parser.Event {
	var events []parser.Event
	for i := 0; i < n; i++ {
		if i%2 == 0 {
			events = append(events, content("~Alice", i, "pizza tonight maybe"))
		} else {
			events = append(events, content("Bob", i, "sounds good"))
		}
	}
	return events
}

func TestFoldFirstRunSummary(t *testing.T) {
	t.Parallel()

	summary, segments, err := Fold(conversation(10), DefaultOptions())
	if err != nil {
		t.Fatalf("Fold: %v", err)
	}
	if len(summary.Participants) != 2 {
		t.Fatalf("participants = %d, want 2", len(summary.Participants))
	}
	alice, bob := summary.Participants[0], summary.Participants[1]
	if !alice.IsPrimary || bob.IsPrimary {
		t.Fatalf("primary flags = %v/%v, want true/false", alice.IsPrimary, bob.IsPrimary)
	}
	if alice.Words != 15 || bob.Words != 10 || summary.TotalWords != 25 {
		t.Fatalf("words = %d/%d total %d, want 15/10 total 25", alice.Words, bob.Words, summary.TotalWords)
	}
	if summary.Title != "Bob" {
		t.Fatalf("title = %q, want Bob", summary.Title)
	}
	if summary.TotalMessages != 10 || summary.NumSegments != 1 || len(segments) != 1 {
		t.Fatalf("messages=%d segments=%d/%d", summary.TotalMessages, summary.NumSegments, len(segments))
	}
	if !summary.Start.Equal(t0) || !summary.End.Equal(t0.Add(9*time.Minute)) {
		t.Fatalf("range = %v..%v", summary.Start, summary.End)
	}
	if err := summary.Check(DefaultMinMessages); err != nil {
		t.Fatalf("Check: %v", err)
	}
}

func TestFoldRejectsThirdParticipant(t *testing.T) {
	t.Parallel()

	events := append(conversation(4), content("Carol", 5, "hi all"))
	_, _, err := Fold(events, DefaultOptions())
	if !errors.Is(err, ErrTooManyParticipants) {
		t.Fatalf("err = %v, want ErrTooManyParticipants", err)
	}
	var ue *UserError
	if !errors.As(err, &ue) || !strings.Contains(ue.Message, "Maximum allowed is 2") {
		t.Fatalf("user error = %v", err)
	}
}

func TestFoldSegmentCount(t *testing.T) {
	t.Parallel()

	tests := []struct {
		lines, perSegment, want int
	}{
		{7, 3, 3},
		{6, 3, 2},
		{1, 50, 1},
		{100, 50, 2},
		{101, 50, 3},
	}
	for _, tt := range tests {
		opts := DefaultOptions()
		opts.LinesPerSegment = tt.perSegment
		summary, segments, err := Fold(conversation(tt.lines), opts)
		if err != nil {
			t.Fatalf("Fold: %v", err)
		}
		if len(segments) != tt.want || summary.NumSegments != tt.want {
			t.Fatalf("%d lines / %d = %d segments (summary %d), want %d", tt.lines, tt.perSegment, len(segments), summary.NumSegments, tt.want)
		}
		for i, seg := range segments {
			if seg.Index != i+1 {
				t.Fatalf("segment %d has index %d", i, seg.Index)
			}
		}
		if got := strings.Count(segments[0].Text, "\n"); got != min(tt.lines, tt.perSegment) {
			t.Fatalf("first segment has %d lines", got)
		}
	}
}

func TestFoldSegmentLineFormat(t *testing.T) {
	t.Parallel()

	_, segments, err := Fold(conversation(2), DefaultOptions())
	if err != nil {
		t.Fatalf("Fold: %v", err)
	}
	want := "[01/01/2024, 10:00:00] ~Alice: pizza tonight maybe\n[01/01/2024, 10:01:00] Bob: sounds good\n"
	if segments[0].Text != want {
		t.Fatalf("segment = %q, want %q", segments[0].Text, want)
	}
}

func TestFoldBookmarkSkipsAnalysedContent(t *testing.T) {
	t.Parallel()

	bookmark := t0.Add(9 * time.Minute)
	opts := DefaultOptions()
	opts.Bookmark = &bookmark

	summary, segments, err := Fold(conversation(10), opts)
	if err != nil {
		t.Fatalf("Fold: %v", err)
	}
	if summary.TotalMessages != 0 || len(segments) != 0 {
		t.Fatalf("re-run counted %d messages, %d segments", summary.TotalMessages, len(segments))
	}
	err = summary.Check(DefaultMinMessages)
	var ue *UserError
	if !errors.As(err, &ue) || ue.Message != msgNotEnoughIncremental {
		t.Fatalf("Check = %v, want incremental minimum-content error", err)
	}

	events := append(conversation(10), content("Bob", 30, "new stuff here"), content("~Alice", 31, "yes"))
	summary, _, err = Fold(events, opts)
	if err != nil {
		t.Fatalf("Fold: %v", err)
	}
	if summary.TotalMessages != 2 {
		t.Fatalf("incremental messages = %d, want 2", summary.TotalMessages)
	}
	if !summary.Bookmark.Equal(t0.Add(30*time.Minute)) || !summary.Start.Equal(summary.Bookmark) {
		t.Fatalf("bookmark = %v start = %v", summary.Bookmark, summary.Start)
	}
}

func TestFoldCutoffTruncates(t *testing.T) {
	t.Parallel()

	cutoff := t0.Add(3*time.Minute + 30*time.Second)
	opts := DefaultOptions()
	opts.Cutoff = &cutoff

	summary, _, err := Fold(conversation(10), opts)
	if err != nil {
		t.Fatalf("Fold: %v", err)
	}
	if !summary.CutOff || summary.TotalMessages != 4 {
		t.Fatalf("cutOff=%v messages=%d, want true/4", summary.CutOff, summary.TotalMessages)
	}
	if got := summary.EffectiveEnd(&cutoff); !got.Equal(cutoff) {
		t.Fatalf("EffectiveEnd = %v, want %v", got, cutoff)
	}
	var ue *UserError
	if err := summary.Check(DefaultMinMessages); !errors.As(err, &ue) || ue.Message != msgCutoffTooRecent {
		t.Fatalf("Check = %v, want cutoff message", err)
	}
}

func TestFoldResponseTimes(t *testing.T) {
	t.Parallel()

	events := []parser.Event{
		content("Alice", 0, "hello"),
		content("Bob", 5, "hi"),
		content("Bob", 6, "again"),
		content("Alice", 16, "back"),
	}
	summary, _, err := Fold(events, DefaultOptions())
	if err != nil {
		t.Fatalf("Fold: %v", err)
	}
	alice, bob := summary.Participants[0], summary.Participants[1]
	if bob.Responses != 1 || bob.AverageResponseTime() != 300 {
		t.Fatalf("bob responses=%d avg=%v, want 1/300", bob.Responses, bob.AverageResponseTime())
	}
	if alice.Responses != 1 || alice.AverageResponseTime() != 600 {
		t.Fatalf("alice responses=%d avg=%v, want 1/600", alice.Responses, alice.AverageResponseTime())
	}
}

func TestFoldFavouritesAndMarkers(t *testing.T) {
	t.Parallel()

	events := []parser.Event{
		content("Alice", 0, "beer pizza 😂"),
		content("Alice", 1, "pizza beer wine 🎉😂"),
		content("Alice", 2, "coffee tea"),
		{Participant: "Alice", Timestamp: t0.Add(3 * time.Minute), Kind: parser.KindDeleted, IsDeleted: true},
		{Participant: "Bob", Timestamp: t0.Add(4 * time.Minute), Kind: parser.KindBlock, IsBlockEvent: true},
		{Participant: "Bob", Timestamp: t0.Add(5 * time.Minute), Kind: parser.KindNotice},
	}
	summary, _, err := Fold(events, DefaultOptions())
	if err != nil {
		t.Fatalf("Fold: %v", err)
	}
	alice := summary.Participants[0]
	if want := []string{"beer", "pizza", "wine"}; !reflect.DeepEqual(alice.FavoriteWords, want) {
		t.Fatalf("favorite words = %v, want %v", alice.FavoriteWords, want)
	}
	if want := []string{"😂", "🎉"}; !reflect.DeepEqual(alice.FavoriteEmojis, want) {
		t.Fatalf("favorite emojis = %v, want %v", alice.FavoriteEmojis, want)
	}
	if alice.DistinctEmojis != 2 || alice.DeletedMessages != 1 || summary.TotalDeleted != 1 {
		t.Fatalf("alice = %+v", alice)
	}
	if len(summary.Blocks) != 1 || summary.Blocks[0].Blockee != "Bob" {
		t.Fatalf("blocks = %+v", summary.Blocks)
	}
	if summary.TotalMessages != 6 || summary.ContentLines != 3 {
		t.Fatalf("messages=%d contentLines=%d, want 6/3", summary.TotalMessages, summary.ContentLines)
	}
}

func TestFoldChatStarterResetsTitleAndStart(t *testing.T) {
	t.Parallel()

	events := append(conversation(2),
		parser.Event{Participant: "Carol", Timestamp: t0.Add(5 * time.Minute), Kind: parser.KindStarter},
		content("Bob", 6, "still here"),
	)
	summary, _, err := Fold(events, DefaultOptions())
	if err != nil {
		t.Fatalf("Fold: %v", err)
	}
	if len(summary.Participants) != 2 || summary.TotalMessages != 3 {
		t.Fatalf("starter counted: %d participants, %d messages", len(summary.Participants), summary.TotalMessages)
	}
	if summary.Title != "Carol" || !summary.Start.Equal(t0.Add(5*time.Minute)) {
		t.Fatalf("title = %q start = %v", summary.Title, summary.Start)
	}
}

func TestAverageResponseTimeZeroWithoutResponses(t *testing.T) {
	t.Parallel()
	if got := (ParticipantSnapshot{}).AverageResponseTime(); got != 0 || math.IsNaN(got) {
		t.Fatalf("AverageResponseTime = %v, want 0", got)
	}
}
