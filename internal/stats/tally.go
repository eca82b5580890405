// Package stats folds parsed transcript events into per-participant
// statistics and transcript segments, and persists them as a chat analysis.
package stats

import (
	"errors"
	"sort"
	"strings"
	"time"

	"gwi.com/chat-insights/internal/parser"
	"gwi.com/chat-insights/internal/store"
)

const (
	DefaultLinesPerSegment   = 50
	DefaultMaxParticipants   = 2
	DefaultMinMessages       = 8
	DefaultMaxFavoriteWords  = 3
	DefaultMaxFavoriteEmojis = 5

	primaryPrefix = "~"
)

// ErrCutoffReached is returned by Step for the first event after the cutoff.
// It stops the fold and is not a failure.
var ErrCutoffReached = errors.New("analysis cutoff reached")

type Options struct {
	// Bookmark makes the fold incremental: events at or before it are ignored.
	Bookmark *time.Time
	Cutoff   *time.Time

	LinesPerSegment   int
	MaxParticipants   int
	MinMessages       int
	MaxFavoriteWords  int
	MaxFavoriteEmojis int
}

func DefaultOptions() Options {
	return Options{
		LinesPerSegment:   DefaultLinesPerSegment,
		MaxParticipants:   DefaultMaxParticipants,
		MinMessages:       DefaultMinMessages,
		MaxFavoriteWords:  DefaultMaxFavoriteWords,
		MaxFavoriteEmojis: DefaultMaxFavoriteEmojis,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.LinesPerSegment <= 0 {
		o.LinesPerSegment = d.LinesPerSegment
	}
	if o.MaxParticipants <= 0 {
		o.MaxParticipants = d.MaxParticipants
	}
	if o.MinMessages <= 0 {
		o.MinMessages = d.MinMessages
	}
	if o.MaxFavoriteWords <= 0 {
		o.MaxFavoriteWords = d.MaxFavoriteWords
	}
	if o.MaxFavoriteEmojis <= 0 {
		o.MaxFavoriteEmojis = d.MaxFavoriteEmojis
	}
	return o
}

// Segment is one numbered chunk of normalised transcript lines.
type Segment struct {
	Index int // 1-based
	Text  string
}

type Outcome struct {
	// Counted is false for events that were skipped.
	Counted bool
	// Segment is set when the event completed a segment.
	Segment *Segment
}

// counter keeps frequencies with first-appearance order for tie breaking.
type counter struct {
	counts map[string]int
	order  []string
}

func newCounter() *counter {
	return &counter{counts: map[string]int{}}
}

func (c *counter) add(key string) {
	if c.counts[key] == 0 {
		c.order = append(c.order, key)
	}
	c.counts[key]++
}

func (c *counter) top(k int) []string {
	keys := append([]string(nil), c.order...)
	sort.SliceStable(keys, func(i, j int) bool { return c.counts[keys[i]] > c.counts[keys[j]] })
	if len(keys) > k {
		keys = keys[:k]
	}
	return keys
}

type participantAcc struct {
	name         string
	isPrimary    bool
	words        int
	deleted      int
	responseTime float64
	responses    int
	lastMessage  time.Time
	wordFreq     *counter
	emojiFreq    *counter
}

// Tally is the reducer over transcript events. It is not safe for
// concurrent use.
type Tally struct {
	opts        Options
	incremental bool
	floor       time.Time // bookmark as given
	bookmark    time.Time // start of the new content

	accs  map[string]*participantAcc
	order []string

	title         string
	primaryFound  bool
	current       string
	start, end    time.Time
	totalMessages int
	totalWords    int
	totalDeleted  int
	blocks        []store.Block
	cutOff        bool

	lines        []string
	segments     int
	contentLines int
}

func NewTally(opts Options) *Tally {
	opts = opts.withDefaults()
	t := &Tally{opts: opts, accs: map[string]*participantAcc{}}
	if opts.Bookmark != nil {
		t.incremental = true
		t.floor, t.bookmark = *opts.Bookmark, *opts.Bookmark
	}
	return t
}

// Step folds one event into the tally.
func (t *Tally) Step(ev parser.Event) (Outcome, error) {
	if t.cutOff {
		return Outcome{}, ErrCutoffReached
	}
	if t.opts.Cutoff != nil && ev.Timestamp.After(*t.opts.Cutoff) {
		t.cutOff = true
		return Outcome{}, ErrCutoffReached
	}

	if ev.Kind == parser.KindStarter {
		t.restart(ev)
		return Outcome{}, nil
	}
	if t.totalMessages == 0 {
		t.restart(ev)
	}
	if t.incremental && !ev.Timestamp.After(t.floor) {
		return Outcome{}, nil
	}

	t.totalMessages++
	if t.current == "" {
		t.current = ev.Participant
	}

	acc, ok := t.accs[ev.Participant]
	if !ok {
		if len(t.accs) >= t.opts.MaxParticipants {
			return Outcome{}, tooManyParticipants(t.opts.MaxParticipants)
		}
		acc = t.addParticipant(ev.Participant)
	}

	if ev.Kind == parser.KindSystem {
		acc.lastMessage = ev.Timestamp
		t.end = ev.Timestamp
		return Outcome{Counted: true}, nil
	}

	if t.current != ev.Participant {
		if prev, ok := t.accs[t.current]; ok {
			if gap := ev.Timestamp.Sub(prev.lastMessage).Seconds(); gap > 0 {
				acc.responseTime += gap
				acc.responses++
			}
		}
		t.current = ev.Participant
	}
	acc.lastMessage = ev.Timestamp
	t.end = ev.Timestamp

	var out Outcome
	out.Counted = true
	switch ev.Kind {
	case parser.KindDeleted:
		acc.deleted++
		t.totalDeleted++
	case parser.KindBlock:
		t.blocks = append(t.blocks, store.Block{Blockee: ev.Participant, Timestamp: ev.Timestamp})
	case parser.KindContent:
		for _, e := range parser.ExtractEmojis(ev.RawText) {
			acc.emojiFreq.add(e)
		}
		words, n := parser.Tokenize(ev.RawText)
		for _, w := range words {
			acc.wordFreq.add(w)
		}
		acc.words += n
		t.totalWords += n

		t.lines = append(t.lines, parser.FormatLine(ev))
		t.contentLines++
		if len(t.lines) >= t.opts.LinesPerSegment {
			out.Segment = t.Flush()
		}
	}
	return out, nil
}

// restart resets the chat title and start time at a chat starter or the
// first message of the stream.
func (t *Tally) restart(ev parser.Event) {
	t.title = ev.Participant
	t.start, t.end = ev.Timestamp, ev.Timestamp
	if t.incremental {
		if t.start.After(t.bookmark) {
			t.bookmark = t.start
		} else {
			t.start = t.bookmark
		}
	}
}

func (t *Tally) addParticipant(name string) *participantAcc {
	acc := &participantAcc{
		name:      name,
		wordFreq:  newCounter(),
		emojiFreq: newCounter(),
	}
	if t.incremental {
		acc.lastMessage = t.bookmark
	} else {
		acc.lastMessage = t.start
	}
	if !t.primaryFound && strings.HasPrefix(name, primaryPrefix) {
		acc.isPrimary = true
		t.primaryFound = true
	}
	if strings.HasPrefix(t.title, primaryPrefix) {
		t.title = name
	}
	t.accs[name] = acc
	t.order = append(t.order, name)
	return acc
}

// Flush returns the buffered lines as a segment, or nil when the buffer is
// empty.
func (t *Tally) Flush() *Segment {
	if len(t.lines) == 0 {
		return nil
	}
	t.segments++
	seg := &Segment{Index: t.segments, Text: strings.Join(t.lines, "\n") + "\n"}
	t.lines = t.lines[:0]
	return seg
}

type ParticipantSnapshot struct {
	Name            string
	IsPrimary       bool
	Words           int
	DeletedMessages int
	// TotalResponseTime is in seconds.
	TotalResponseTime float64
	Responses         int
	FavoriteWords     []string
	FavoriteEmojis    []string
	DistinctEmojis    int
}

// AverageResponseTime is in seconds, 0 without responses.
func (p ParticipantSnapshot) AverageResponseTime() float64 {
	if p.Responses == 0 {
		return 0
	}
	return p.TotalResponseTime / float64(p.Responses)
}

// Summary is an immutable view of a tally.
type Summary struct {
	Participants  []ParticipantSnapshot // first-seen order
	Title         string
	Start, End    time.Time
	Bookmark      time.Time
	Incremental   bool
	CutOff        bool
	TotalMessages int
	TotalWords    int
	TotalDeleted  int
	Blocks        []store.Block
	ContentLines  int
	NumSegments   int
}

func (t *Tally) Snapshot() Summary {
	s := Summary{
		Title:         t.title,
		Start:         t.start,
		End:           t.end,
		Bookmark:      t.bookmark,
		Incremental:   t.incremental,
		CutOff:        t.cutOff,
		TotalMessages: t.totalMessages,
		TotalWords:    t.totalWords,
		TotalDeleted:  t.totalDeleted,
		Blocks:        append([]store.Block(nil), t.blocks...),
		ContentLines:  t.contentLines,
		NumSegments:   t.segments,
	}
	if len(t.lines) > 0 {
		s.NumSegments++
	}
	for _, name := range t.order {
		acc := t.accs[name]
		s.Participants = append(s.Participants, ParticipantSnapshot{
			Name:              acc.name,
			IsPrimary:         acc.isPrimary,
			Words:             acc.words,
			DeletedMessages:   acc.deleted,
			TotalResponseTime: acc.responseTime,
			Responses:         acc.responses,
			FavoriteWords:     acc.wordFreq.top(t.opts.MaxFavoriteWords),
			FavoriteEmojis:    acc.emojiFreq.top(t.opts.MaxFavoriteEmojis),
			DistinctEmojis:    len(acc.emojiFreq.order),
		})
	}
	if s.Title == "" {
		for _, p := range s.Participants {
			if !p.IsPrimary {
				s.Title = p.Name
				break
			}
		}
	}
	return s
}

// EffectiveEnd is the cutoff when the fold was truncated, else the time of
// the last counted event.
func (s Summary) EffectiveEnd(cutoff *time.Time) time.Time {
	if s.CutOff && cutoff != nil {
		return *cutoff
	}
	return s.End
}

// Check enforces the minimum content guard.
func (s Summary) Check(minMessages int) error {
	if len(s.Participants) > 0 && s.TotalWords > 0 && s.TotalMessages >= minMessages {
		return nil
	}
	switch {
	case s.Incremental:
		return &UserError{Message: msgNotEnoughIncremental}
	case s.CutOff:
		return &UserError{Message: msgCutoffTooRecent}
	default:
		return &UserError{Message: msgNotEnoughFirstRun}
	}
}

// Fold runs a whole event stream through a fresh tally and returns the
// summary and every segment, the trailing partial one included.
func Fold(events []parser.Event, opts Options) (Summary, []Segment, error) {
	t := NewTally(opts)
	var segments []Segment
	for _, ev := range events {
		out, err := t.Step(ev)
		if errors.Is(err, ErrCutoffReached) {
			break
		}
		if err != nil {
			return Summary{}, nil, err
		}
		if out.Segment != nil {
			segments = append(segments, *out.Segment)
		}
	}
	if seg := t.Flush(); seg != nil {
		segments = append(segments, *seg)
	}
	return t.Snapshot(), segments, nil
}
