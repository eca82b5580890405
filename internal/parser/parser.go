// Package parser turns exported chat transcripts into message events.
package parser

import (
	"bufio"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const (
	lrm = "\u200e"

	mediaOmitted = "<Media omitted>"
	editedMarker = "<This message was edited>"
)

// ChatStarters are system lines that open a chat export. They reset the chat
// title and start time and carry no statistics.
var ChatStarters = []string{
	"Messages and calls are end-to-end encrypted. No one outside of this chat, not even WhatsApp, can read or listen to them.",
	"Waiting for this message. This may take a while.",
}

var (
	deletedMarkers = []string{"You deleted this message", "This message was deleted"}
	blockMarkers   = []string{"You blocked this business", "You blocked this contact"}
)

var (
	// [DD/MM/YYYY, HH:MM:SS] Name: message
	appleLine = regexp.MustCompile(`^\x{200E}?\[(\d{2}/\d{2}/\d{4}, \d{2}:\d{2}:\d{2})\] ([^:]+): (.*)$`)
	// D/M/YY, H:MM[ AM|PM] - Name: message
	androidLine = regexp.MustCompile(`^(\d{1,2}/\d{1,2}/\d{2,4},\s\d{1,2}:\d{2}(?:[\s\x{202F}](?:AM|PM|am|pm))?)\s-\s([^:]+):\s(.*)$`)
)

type Kind int

const (
	KindContent Kind = iota
	KindDeleted
	KindBlock
	// KindNotice is an LRM-marked line that is not content, e.g. "image omitted".
	KindNotice
	// KindSystem is a line starting with the reserved LRM prefix.
	KindSystem
	KindStarter
)

func (k Kind) String() string {
	switch k {
	case KindContent:
		return "content"
	case KindDeleted:
		return "deleted"
	case KindBlock:
		return "block"
	case KindNotice:
		return "notice"
	case KindSystem:
		return "system"
	case KindStarter:
		return "starter"
	default:
		return "unknown(" + strconv.Itoa(int(k)) + ")"
	}
}

// Event is one logical transcript message. RawText includes any continuation
// lines joined with a single space.
type Event struct {
	Participant  string
	Timestamp    time.Time
	RawText      string
	Kind         Kind
	IsEdited     bool
	IsDeleted    bool
	IsBlockEvent bool
}

type Parser struct {
	loc      *time.Location
	starters []string
}

// New returns a parser that interprets timestamps in loc. With no starters
// given, ChatStarters is used.
func New(loc *time.Location, starters ...string) *Parser {
	if loc == nil {
		loc = time.UTC
	}
	if len(starters) == 0 {
		starters = ChatStarters
	}
	return &Parser{loc: loc, starters: starters}
}

// Parse reads r line by line and calls fn for every message event in
// transcript order. An error from fn stops parsing and is returned as is.
func (p *Parser) Parse(r io.Reader, fn func(Event) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	var pending *Event
	dropping := false
	first := true

	flush := func() error {
		if pending == nil {
			return nil
		}
		ev := *pending
		pending = nil
		return fn(ev)
	}

	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if first {
			line = strings.TrimPrefix(line, "\ufeff")
			first = false
		}

		m := appleLine.FindStringSubmatch(line)
		if m == nil {
			m = androidLine.FindStringSubmatch(line)
		}
		if m == nil {
			if dropping || pending == nil {
				continue
			}
			cont := strings.TrimSpace(strings.ReplaceAll(line, lrm+editedMarker, ""))
			if cont == "" || pending.Kind != KindContent {
				continue
			}
			pending.RawText += " " + cont
			continue
		}

		if err := flush(); err != nil {
			return err
		}

		ts, err := ParseTimestamp(m[1], p.loc)
		if err != nil {
			return fmt.Errorf("failed to parse timestamp %q: %w", m[1], err)
		}
		ev, keep := p.classify(line, strings.TrimSpace(m[2]), m[3])
		ev.Timestamp = ts
		dropping = !keep
		if keep {
			pending = &ev
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read transcript: %w", err)
	}
	return flush()
}

func (p *Parser) classify(line, participant, message string) (Event, bool) {
	ev := Event{Participant: participant}

	for _, s := range p.starters {
		if strings.Contains(message, s) {
			ev.Kind = KindStarter
			return ev, true
		}
	}
	if strings.Contains(message, mediaOmitted) || message == "null" {
		return ev, false
	}
	if strings.HasPrefix(line, lrm) {
		ev.Kind = KindSystem
		return ev, true
	}

	clean := strings.ReplaceAll(message, lrm, "")
	hadMarker := len(clean) != len(message)
	ev.IsEdited = strings.Contains(clean, editedMarker)
	clean = strings.TrimSpace(strings.ReplaceAll(clean, editedMarker, ""))

	switch {
	case containsAny(clean, deletedMarkers):
		ev.Kind = KindDeleted
		ev.IsDeleted = true
	case containsAny(clean, blockMarkers):
		ev.Kind = KindBlock
		ev.IsBlockEvent = true
	case hadMarker && !ev.IsEdited:
		ev.Kind = KindNotice
	default:
		ev.Kind = KindContent
		ev.RawText = clean
	}
	return ev, true
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// ParseTimestamp parses "D/M/YY[YY], H:MM[:SS][ AM|PM]" as day/month/year.
// Two digit years are 20yy and missing seconds are zero.
func ParseTimestamp(s string, loc *time.Location) (time.Time, error) {
	datePart, timePart, ok := strings.Cut(s, ",")
	if !ok {
		return time.Time{}, fmt.Errorf("missing date/time separator")
	}
	dmy := strings.Split(strings.TrimSpace(datePart), "/")
	if len(dmy) != 3 {
		return time.Time{}, fmt.Errorf("malformed date %q", datePart)
	}
	day, err1 := strconv.Atoi(dmy[0])
	month, err2 := strconv.Atoi(dmy[1])
	year, err3 := strconv.Atoi(dmy[2])
	if err1 != nil || err2 != nil || err3 != nil {
		return time.Time{}, fmt.Errorf("malformed date %q", datePart)
	}
	if year < 100 {
		year += 2000
	}

	timePart = strings.TrimSpace(strings.ReplaceAll(timePart, "\u202f", " "))
	upper := strings.ToUpper(timePart)
	isPM := strings.HasSuffix(upper, "PM")
	isAM := strings.HasSuffix(upper, "AM")
	if isPM || isAM {
		timePart = strings.TrimSpace(timePart[:len(timePart)-2])
	}
	hms := strings.Split(timePart, ":")
	if len(hms) < 2 || len(hms) > 3 {
		return time.Time{}, fmt.Errorf("malformed time %q", timePart)
	}
	hour, err1 := strconv.Atoi(hms[0])
	minute, err2 := strconv.Atoi(hms[1])
	second, err3 := 0, error(nil)
	if len(hms) == 3 {
		second, err3 = strconv.Atoi(hms[2])
	}
	if err1 != nil || err2 != nil || err3 != nil {
		return time.Time{}, fmt.Errorf("malformed time %q", timePart)
	}
	if isPM && hour < 12 {
		hour += 12
	} else if isAM && hour == 12 {
		hour = 0
	}
	if month < 1 || month > 12 || day < 1 || day > 31 || hour > 23 || minute > 59 || second > 59 {
		return time.Time{}, fmt.Errorf("timestamp out of range")
	}
	if loc == nil {
		loc = time.UTC
	}
	return time.Date(year, time.Month(month), day, hour, minute, second, 0, loc), nil
}

// FormatLine renders a content event in the normalised segment format
// "[DD/MM/YYYY, HH:MM:SS] Name: text".
func FormatLine(ev Event) string {
	return fmt.Sprintf("[%s] %s: %s", ev.Timestamp.Format("02/01/2006, 15:04:05"), ev.Participant, ev.RawText)
}
