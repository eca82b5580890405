package store

import (
	"time"

	"gwi.com/chat-insights/internal/analyzer"
)

type Status string

const (
	StatusPending    Status = "PENDING"
	StatusInProgress Status = "INPROGRESS"
	StatusComplete   Status = "COMPLETE"
	StatusError      Status = "ERROR"
)

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusError
}

type User struct {
	ID            string    `json:"id"`
	TotalChats    int       `json:"totalChats"`
	TotalAnalyses int       `json:"totalAnalyses"`
	PublicKey     string    `json:"publicKey,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

type Chat struct {
	ID                 string     `json:"id"`
	UserID             string     `json:"userId"`
	Title              string     `json:"title"`
	TotalAnalyses      int        `json:"totalAnalyses"`
	StartDate          time.Time  `json:"startDate"`
	ShowStartDate      time.Time  `json:"showStartDate"`
	EndDate            time.Time  `json:"endDate"` // bookmark
	AnalysisCutoffDate *time.Time `json:"analysisCutoffDate,omitempty"`
	CreatedAt          time.Time  `json:"createdAt"`
	UpdatedAt          time.Time  `json:"updatedAt"`
}

type Analysis struct {
	ID                                string    `json:"id"`
	ChatID                            string    `json:"chatId"`
	UserID                            string    `json:"userId"`
	TotalParticipants                 int       `json:"totalParticipants"`
	TotalParticipantsPercentageChange float64   `json:"totalParticipantsPercentageChange"`
	TotalWords                        int       `json:"totalWords"`
	TotalWordsPercentageChange        float64   `json:"totalWordsPercentageChange"`
	Duration                          float64   `json:"duration"` // seconds
	DurationPercentageChange          float64   `json:"durationPercentageChange"`
	Status                            Status    `json:"status"`
	Progress                          float64   `json:"progress"`
	SuccessfulSegments                int       `json:"-"`
	StartDate                         time.Time `json:"startDate"`
	EndDate                           time.Time `json:"endDate"`
	ShareID                           *string   `json:"shareId,omitempty"`
	CreatedAt                         time.Time `json:"createdAt"`
	UpdatedAt                         time.Time `json:"updatedAt"`
}

type Block struct {
	Blockee   string    `json:"blockee"`
	Timestamp time.Time `json:"timestamp"`
}

// Participant merges the statistics of one participant in one analysis
// with the model's scores for them.
type Participant struct {
	ID          string `json:"id"`
	AnalysisID  string `json:"analysisId"`
	Name        string `json:"name"`
	DefaultName string `json:"defaultName"`
	IsPrimary   bool   `json:"isPrimary"`

	ChattierConfidence                  float64  `json:"chattierConfidence"`
	ChattierPercentageChange            float64  `json:"chattierPercentageChange"`
	AverageResponseTime                 float64  `json:"averageResponseTime"`
	AverageResponseTimePercentageChange float64  `json:"averageResponseTimePercentageChange"`
	DeletedMessages                     int      `json:"deletedMessages"`
	TotalDeletedMessages                int      `json:"totalDeletedMessages"`
	DeletedMessagesPercentageChange     float64  `json:"deletedMessagesPercentageChange"`
	FavoriteWords                       []string `json:"favoriteWords"`
	FavoriteEmojis                      []string `json:"favoriteEmojis"`
	Words                               int      `json:"words"`
	TotalWords                          int      `json:"totalWords"`
	WordsPercentageChange               float64  `json:"wordsPercentageChange"`
	Blocks                              []Block  `json:"blocks"`
	TotalBlocks                         int      `json:"totalBlocks"`
	BlocksPercentageChange              float64  `json:"blocksPercentageChange"`
	TotalEmojis                         int      `json:"totalEmojis"`

	Scores              analyzer.Scores `json:"scores"`
	ScoreChanges        analyzer.Scores `json:"scoreChanges"`
	Personality         string          `json:"personality"`
	PreviousPersonality string          `json:"previousPersonality"`
	// AIBatches counts the batches merged into Scores during the run.
	AIBatches int `json:"-"`

	IsNew          bool   `json:"isNew"`
	AIMismatch     bool   `json:"aiMismatch"`
	PrevAnalysisID string `json:"prevAnalysisId,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Trigger is the control record of one pipeline run.
type Trigger struct {
	ID                     string     `json:"id"`
	UserID                 string     `json:"userId"`
	ChatID                 string     `json:"chatId"`
	FileAnalysisID         string     `json:"fileAnalysisId"`
	AnalysisID             string     `json:"analysisId"`
	NumSegments            int        `json:"numSegments"`
	Status                 Status     `json:"status"`
	CalculateStatsDuration float64    `json:"calculateStatsDuration"`
	AIAnalysisDuration     float64    `json:"aiAnalysisDuration"`
	AIAccuracy             float64    `json:"aiAccuracy"`
	OriginalChatEndDate    *time.Time `json:"originalChatEndDate,omitempty"`
	ExpiresAt              time.Time  `json:"expiresAt"`
	CreatedAt              time.Time  `json:"createdAt"`
	UpdatedAt              time.Time  `json:"updatedAt"`
}

// Share is a read-only snapshot of a completed analysis.
type Share struct {
	ID           string        `json:"id"`
	UserID       string        `json:"userId"`
	ChatID       string        `json:"chatId"`
	AnalysisID   string        `json:"analysisId"`
	Title        string        `json:"title"`
	Analysis     Analysis      `json:"analysis"`
	Participants []Participant `json:"participants"`
	CreatedAt    time.Time     `json:"createdAt"`
}
