package stats

import (
	"errors"
	"fmt"
)

var ErrTooManyParticipants = errors.New("too many participants")

const (
	msgNotEnoughFirstRun    = "The chat does not contain enough messages for analysis. Continue the conversation to provide more data for analysis."
	msgNotEnoughIncremental = "The chat does not contain enough messages for analysis. Continue chatting or consider deleting the most recent chat analytics."
	msgCutoffTooRecent      = "The analysis cutoff date is too recent. Please select a later cutoff date to include more messages."
	msgChatNotFound         = "The requested chat could not be found. It may have been deleted."
)

// UserError carries a message that is safe to show to the end user.
type UserError struct {
	Message string
	Err     error
}

func (e *UserError) Error() string { return e.Message }

func (e *UserError) Unwrap() error { return e.Err }

func tooManyParticipants(limit int) *UserError {
	return &UserError{
		Message: fmt.Sprintf("Please upload a chat with fewer participants. Maximum allowed is %d.", limit),
		Err:     ErrTooManyParticipants,
	}
}
