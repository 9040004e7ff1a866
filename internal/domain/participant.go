// Package domain contains entities without logic, just meta-data.
package domain

import "errors"

const MaxDisplayNameLen = 36

var (
	ErrDisplayNameEmpty   = errors.New("display name empty")
	ErrDisplayNameTooLong = errors.New("display name too long")
)

type (
	ParticipantID string
	ChannelID     string
)

// Participant is the identity one remote user presents in a voice channel.
type Participant struct {
	ID          ParticipantID `json:"id"`
	DisplayName string        `json:"displayName"`
}

// NewParticipant avoids raw literals in adapters and keeps construction obvious.
func NewParticipant(id ParticipantID, displayName string) (Participant, error) {
	if len(displayName) == 0 {
		return Participant{}, ErrDisplayNameEmpty
	}
	if len(displayName) > MaxDisplayNameLen {
		return Participant{}, ErrDisplayNameTooLong
	}
	return Participant{ID: id, DisplayName: displayName}, nil
}
