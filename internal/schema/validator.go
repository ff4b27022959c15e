// Package schema validates decoded client messages before they are dispatched.
package schema

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"meeting-transcription-relay/internal/models"
)

// ErrInvalidMessage wraps every validation failure.
var ErrInvalidMessage = errors.New("invalid message")

// Limits bounds client-supplied values.
type Limits struct {
	MaxMeetingIDLen int
	MaxParticipants int
}

// DefaultLimits returns the default limits.
func DefaultLimits() Limits {
	return Limits{
		MaxMeetingIDLen: 128,
		MaxParticipants: 50,
	}
}

// Validator checks decoded client messages against Limits. It holds no
// mutable state and is safe for concurrent use.
type Validator struct {
	limits Limits
}

// New returns a Validator enforcing limits.
func New(limits Limits) *Validator {
	return &Validator{limits: limits}
}

// Validate checks msg and, for audio messages, returns the decoded audio.
func (v *Validator) Validate(msg *models.ClientMessage) ([]byte, error) {
	switch msg.Type {
	case models.TypeStartMeeting:
		if err := v.meetingID(msg); err != nil {
			return nil, err
		}
		return nil, v.participants(msg.Participants)
	case models.TypeJoinMeeting, models.TypeEndMeeting:
		return nil, v.meetingID(msg)
	case models.TypeAudio:
		if err := v.meetingID(msg); err != nil {
			return nil, err
		}
		audio, err := base64.StdEncoding.DecodeString(msg.AudioData)
		if err != nil {
			return nil, fmt.Errorf("%w: audioData is not base64: %v", ErrInvalidMessage, err)
		}
		return audio, nil
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrInvalidMessage)
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidMessage, msg.Type)
	}
}

func (v *Validator) meetingID(msg *models.ClientMessage) error {
	id := strings.TrimSpace(msg.MeetingID)
	if id == "" {
		return fmt.Errorf("%w: %s requires meetingId", ErrInvalidMessage, msg.Type)
	}
	if v.limits.MaxMeetingIDLen > 0 && len(id) > v.limits.MaxMeetingIDLen {
		return fmt.Errorf("%w: meetingId longer than %d", ErrInvalidMessage, v.limits.MaxMeetingIDLen)
	}
	msg.MeetingID = id
	return nil
}

func (v *Validator) participants(names []string) error {
	if v.limits.MaxParticipants > 0 && len(names) > v.limits.MaxParticipants {
		return fmt.Errorf("%w: more than %d participants", ErrInvalidMessage, v.limits.MaxParticipants)
	}
	for i, n := range names {
		if strings.TrimSpace(n) == "" {
			return fmt.Errorf("%w: participant %d is blank", ErrInvalidMessage, i)
		}
	}
	return nil
}
