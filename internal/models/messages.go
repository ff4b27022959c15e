package models

// Client to server message types.
const (
	TypeStartMeeting = "start_meeting"
	TypeJoinMeeting  = "join_meeting"
	TypeAudio        = "audio"
	TypeEndMeeting   = "end_meeting"
)

// Server to client message types.
const (
	TypeConnected      = "connected"
	TypeMeetingStarted = "meeting_started"
	TypeTranscript     = "transcript"
	TypeMeetingEnded   = "meeting_ended"
	TypeError          = "error"
)

// Error codes carried by error messages.
const (
	CodeSessionNotFound = "session_not_found"
	CodeAlreadyActive   = "already_active"
	CodeInvalidMessage  = "invalid_message"
	CodeInternal        = "internal"
)

// ClientMessage is the union of all inbound messages. Fields not used by a
// given type are left empty.
type ClientMessage struct {
	Type         string   `json:"type"`
	MeetingID    string   `json:"meetingId"`
	Participants []string `json:"participants,omitempty"`
	AudioData    string   `json:"audioData,omitempty"`
}

// Connected acknowledges a new socket.
type Connected struct {
	Type     string `json:"type"`
	ClientID string `json:"clientId"`
}

// MeetingStarted acknowledges start_meeting and join_meeting.
type MeetingStarted struct {
	Type      string `json:"type"`
	MeetingID string `json:"meetingId"`
}

// Transcript carries one partial or final entry to bound clients.
type Transcript struct {
	Type       string  `json:"type"`
	MeetingID  string  `json:"meetingId"`
	Seq        int64   `json:"seq,omitempty"`
	Speaker    string  `json:"speaker"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Timestamp  string  `json:"timestamp"`
	IsFinal    bool    `json:"isFinal"`
}

// NewTranscript wraps an entry for delivery.
func NewTranscript(meetingID string, e TranscriptEntry) Transcript {
	return Transcript{
		Type:       TypeTranscript,
		MeetingID:  meetingID,
		Seq:        e.Seq,
		Speaker:    e.Speaker,
		Text:       e.Text,
		Confidence: e.Confidence,
		Timestamp:  e.Timestamp,
		IsFinal:    e.IsFinal,
	}
}

// MeetingEnded acknowledges end_meeting.
type MeetingEnded struct {
	Type            string `json:"type"`
	MeetingID       string `json:"meetingId"`
	TranscriptCount int    `json:"transcriptCount"`
}

// Error reports a rejected client request.
type Error struct {
	Type      string `json:"type"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	MeetingID string `json:"meetingId,omitempty"`
}

// NewError builds an error message.
func NewError(code, meetingID, message string) Error {
	return Error{Type: TypeError, Code: code, Message: message, MeetingID: meetingID}
}
