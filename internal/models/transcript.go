// Package models defines transcript entries, finalized sessions and the
// JSON messages exchanged with relay clients.
package models

import (
	"strings"
	"time"
)

// TimestampFormat is the ISO-8601 layout used for entry timestamps.
const TimestampFormat = time.RFC3339Nano

// TranscriptEntry is one unit of transcribed speech.
type TranscriptEntry struct {
	Seq        int64   `json:"seq" firestore:"seq"`
	Speaker    string  `json:"speaker" firestore:"speaker"`
	Text       string  `json:"text" firestore:"text"`
	Confidence float64 `json:"confidence" firestore:"confidence"`
	Timestamp  string  `json:"timestamp" firestore:"timestamp"`
	IsFinal    bool    `json:"isFinal" firestore:"isFinal"`
}

// NewEntry builds an entry stamped with the current UTC time.
// Confidence is clamped to [0,1].
func NewEntry(speaker, text string, confidence float64, isFinal bool) TranscriptEntry {
	return TranscriptEntry{
		Speaker:    speaker,
		Text:       strings.TrimSpace(text),
		Confidence: clamp01(confidence),
		Timestamp:  time.Now().UTC().Format(TimestampFormat),
		IsFinal:    isFinal,
	}
}

// Line renders the entry as it appears in a full transcript.
func (e TranscriptEntry) Line() string {
	return e.Speaker + ": " + e.Text
}

// WordCount returns the number of whitespace-separated words in the entry text.
func (e TranscriptEntry) WordCount() int {
	return len(strings.Fields(e.Text))
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

// SpeakerStats aggregates one speaker's contribution to a meeting.
type SpeakerStats struct {
	Entries            int     `json:"entries" firestore:"entries"`
	Words              int     `json:"words" firestore:"words"`
	ParticipationRatio float64 `json:"participationRatio" firestore:"participationRatio"`
	AverageConfidence  float64 `json:"averageConfidence" firestore:"averageConfidence"`
}

// Statistics is computed when a session is finalized.
type Statistics struct {
	TranscriptCount int                     `json:"transcriptCount" firestore:"transcriptCount"`
	TotalWords      int                     `json:"totalWords" firestore:"totalWords"`
	DurationSeconds float64                 `json:"durationSeconds" firestore:"durationSeconds"`
	Speakers        map[string]SpeakerStats `json:"speakers" firestore:"speakers"`
	FullTranscript  string                  `json:"fullTranscript" firestore:"fullTranscript"`
}

// FinalizedSession is the durable record of a completed meeting transcription.
type FinalizedSession struct {
	MeetingID    string            `json:"meetingId" firestore:"meetingId"`
	Participants []string          `json:"participants" firestore:"participants"`
	StartedAt    time.Time         `json:"startedAt" firestore:"startedAt"`
	EndedAt      time.Time         `json:"endedAt" firestore:"endedAt"`
	Entries      []TranscriptEntry `json:"entries" firestore:"entries"`
	Statistics   Statistics        `json:"statistics" firestore:"statistics"`
}
