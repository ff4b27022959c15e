package finalize

import (
	"strings"
	"time"

	"meeting-transcription-relay/internal/models"
)

// ComputeStatistics aggregates entries in stored order. Every participant gets a
// speaker record even if they never spoke.
func ComputeStatistics(participants []string, entries []models.TranscriptEntry, startedAt, endedAt time.Time) models.Statistics {
	stats := models.Statistics{
		TranscriptCount: len(entries),
		Speakers:        make(map[string]models.SpeakerStats, len(participants)),
	}
	if !startedAt.IsZero() && endedAt.After(startedAt) {
		stats.DurationSeconds = endedAt.Sub(startedAt).Seconds()
	}
	for _, p := range participants {
		stats.Speakers[p] = models.SpeakerStats{}
	}

	confidence := make(map[string]float64)
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		words := e.WordCount()
		s := stats.Speakers[e.Speaker]
		s.Entries++
		s.Words += words
		stats.Speakers[e.Speaker] = s
		stats.TotalWords += words
		confidence[e.Speaker] += e.Confidence
		lines = append(lines, e.Line())
	}

	for name, s := range stats.Speakers {
		if s.Entries > 0 {
			s.AverageConfidence = confidence[name] / float64(s.Entries)
		}
		if stats.TotalWords > 0 {
			s.ParticipationRatio = float64(s.Words) / float64(stats.TotalWords)
		}
		stats.Speakers[name] = s
	}
	stats.FullTranscript = strings.Join(lines, "\n")
	return stats
}
