package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"meeting-transcription-relay/internal/app"
	"meeting-transcription-relay/internal/observability"
	"meeting-transcription-relay/internal/store"
)

// MeetingStatus is the JSON body of GET /v1/meetings/{meetingId}.
type MeetingStatus struct {
	MeetingID       string     `json:"meetingId"`
	State           string     `json:"state"`
	Participants    []string   `json:"participants"`
	TranscriptCount int        `json:"transcriptCount"`
	StartedAt       time.Time  `json:"startedAt"`
	EndedAt         *time.Time `json:"endedAt,omitempty"`
	LastActivity    *time.Time `json:"lastActivity,omitempty"`
}

// NewRouter constructs the HTTP router for the service.
func NewRouter(application *app.Application) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(observability.RequestLogger)
	r.Use(middleware.Recoverer)

	// Health endpoints
	r.Get("/v1/liveness", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/v1/readiness", func(w http.ResponseWriter, _ *http.Request) {
		if !application.Ready() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("starting"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	r.Handle("/metrics", promhttp.Handler())
	r.Handle("/ws", application.Relay)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/meetings/{meetingId}", meetingStatus(application))
	})

	return r
}

// meetingStatus reports a live session from the table, or the persisted
// record once the meeting has been finalized.
func meetingStatus(application *app.Application) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		meetingID := chi.URLParam(r, "meetingId")

		if snap, ok := application.Table.Get(meetingID); ok {
			last := snap.LastActivity
			writeJSON(w, http.StatusOK, MeetingStatus{
				MeetingID:       snap.MeetingID,
				State:           snap.State.String(),
				Participants:    snap.Participants,
				TranscriptCount: len(snap.Entries),
				StartedAt:       snap.StartedAt,
				EndedAt:         snap.EndedAt,
				LastActivity:    &last,
			})
			return
		}

		fs, err := application.Store.LoadSession(r.Context(), meetingID)
		switch {
		case err == nil:
			ended := fs.EndedAt
			writeJSON(w, http.StatusOK, MeetingStatus{
				MeetingID:       fs.MeetingID,
				State:           "ENDED",
				Participants:    fs.Participants,
				TranscriptCount: fs.Statistics.TranscriptCount,
				StartedAt:       fs.StartedAt,
				EndedAt:         &ended,
			})
		case errors.Is(err, store.ErrNotFound):
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "meeting not found"})
		default:
			log.Error().Err(err).Str("meetingId", meetingID).Msg("Failed to load meeting")
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "store unavailable"})
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
