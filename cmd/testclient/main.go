// Command testclient runs a scripted two-device meeting against a relay.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"meeting-transcription-relay/internal/client"
	"meeting-transcription-relay/internal/models"
	"meeting-transcription-relay/internal/observability/logging"
)

func main() {
	var (
		url          string
		meetingID    string
		participants []string
		chunks       int
		interval     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "testclient",
		Short: "Run a scripted meeting with a host and a guest connection",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), url, meetingID, participants, chunks, interval)
		},
	}
	cmd.Flags().StringVar(&url, "url", "ws://localhost:8080/ws", "relay WebSocket URL")
	cmd.Flags().StringVar(&meetingID, "meeting", "test-meeting-"+time.Now().Format("150405"), "meeting ID")
	cmd.Flags().StringSliceVar(&participants, "participants", []string{"Alice", "Bob"}, "participant roster")
	cmd.Flags().IntVar(&chunks, "chunks", 30, "number of audio chunks to send")
	cmd.Flags().DurationVar(&interval, "interval", 100*time.Millisecond, "delay between chunks")

	logging.Init(logging.Config{Level: "info", Format: "console"})
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, url, meetingID string, participants []string, chunks int, interval time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	host, err := client.Dial(ctx, url)
	if err != nil {
		return err
	}
	defer host.Close()
	guest, err := client.Dial(ctx, url)
	if err != nil {
		return err
	}
	defer guest.Close()
	log.Info().Str("host", host.ID).Str("guest", guest.ID).Msg("Connected")

	hostMsgs, guestMsgs := host.Listen(), guest.Listen()

	if err := host.Start(meetingID, participants); err != nil {
		return err
	}
	if _, err := await(ctx, hostMsgs, models.TypeMeetingStarted); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	if err := guest.Join(meetingID); err != nil {
		return err
	}
	if _, err := await(ctx, guestMsgs, models.TypeMeetingStarted); err != nil {
		return fmt.Errorf("join: %w", err)
	}
	log.Info().Str("meetingId", meetingID).Msg("Meeting started on both devices")

	go printTranscripts("guest", guestMsgs)

	chunk := make([]byte, 1600)
	for i := 0; i < chunks; i++ {
		if err := host.SendAudio(meetingID, chunk); err != nil {
			return err
		}
		time.Sleep(interval)
	}

	if err := host.End(meetingID); err != nil {
		return err
	}
	msg, err := await(ctx, hostMsgs, models.TypeMeetingEnded)
	if err != nil {
		return fmt.Errorf("end: %w", err)
	}
	var ended models.MeetingEnded
	if err := msg.Decode(&ended); err != nil {
		return err
	}
	log.Info().
		Str("meetingId", ended.MeetingID).
		Int("transcriptCount", ended.TranscriptCount).
		Msg("Meeting ended")
	return nil
}

// await skips messages until one of the wanted type arrives. Error frames fail.
func await(ctx context.Context, msgs <-chan client.Message, want string) (client.Message, error) {
	for {
		select {
		case <-ctx.Done():
			return client.Message{}, ctx.Err()
		case m, ok := <-msgs:
			if !ok {
				return client.Message{}, fmt.Errorf("connection closed waiting for %s", want)
			}
			switch m.Type {
			case want:
				return m, nil
			case models.TypeError:
				var e models.Error
				_ = m.Decode(&e)
				return m, fmt.Errorf("%s: %s", e.Code, e.Message)
			}
		}
	}
}

func printTranscripts(device string, msgs <-chan client.Message) {
	for m := range msgs {
		if m.Type != models.TypeTranscript {
			continue
		}
		var tr models.Transcript
		if err := m.Decode(&tr); err != nil {
			continue
		}
		log.Info().
			Str("device", device).
			Int64("seq", tr.Seq).
			Str("speaker", tr.Speaker).
			Bool("final", tr.IsFinal).
			Msg(tr.Text)
	}
}
