// Command audioclient streams a PCM WAV file to a relay meeting in real time.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"meeting-transcription-relay/internal/client"
	"meeting-transcription-relay/internal/models"
	"meeting-transcription-relay/internal/observability/logging"
)

// Stream audio in chunks to simulate real-time streaming
const chunkInterval = 100 * time.Millisecond

func main() {
	var (
		url          string
		audioFile    string
		meetingID    string
		participants []string
	)

	cmd := &cobra.Command{
		Use:   "audioclient",
		Short: "Stream a WAV file (16-bit PCM) into a new meeting",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return stream(cmd.Context(), url, audioFile, meetingID, participants)
		},
	}
	cmd.Flags().StringVar(&url, "url", "ws://localhost:8080/ws", "relay WebSocket URL")
	cmd.Flags().StringVar(&audioFile, "audio", "testdata/sample-16khz.wav", "path to WAV file")
	cmd.Flags().StringVar(&meetingID, "meeting", "audio-"+time.Now().Format("150405"), "meeting ID")
	cmd.Flags().StringSliceVar(&participants, "participants", nil, "participant roster")

	logging.Init(logging.Config{Level: "info", Format: "console"})
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func stream(ctx context.Context, url, audioFile, meetingID string, participants []string) error {
	f, err := os.Open(audioFile)
	if err != nil {
		return fmt.Errorf("open audio file: %w", err)
	}
	defer f.Close()

	format, err := client.ReadWAVHeader(f)
	if err != nil {
		return err
	}
	log.Info().
		Uint16("channels", format.Channels).
		Uint32("sampleRate", format.SampleRate).
		Uint16("bitsPerSample", format.BitsPerSample).
		Msg("WAV file")

	ctx, cancel := context.WithTimeout(ctx, 10*time.Minute)
	defer cancel()

	c, err := client.Dial(ctx, url)
	if err != nil {
		return err
	}
	defer c.Close()
	msgs := c.Listen()

	if err := c.Start(meetingID, participants); err != nil {
		return err
	}

	ended := make(chan models.MeetingEnded, 1)
	go func() {
		for m := range msgs {
			switch m.Type {
			case models.TypeTranscript:
				var tr models.Transcript
				if m.Decode(&tr) == nil && tr.IsFinal {
					log.Info().Int64("seq", tr.Seq).Str("speaker", tr.Speaker).Msg(tr.Text)
				}
			case models.TypeError:
				var e models.Error
				_ = m.Decode(&e)
				log.Warn().Str("code", e.Code).Msg(e.Message)
			case models.TypeMeetingEnded:
				var me models.MeetingEnded
				_ = m.Decode(&me)
				ended <- me
				return
			}
		}
	}()

	// 100ms of audio per chunk at the file's data rate.
	chunkSize := format.BytesPerSecond() / 10
	if chunkSize <= 0 {
		chunkSize = 1600
	}
	chunk := make([]byte, chunkSize)
	var totalBytes, chunkNum int
	startTime := time.Now()

	for {
		n, err := io.ReadFull(f, chunk)
		if n > 0 {
			chunkNum++
			totalBytes += n
			if err := c.SendAudio(meetingID, chunk[:n]); err != nil {
				return fmt.Errorf("send chunk %d: %w", chunkNum, err)
			}
			if chunkNum%10 == 0 {
				log.Debug().Int("chunk", chunkNum).Int("bytes", totalBytes).Msg("Sent audio")
			}
			time.Sleep(chunkInterval)
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read audio: %w", err)
		}
	}
	log.Info().
		Int("chunks", chunkNum).
		Int("bytes", totalBytes).
		Dur("elapsed", time.Since(startTime)).
		Msg("Finished streaming, ending meeting")

	if err := c.End(meetingID); err != nil {
		return err
	}
	select {
	case me := <-ended:
		log.Info().Int("transcriptCount", me.TranscriptCount).Msg("Meeting ended")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
