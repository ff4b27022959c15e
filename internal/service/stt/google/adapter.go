// Package google provides a Google Cloud Speech-to-Text streaming adapter.
package google

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"github.com/rs/zerolog/log"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/durationpb"

	"meeting-transcription-relay/internal/service/stt"
)

// ProviderName labels metrics and logs for this backend.
const ProviderName = "google"

// Config holds the recognition settings sent as the first stream message.
type Config struct {
	LanguageCode    string
	SampleRateHz    int
	InterimResults  bool
	AudioEncoding   string
	Model           string
	MinSpeakerCount int
	MaxSpeakerCount int
}

// DefaultConfig returns the default recognition settings for browser microphone audio.
func DefaultConfig() Config {
	return Config{
		LanguageCode:    "en-US",
		SampleRateHz:    16000,
		InterimResults:  true,
		AudioEncoding:   "WEBM_OPUS",
		Model:           "latest_long",
		MinSpeakerCount: 2,
		MaxSpeakerCount: 6,
	}
}

// Client owns the shared Speech client and opens one Adapter per meeting stream.
type Client struct {
	speech *speech.Client
	cfg    Config
}

// NewClient creates the Speech client. Without credentialsFile, Application
// Default Credentials are used.
func NewClient(ctx context.Context, cfg Config, credentialsFile string) (*Client, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	c, err := speech.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create speech client: %w", err)
	}
	return &Client{speech: c, cfg: cfg}, nil
}

// Factory returns an stt.Factory opening a new streaming adapter per call.
func (c *Client) Factory() stt.Factory {
	return func(ctx context.Context) (stt.Adapter, error) {
		return &Adapter{client: c.speech, cfg: c.cfg}, nil
	}
}

// Close releases the underlying Speech client.
func (c *Client) Close() error {
	return c.speech.Close()
}

// Adapter implements stt.Adapter over one StreamingRecognize call.
type Adapter struct {
	client *speech.Client
	cfg    Config

	mu     sync.Mutex
	stream speechpb.Speech_StreamingRecognizeClient
	cb     stt.Callback
	closed bool
}

// Start opens the stream, sends the streaming config and starts the receive loop.
func (a *Adapter) Start(ctx context.Context, cb stt.Callback) error {
	stream, err := a.client.StreamingRecognize(ctx)
	if err != nil {
		return classify(err)
	}

	if err := stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: streamingConfig(a.cfg),
		},
	}); err != nil {
		return classify(err)
	}

	a.mu.Lock()
	a.stream = stream
	a.cb = cb
	a.mu.Unlock()

	go a.listen(stream, cb)
	return nil
}

// SendAudio sends audio bytes to Google Speech-to-Text.
func (a *Adapter) SendAudio(ctx context.Context, audio []byte) error {
	a.mu.Lock()
	stream, closed := a.stream, a.closed
	a.mu.Unlock()

	if stream == nil || closed {
		return &stt.BackendError{Provider: ProviderName, Kind: stt.KindUnavailable, Err: errors.New("stream not open")}
	}
	if err := stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{
			AudioContent: audio,
		},
	}); err != nil {
		return classify(err)
	}
	return nil
}

// Close half-closes the stream; pending finals still arrive on the receive loop.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed || a.stream == nil {
		a.closed = true
		return nil
	}
	a.closed = true
	return a.stream.CloseSend()
}

// listen receives transcript responses from Google and invokes callbacks.
func (a *Adapter) listen(stream speechpb.Speech_StreamingRecognizeClient, cb stt.Callback) {
	for {
		resp, err := stream.Recv()
		if err == io.EOF {
			return
		}
		if err != nil {
			a.mu.Lock()
			closed := a.closed
			a.mu.Unlock()
			if closed && status.Code(err) == codes.Canceled {
				return
			}
			cb.OnError(classify(err))
			return
		}
		if rpcErr := resp.GetError(); rpcErr != nil && rpcErr.GetCode() != 0 {
			cb.OnError(classify(status.ErrorProto(rpcErr)))
			return
		}
		dispatch(resp, cb)
	}
}

// dispatch converts one response into callbacks. Only the top alternative of
// each result is used.
func dispatch(resp *speechpb.StreamingRecognizeResponse, cb stt.Callback) {
	for _, r := range resp.GetResults() {
		alts := r.GetAlternatives()
		if len(alts) == 0 {
			continue
		}
		alt := alts[0]
		res := stt.Result{
			Text:       alt.GetTranscript(),
			Confidence: float64(alt.GetConfidence()),
			SpeakerTag: speakerTag(alt.GetWords()),
			EndOffset:  offset(r.GetResultEndTime()),
		}
		if r.GetIsFinal() {
			cb.OnFinal(res)
		} else {
			cb.OnPartial(res)
		}
	}
}

// speakerTag returns the diarization tag of the last tagged word.
func speakerTag(words []*speechpb.WordInfo) int {
	for i := len(words) - 1; i >= 0; i-- {
		if tag := words[i].GetSpeakerTag(); tag > 0 {
			return int(tag)
		}
	}
	return 0
}

func offset(d *durationpb.Duration) time.Duration {
	if d == nil {
		return 0
	}
	return d.AsDuration()
}

func streamingConfig(cfg Config) *speechpb.StreamingRecognitionConfig {
	rc := &speechpb.RecognitionConfig{
		Encoding:                   parseAudioEncoding(cfg.AudioEncoding),
		SampleRateHertz:            int32(cfg.SampleRateHz),
		LanguageCode:               cfg.LanguageCode,
		Model:                      cfg.Model,
		EnableAutomaticPunctuation: true,
		EnableWordTimeOffsets:      true,
	}
	if cfg.MaxSpeakerCount > 0 {
		rc.DiarizationConfig = &speechpb.SpeakerDiarizationConfig{
			EnableSpeakerDiarization: true,
			MinSpeakerCount:          int32(cfg.MinSpeakerCount),
			MaxSpeakerCount:          int32(cfg.MaxSpeakerCount),
		}
	}
	return &speechpb.StreamingRecognitionConfig{
		Config:         rc,
		InterimResults: cfg.InterimResults,
	}
}

// parseAudioEncoding maps an upper-case encoding name to the proto enum,
// falling back to LINEAR16.
func parseAudioEncoding(name string) speechpb.RecognitionConfig_AudioEncoding {
	switch name {
	case "LINEAR16":
		return speechpb.RecognitionConfig_LINEAR16
	case "MULAW":
		return speechpb.RecognitionConfig_MULAW
	case "FLAC":
		return speechpb.RecognitionConfig_FLAC
	case "AMR":
		return speechpb.RecognitionConfig_AMR
	case "AMR_WB":
		return speechpb.RecognitionConfig_AMR_WB
	case "OGG_OPUS":
		return speechpb.RecognitionConfig_OGG_OPUS
	case "SPEEX_WITH_HEADER_BYTE":
		return speechpb.RecognitionConfig_SPEEX_WITH_HEADER_BYTE
	case "WEBM_OPUS":
		return speechpb.RecognitionConfig_WEBM_OPUS
	default:
		log.Debug().Str("encoding", name).Msg("Unknown audio encoding, using LINEAR16")
		return speechpb.RecognitionConfig_LINEAR16
	}
}

// classify wraps a backend error with its kind derived from the gRPC status.
func classify(err error) error {
	kind := stt.KindOther
	switch {
	case errors.Is(err, context.Canceled):
		kind = stt.KindCanceled
	case errors.Is(err, context.DeadlineExceeded):
		kind = stt.KindUnavailable
	default:
		switch status.Code(err) {
		case codes.ResourceExhausted:
			kind = stt.KindQuota
		case codes.Unauthenticated, codes.PermissionDenied:
			kind = stt.KindAuth
		case codes.InvalidArgument, codes.OutOfRange, codes.FailedPrecondition:
			kind = stt.KindInvalidAudio
		case codes.Unavailable, codes.DeadlineExceeded, codes.Aborted, codes.Internal:
			kind = stt.KindUnavailable
		case codes.Canceled:
			kind = stt.KindCanceled
		}
	}
	return &stt.BackendError{Provider: ProviderName, Kind: kind, Err: err}
}
