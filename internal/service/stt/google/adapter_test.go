package google

import (
	"context"
	"errors"
	"testing"
	"time"

	speechpb "cloud.google.com/go/speech/apiv1/speechpb"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/durationpb"

	"meeting-transcription-relay/internal/service/stt"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.LanguageCode != "en-US" {
		t.Errorf("expected default language 'en-US', got %s", cfg.LanguageCode)
	}
	if cfg.SampleRateHz != 16000 {
		t.Errorf("expected default sample rate 16000, got %d", cfg.SampleRateHz)
	}
	if cfg.InterimResults != true {
		t.Errorf("expected default interim results true, got %v", cfg.InterimResults)
	}
	if cfg.AudioEncoding != "WEBM_OPUS" {
		t.Errorf("expected default encoding 'WEBM_OPUS', got %s", cfg.AudioEncoding)
	}
	if cfg.MaxSpeakerCount == 0 {
		t.Error("expected diarization enabled by default")
	}
}

func TestParseAudioEncoding(t *testing.T) {
	tests := []struct {
		input    string
		expected speechpb.RecognitionConfig_AudioEncoding
	}{
		{"LINEAR16", speechpb.RecognitionConfig_LINEAR16},
		{"MULAW", speechpb.RecognitionConfig_MULAW},
		{"FLAC", speechpb.RecognitionConfig_FLAC},
		{"AMR", speechpb.RecognitionConfig_AMR},
		{"AMR_WB", speechpb.RecognitionConfig_AMR_WB},
		{"OGG_OPUS", speechpb.RecognitionConfig_OGG_OPUS},
		{"SPEEX_WITH_HEADER_BYTE", speechpb.RecognitionConfig_SPEEX_WITH_HEADER_BYTE},
		{"WEBM_OPUS", speechpb.RecognitionConfig_WEBM_OPUS},
		{"UNKNOWN", speechpb.RecognitionConfig_LINEAR16}, // fallback
		{"invalid", speechpb.RecognitionConfig_LINEAR16}, // fallback
		{"", speechpb.RecognitionConfig_LINEAR16},        // fallback
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := parseAudioEncoding(tt.input)
			if got != tt.expected {
				t.Errorf("parseAudioEncoding(%q) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}

func TestParseAudioEncoding_CaseSensitive(t *testing.T) {
	// Encoding strings should be uppercase
	tests := []struct {
		input    string
		expected speechpb.RecognitionConfig_AudioEncoding
	}{
		{"linear16", speechpb.RecognitionConfig_LINEAR16}, // lowercase -> fallback
		{"Linear16", speechpb.RecognitionConfig_LINEAR16}, // mixed case -> fallback
		{"LINEAR16", speechpb.RecognitionConfig_LINEAR16}, // uppercase -> match
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := parseAudioEncoding(tt.input)
			if got != tt.expected {
				t.Errorf("parseAudioEncoding(%q) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}

type recordingCallback struct {
	partials []stt.Result
	finals   []stt.Result
	errors   []error
}

func (c *recordingCallback) OnPartial(r stt.Result) { c.partials = append(c.partials, r) }
func (c *recordingCallback) OnFinal(r stt.Result)   { c.finals = append(c.finals, r) }
func (c *recordingCallback) OnError(err error)      { c.errors = append(c.errors, err) }

func TestDispatch_PartialAndFinal(t *testing.T) {
	cb := &recordingCallback{}
	resp := &speechpb.StreamingRecognizeResponse{
		Results: []*speechpb.StreamingRecognitionResult{
			{
				Alternatives: []*speechpb.SpeechRecognitionAlternative{{Transcript: "hello"}},
				IsFinal:      false,
			},
			{
				Alternatives: []*speechpb.SpeechRecognitionAlternative{{
					Transcript: "hello there",
					Confidence: 0.92,
					Words: []*speechpb.WordInfo{
						{Word: "hello", SpeakerTag: 1},
						{Word: "there", SpeakerTag: 2},
					},
				}},
				IsFinal:       true,
				ResultEndTime: durationpb.New(1500 * time.Millisecond),
			},
			{IsFinal: true}, // no alternatives
		},
	}

	dispatch(resp, cb)

	if len(cb.partials) != 1 || cb.partials[0].Text != "hello" {
		t.Fatalf("unexpected partials: %+v", cb.partials)
	}
	if len(cb.finals) != 1 {
		t.Fatalf("expected 1 final, got %d", len(cb.finals))
	}
	final := cb.finals[0]
	if final.Text != "hello there" {
		t.Errorf("expected final text 'hello there', got %q", final.Text)
	}
	if final.SpeakerTag != 2 {
		t.Errorf("expected speaker tag from last tagged word (2), got %d", final.SpeakerTag)
	}
	if final.Confidence < 0.919 || final.Confidence > 0.921 {
		t.Errorf("expected confidence ~0.92, got %v", final.Confidence)
	}
	if final.EndOffset != 1500*time.Millisecond {
		t.Errorf("expected end offset 1.5s, got %v", final.EndOffset)
	}
}

func TestSpeakerTag_NoDiarization(t *testing.T) {
	words := []*speechpb.WordInfo{{Word: "a"}, {Word: "b"}}
	if got := speakerTag(words); got != 0 {
		t.Errorf("expected 0 without tags, got %d", got)
	}
	if got := speakerTag(nil); got != 0 {
		t.Errorf("expected 0 for nil words, got %d", got)
	}
}

func TestStreamingConfig(t *testing.T) {
	cfg := DefaultConfig()
	sc := streamingConfig(cfg)

	if !sc.GetInterimResults() {
		t.Error("expected interim results")
	}
	rc := sc.GetConfig()
	if rc.GetSampleRateHertz() != 16000 {
		t.Errorf("expected 16000 Hz, got %d", rc.GetSampleRateHertz())
	}
	if rc.GetEncoding() != speechpb.RecognitionConfig_WEBM_OPUS {
		t.Errorf("expected WEBM_OPUS, got %v", rc.GetEncoding())
	}
	if !rc.GetDiarizationConfig().GetEnableSpeakerDiarization() {
		t.Error("expected diarization enabled")
	}

	cfg.MaxSpeakerCount = 0
	if streamingConfig(cfg).GetConfig().GetDiarizationConfig() != nil {
		t.Error("expected no diarization config when max speakers is 0")
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind string
	}{
		{"quota", status.Error(codes.ResourceExhausted, "quota"), stt.KindQuota},
		{"unauthenticated", status.Error(codes.Unauthenticated, "no creds"), stt.KindAuth},
		{"permission", status.Error(codes.PermissionDenied, "denied"), stt.KindAuth},
		{"bad audio", status.Error(codes.InvalidArgument, "bad encoding"), stt.KindInvalidAudio},
		{"unavailable", status.Error(codes.Unavailable, "down"), stt.KindUnavailable},
		{"canceled", context.Canceled, stt.KindCanceled},
		{"plain", errors.New("boom"), stt.KindOther},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classify(tt.err)
			if !errors.Is(err, stt.ErrBackendUnavailable) {
				t.Errorf("expected ErrBackendUnavailable, got %v", err)
			}
			if got := stt.KindOf(err); got != tt.kind {
				t.Errorf("KindOf = %s, want %s", got, tt.kind)
			}
		})
	}
}
