// Package stt defines the interface for Speech-to-Text adapters.
package stt

import (
	"context"
	"errors"
	"time"
)

// ErrBackendUnavailable wraps every failure reported by a transcription backend
// (quota, auth, malformed audio, transport).
var ErrBackendUnavailable = errors.New("transcription backend unavailable")

// Result is one recognition hypothesis from the backend.
type Result struct {
	Text       string
	Confidence float64
	// SpeakerTag is the diarization tag of the speaker, 0 when unknown.
	SpeakerTag int
	// EndOffset is the offset of the end of this result relative to stream start.
	EndOffset time.Duration
}

// Callback receives transcript results from the STT provider.
type Callback interface {
	// OnPartial is called when an interim/partial transcript is received.
	OnPartial(r Result)

	// OnFinal is called when a final transcript is received.
	OnFinal(r Result)

	// OnError is called when the stream fails. The stream is unusable afterwards.
	OnError(err error)
}

// Adapter defines the interface for streaming STT providers.
type Adapter interface {
	// Start begins a streaming transcription session.
	Start(ctx context.Context, cb Callback) error

	// SendAudio sends audio bytes to the STT provider.
	SendAudio(ctx context.Context, audio []byte) error

	// Close ends the session and releases resources.
	Close() error
}

// Factory opens a new adapter for one meeting stream.
type Factory func(ctx context.Context) (Adapter, error)

// Error kinds reported by BackendError.
const (
	KindQuota        = "quota"
	KindAuth         = "auth"
	KindInvalidAudio = "invalid_audio"
	KindUnavailable  = "unavailable"
	KindCanceled     = "canceled"
	KindOther        = "other"
)

// BackendError is a classified backend failure. It matches ErrBackendUnavailable
// with errors.Is.
type BackendError struct {
	Provider string
	Kind     string
	Err      error
}

func (e *BackendError) Error() string {
	return e.Provider + " stt " + e.Kind + ": " + e.Err.Error()
}

func (e *BackendError) Unwrap() error { return e.Err }

// Is reports whether target is ErrBackendUnavailable.
func (e *BackendError) Is(target error) bool {
	return target == ErrBackendUnavailable
}

// KindOf returns the classified kind of err, or KindOther.
func KindOf(err error) string {
	var be *BackendError
	if errors.As(err, &be) {
		return be.Kind
	}
	return KindOther
}
