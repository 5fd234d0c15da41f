package media

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors shared by the controller and the decode context.
var (
	ErrTransferred             = errors.New("media: handle already transferred")
	ErrClosed                  = errors.New("media: pipeline closed")
	ErrInconsistentSampleRate  = errors.New("media: audio tracks disagree on sample rate")
	ErrInvalidAudioParameters  = errors.New("media: invalid audio parameters")
	ErrNotVideoTrack           = errors.New("media: expected video track")
	ErrMissingCodecDescription = errors.New("media: no codec description box")
)

// ConfigurationError reports audio/video parameters that cannot be
// negotiated. It aborts session setup.
type ConfigurationError struct {
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("media: configuration: %s", e.Reason)
	}
	return fmt.Sprintf("media: configuration: %s: %v", e.Reason, e.Err)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// UnsupportedCodecError indicates a track whose codec cannot be configured,
// typically because its sample entry carries no recognized codec
// description box. It is fatal to that track's pipeline only.
type UnsupportedCodecError struct {
	Track string
	Codec string
	Err   error
}

func (e *UnsupportedCodecError) Error() string {
	return fmt.Sprintf("media: unsupported codec %q on track %q: %v", e.Codec, e.Track, e.Err)
}

func (e *UnsupportedCodecError) Unwrap() error {
	return e.Err
}

// DecodeError is a per-frame decode failure. It never halts a pipeline.
type DecodeError struct {
	Timestamp time.Duration
	Err       error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("media: decode at %v: %v", e.Timestamp, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}
