package sds

import "errors"

// Sentinel errors for the acquisition engine's error kinds. Callers can
// errors.Is against these; wrapped context is added at the call site.
var (
	// ErrConfigRead is fatal during Start: a transport failure or a
	// malformed reply while refreshing DeviceConfig.
	ErrConfigRead = errors.New("sds: config read error")

	// ErrTimeout is surfaced when a wait predicate (trigger or stop)
	// exceeds its deadline.
	ErrTimeout = errors.New("sds: wait timeout")

	// ErrTransport is fatal for the current acquisition: a read
	// outside the retryable envelope, or a send failure.
	ErrTransport = errors.New("sds: transport error")

	// ErrEmptyWaveform means a promised waveform returned only the
	// terminator after exhausting retries; the channel is skipped.
	ErrEmptyWaveform = errors.New("sds: empty waveform")

	// ErrMalformedHeader is fatal: the wave descriptor's data_length
	// was zero with no recognizable terminator, or the terminator was
	// missing after the payload.
	ErrMalformedHeader = errors.New("sds: malformed header")

	// ErrProtocol is fatal: read_complete false at block end, a
	// response that ends before its header or payload is complete, an
	// unexpected INR? status after ARM, or Tick called in an unknown
	// phase.
	ErrProtocol = errors.New("sds: protocol error")
)
