// Package transport defines the capability the acquisition engine in
// driver/sds is injected with: an ASCII SCPI command/reply channel plus
// a framed binary read path for waveform blocks.
package transport

import "errors"

// ErrStall is returned by ReadData for a transient, retryable transport
// stall — the USBTMC link needing a refill mid-response — rather than a
// hard failure. Callers retry a bounded number of times before treating
// it as fatal.
var ErrStall = errors.New("transport: stall")

// Transport is the capability consumed by the acquisition engine. A
// concrete implementation owns the physical (or simulated) connection;
// the engine never reaches behind the interface.
type Transport interface {
	// Send issues a line-terminated ASCII SCPI command.
	Send(format string, args ...any) error

	// GetString, GetInt, GetFloat and GetBool send query and parse the
	// reply in the given form.
	GetString(query string) (string, error)
	GetInt(query string) (int, error)
	GetFloat(query string) (float64, error)
	GetBool(query string) (bool, error)

	// ReadBegin arms the transport to receive a response block, such as
	// a waveform fetch reply.
	ReadBegin() error

	// ReadData reads up to len(buf) bytes of the current response into
	// buf. It returns n=0, nil at a clean end of response, and wraps
	// ErrStall for a retryable transient stall.
	ReadData(buf []byte) (int, error)

	// ReadComplete reports whether the current response has been fully
	// drained.
	ReadComplete() (bool, error)
}
