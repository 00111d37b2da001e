// Package sds implements the acquisition engine for Siglent SDS-family
// digital storage oscilloscopes: the state machine that drives a scope
// from idle through arming, triggering, and streaming calibrated
// waveform samples for a sequence of channels and frames.
//
// The engine owns no transport or sink of its own — it is injected with
// a transport.Transport and a session.Emitter, and it owns no threads:
// a host event loop drives it one Tick at a time.
package sds

import "strconv"

// ScopeFamily selects the arming, stop-detection, and per-channel fetch
// dialect a Model speaks.
type ScopeFamily int

const (
	// NonSpo is the oldest dialect: arming transitions straight to
	// WaitTrigger, and "stopped" is inferred by reusing the
	// trigger-ready status bit.
	NonSpo ScopeFamily = iota
	// Spo ("Super Phosphor Oscilloscope") adds INR?-based arm
	// handshaking and a distinct history-mode setup.
	Spo
	// Eseries is the newest dialect: colon-prefixed commands, no
	// separate trigger wait (Arm goes straight to Stop), and
	// TRMD?-based stop detection.
	Eseries
)

func (f ScopeFamily) String() string {
	switch f {
	case NonSpo:
		return "NonSpo"
	case Spo:
		return "Spo"
	case Eseries:
		return "Eseries"
	default:
		return "unknown"
	}
}

// MaxAnalogChannels bounds the size of the fixed per-channel config and
// state arrays; every supported Model has AnalogChannels <= this.
const MaxAnalogChannels = 4

// MaxDigitalChannels is the number of logic-analyzer lines a model with
// DigitalSupport exposes (D0..D15).
const MaxDigitalChannels = 16

// Model is a static, immutable descriptor for one scope model.
type Model struct {
	Name                string
	Family              ScopeFamily
	AnalogChannels      int
	DigitalSupport      bool
	HorizontalDivisions int
}

// Models is the static scope-model registry. Lookup is the only
// operation; entries never change at runtime.
var Models = map[string]Model{
	"SDS1104X":    {Name: "SDS1104X", Family: NonSpo, AnalogChannels: 4, DigitalSupport: false, HorizontalDivisions: 14},
	"SDS2304X":    {Name: "SDS2304X", Family: Spo, AnalogChannels: 4, DigitalSupport: true, HorizontalDivisions: 14},
	"SDS824X HD":  {Name: "SDS824X HD", Family: Eseries, AnalogChannels: 4, DigitalSupport: true, HorizontalDivisions: 14},
	"SDS2000X HD": {Name: "SDS2000X HD", Family: Eseries, AnalogChannels: 4, DigitalSupport: true, HorizontalDivisions: 14},
}

// Lookup returns the registered Model for name, if any.
func Lookup(name string) (Model, bool) {
	m, ok := Models[name]
	return m, ok
}

// ChannelKind distinguishes analog and digital channels within a
// ChannelID.
type ChannelKind int

const (
	ChannelAnalog ChannelKind = iota
	ChannelDigital
)

// ChannelID identifies one channel, analog (0..AnalogChannels-1) or
// digital (0..15).
type ChannelID struct {
	Kind  ChannelKind
	Index int
}

func (c ChannelID) String() string {
	switch c.Kind {
	case ChannelAnalog:
		return "C" + strconv.Itoa(c.Index+1)
	default:
		return "D" + strconv.Itoa(c.Index)
	}
}

// DataSource selects the arm/stop path for an acquisition.
type DataSource int

const (
	// Screen captures live, triggered acquisitions.
	Screen DataSource = iota
	// History replays frames already captured by the scope.
	History
	// ReadOnly skips arming entirely and reads whatever is already
	// on-screen.
	ReadOnly
)
