package sds

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"sdsacq.dev/session"
	"sdsacq.dev/transport"
)

// WaitEvent names what the engine is currently waiting on, mirroring
// the family-specific arm/stop dialects.
type WaitEvent int

const (
	WaitNone WaitEvent = iota
	WaitTrigger
	WaitStop
	WaitBlock
)

// TickStatus is the result of one Engine.Tick call.
type TickStatus int

const (
	// NeedIO means the engine did bounded work and wants to be ticked
	// again; the host should poll the transport's fd and call Tick
	// again when ready (or after its own short timeout).
	NeedIO TickStatus = iota
	// Done means the acquisition has ended: either the requested frame
	// count was reached and session.Emitter.SendEnd has been called, or
	// it ended abnormally (Tick returns the error alongside Done) or was
	// stopped, in which case SendEnd is not called.
	Done
)

// Device status codes reported by INR? at arm time. These are
// implementation assumptions — see DESIGN.md — since the reference
// firmware's exact bit assignments were not available to ground
// against; bit 0 is treated as the trigger/stop-ready flag elsewhere
// in this file, consistent with these two codes.
const (
	statusTrigRdy     = 0x1
	statusDataTrigRdy = 0x3
)

const (
	pollInterval       = 10 * time.Millisecond
	waitTimeout        = 3 * time.Second
	maxRetries         = 5
	stallRetrySleep    = time.Millisecond
	emptyRetrySleep    = 100 * time.Millisecond
	payloadChunkBudget = 10 * 1024
)

// EngineOptions overrides the protocol timing constants that are
// otherwise fixed, so tests can run the state machine without waiting
// on real wall-clock sleeps.
type EngineOptions struct {
	PollInterval time.Duration
	WaitTimeout  time.Duration
}

func (o EngineOptions) pollInterval() time.Duration {
	if o.PollInterval > 0 {
		return o.PollInterval
	}
	return pollInterval
}

func (o EngineOptions) waitTimeout() time.Duration {
	if o.WaitTimeout > 0 {
		return o.WaitTimeout
	}
	return waitTimeout
}

type phase int

const (
	phaseIdle phase = iota
	phaseWaitTrigger
	phaseWaitStop
	phaseChannelStart
	phaseReadPreWait
	phaseReadHeader
	phaseReadPayload
	phaseReadTerminator
	phaseDigitalFetch
	phaseFrameBoundary
	phaseDone
)

// AcquisitionState is the mutable state of one capture: everything
// Engine.Tick needs to resume exactly where the previous call left off.
type AcquisitionState struct {
	phase phase

	waitEvent   WaitEvent
	numFrames   int
	limitFrames int

	numSamples      int
	numBlockBytes   int
	numBlockRead    int
	numHeaderBytes  int
	blockHeaderSize int

	enabledChannels []ChannelID
	channelCursor   int

	retryCount   int
	closeHistory bool

	buffer []byte

	deadline time.Time
	inFrame  bool
}

// Engine is the acquisition state machine. It owns no transport or
// sink of its own: both are injected, and it owns no goroutine of its
// own either — a host loop drives it one Tick at a time.
type Engine struct {
	t     transport.Transport
	emit  session.Emitter
	model Model
	src   DataSource
	opts  EngineOptions

	cfg DeviceConfig
	st  AcquisitionState
}

// NewEngine constructs an Engine for model, reading from source. If
// limitFrames is 0, the engine captures every frame the source offers
// (the scope's full history depth, for DataSource History).
func NewEngine(t transport.Transport, emit session.Emitter, model Model, source DataSource, limitFrames int, opts EngineOptions) *Engine {
	return &Engine{
		t: t, emit: emit, model: model, src: source, opts: opts,
		st: AcquisitionState{limitFrames: limitFrames},
	}
}

// Start refreshes the device configuration, arms the scope for the
// first frame, and emits the first frame_begin. It may block briefly
// on transport round trips but never on a multi-second wait; those are
// handled cooperatively by Tick.
func (e *Engine) Start() error {
	st := &e.st
	st.numFrames = 0
	st.retryCount = 0
	st.closeHistory = false
	st.buffer = make([]byte, 0, payloadChunkBudget)

	if err := refreshConfig(e.t, e.model, &e.cfg); err != nil {
		return err
	}
	st.enabledChannels = buildEnabledChannels(e.model, &e.cfg)
	if len(st.enabledChannels) == 0 {
		return fmt.Errorf("%w: no channels enabled", ErrConfigRead)
	}
	st.channelCursor = 0

	if err := e.arm(); err != nil {
		return err
	}
	e.emit.SendFrameBegin()
	st.inFrame = true
	return nil
}

// Tick drives the state machine forward by one bounded unit of work: as
// a rule one transport exchange plus at most one short sleep. Two steps
// do more in a single call: the digital bulk fetch, which runs the round
// trip of every enabled line, and re-arming at a frame boundary, which
// runs the family's arming exchange. ioReady hints that the
// transport's underlying fd is readable; the engine still behaves
// correctly if the hint is wrong, it just may spend a Tick finding
// that out.
//
// A non-nil error alongside NeedIO is a recoverable event worth
// logging (ErrEmptyWaveform after a channel's retries are exhausted:
// the channel is skipped and the sequencer moves on). Only an error
// alongside Done means the acquisition itself has ended abnormally.
func (e *Engine) Tick(ioReady bool) (TickStatus, error) {
	st := &e.st
	switch st.phase {
	case phaseWaitTrigger:
		return e.tickWait(true)
	case phaseWaitStop:
		return e.tickWait(false)
	case phaseChannelStart:
		return e.tickChannelStart()
	case phaseReadPreWait:
		return e.tickReadPreWait()
	case phaseReadHeader:
		return e.tickReadHeader()
	case phaseReadPayload:
		return e.tickReadPayload()
	case phaseReadTerminator:
		return e.tickReadTerminator()
	case phaseDigitalFetch:
		return e.tickDigitalFetch()
	case phaseFrameBoundary:
		return e.tickFrameBoundary()
	case phaseDone:
		return Done, nil
	default:
		e.teardown()
		return Done, fmt.Errorf("%w: tick called in phase %d", ErrProtocol, st.phase)
	}
}

// Stop cancels an in-progress acquisition. Idempotent: calling it after
// the engine has already reached Done, or calling it twice, is safe.
func (e *Engine) Stop() error {
	st := &e.st
	if st.phase == phaseDone {
		return nil
	}
	if st.inFrame {
		e.emit.SendFrameEnd()
		st.inFrame = false
	}
	var err error
	if e.model.Family == Eseries && e.src == History && st.closeHistory {
		if sendErr := e.t.Send(":HSMD OFF"); sendErr != nil {
			err = fmt.Errorf("%w: %v", ErrTransport, sendErr)
		}
		st.closeHistory = false
	}
	st.phase = phaseDone
	return err
}

func (e *Engine) teardown() {
	st := &e.st
	if st.inFrame {
		e.emit.SendFrameEnd()
		st.inFrame = false
	}
	st.phase = phaseDone
}

// arm runs the family/source-specific transition out of Idle, deciding
// the first WaitEvent and (re)setting the 3-second wait deadline. It is
// also used, unchanged, to re-arm for every frame after the first on a
// non-Eseries scope, whatever the data source.
func (e *Engine) arm() error {
	st := &e.st
	switch e.model.Family {
	case NonSpo:
		st.waitEvent = WaitTrigger
		st.phase = phaseWaitTrigger
	case Spo:
		switch e.src {
		case Screen:
			if err := e.t.Send("ARM"); err != nil {
				return fmt.Errorf("%w: ARM: %v", ErrTransport, err)
			}
			code, err := e.t.GetInt("INR?")
			if err != nil {
				return fmt.Errorf("%w: INR?: %v", ErrTransport, err)
			}
			switch code {
			case statusTrigRdy:
				st.waitEvent = WaitTrigger
				st.phase = phaseWaitTrigger
			case statusDataTrigRdy:
				st.waitEvent = WaitBlock
				st.channelCursor = 0
				st.phase = phaseChannelStart
			default:
				return fmt.Errorf("%w: unexpected INR? status %d after ARM", ErrProtocol, code)
			}
		case History:
			if err := e.armSpoHistory(); err != nil {
				return err
			}
		case ReadOnly:
			st.waitEvent = WaitStop
			st.phase = phaseWaitStop
		}
	case Eseries:
		switch e.src {
		case Screen:
			st.limitFrames = 1
			st.closeHistory = false
			if err := e.t.Send(":TRMD SINGLE"); err != nil {
				return fmt.Errorf("%w: :TRMD SINGLE: %v", ErrTransport, err)
			}
			st.waitEvent = WaitStop
			st.phase = phaseWaitStop
		case History:
			if err := e.armEseriesHistory(); err != nil {
				return err
			}
		case ReadOnly:
			st.limitFrames = 1
			st.closeHistory = false
			st.waitEvent = WaitStop
			st.phase = phaseWaitStop
		}
	}
	st.deadline = time.Now().Add(e.opts.waitTimeout())
	return nil
}

func (e *Engine) armSpoHistory() error {
	st := &e.st
	if err := e.t.Send("FPAR?"); err != nil {
		return fmt.Errorf("%w: FPAR?: %v", ErrTransport, err)
	}
	if err := e.t.ReadBegin(); err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	hdr := make([]byte, 200)
	if err := readFull(e.t, hdr); err != nil {
		return fmt.Errorf("%w: FPAR? header: %v", ErrConfigRead, err)
	}
	complete, err := e.t.ReadComplete()
	if err != nil {
		return fmt.Errorf("%w: FPAR?: %v", ErrTransport, err)
	}
	if !complete {
		return fmt.Errorf("%w: FPAR?: read_complete false at block end", ErrProtocol)
	}
	total := int(binary.LittleEndian.Uint32(hdr[40:44]))
	if st.limitFrames == 0 {
		st.limitFrames = total
	}
	if err := e.t.Send("FRAM %d", st.numFrames+1); err != nil {
		return fmt.Errorf("%w: FRAM: %v", ErrTransport, err)
	}
	st.waitEvent = WaitStop
	st.phase = phaseWaitStop
	return nil
}

func (e *Engine) armEseriesHistory() error {
	st := &e.st
	mode, err := e.t.GetString(":TRMD?")
	if err != nil {
		return fmt.Errorf("%w: :TRMD?: %v", ErrTransport, err)
	}
	st.closeHistory = mode != "STOP"

	hsmd, err := e.t.GetString(":HSMD?")
	if err != nil {
		return fmt.Errorf("%w: :HSMD?: %v", ErrTransport, err)
	}
	if hsmd == "OFF" {
		if err := e.t.Send(":HSMD ON"); err != nil {
			return fmt.Errorf("%w: :HSMD ON: %v", ErrTransport, err)
		}
	}
	total, err := e.t.GetInt(":FRAM?")
	if err != nil {
		return fmt.Errorf("%w: :FRAM?: %v", ErrTransport, err)
	}
	if st.limitFrames == 0 {
		st.limitFrames = total
	}
	if err := e.t.Send(":FRAM %d", 1); err != nil {
		return fmt.Errorf("%w: :FRAM: %v", ErrTransport, err)
	}
	st.waitEvent = WaitStop
	st.phase = phaseWaitStop
	return nil
}

func (e *Engine) tickWait(trigger bool) (TickStatus, error) {
	st := &e.st
	if time.Now().After(st.deadline) {
		e.teardown()
		return Done, ErrTimeout
	}
	ready, err := e.waitPredicate(trigger)
	if err != nil {
		e.teardown()
		return Done, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	if !ready {
		time.Sleep(e.opts.pollInterval())
		return NeedIO, nil
	}
	st.waitEvent = WaitNone
	if trigger {
		tb := e.cfg.Timebase
		if tb > 0.99e-6 && tb < 0.51 {
			settle := time.Duration(tb*float64(e.model.HorizontalDivisions)*1000) * time.Microsecond
			time.Sleep(settle)
		}
	}
	st.channelCursor = 0
	st.phase = phaseChannelStart
	return NeedIO, nil
}

func (e *Engine) waitPredicate(trigger bool) (bool, error) {
	if !trigger && e.model.Family == Eseries {
		mode, err := e.t.GetString(":TRMD?")
		if err != nil {
			return false, err
		}
		return mode == "STOP", nil
	}
	code, err := e.t.GetInt("INR?")
	if err != nil {
		return false, err
	}
	return code&1 == 1, nil
}

func (e *Engine) tickChannelStart() (TickStatus, error) {
	st := &e.st
	if st.channelCursor >= len(st.enabledChannels) {
		st.phase = phaseFrameBoundary
		return NeedIO, nil
	}
	ch := st.enabledChannels[st.channelCursor]
	if ch.Kind == ChannelDigital {
		st.phase = phaseDigitalFetch
		return NeedIO, nil
	}
	if err := e.t.Send("%s:WF? ALL", ch.String()); err != nil {
		e.teardown()
		return Done, fmt.Errorf("%w: %s:WF?: %v", ErrTransport, ch.String(), err)
	}
	st.numHeaderBytes = 0
	st.numBlockBytes = 0
	st.numBlockRead = 0
	st.numSamples = 0
	st.blockHeaderSize = 0
	st.buffer = st.buffer[:0]
	st.phase = phaseReadPreWait
	return NeedIO, nil
}

func (e *Engine) tickReadPreWait() (TickStatus, error) {
	switch e.model.Family {
	case Eseries:
		if err := e.t.ReadBegin(); err != nil {
			e.teardown()
			return Done, fmt.Errorf("%w: %v", ErrTransport, err)
		}
		wait := time.Duration(e.cfg.Timebase * float64(e.model.HorizontalDivisions) * float64(time.Second) / 10)
		if max := 10 * time.Millisecond; wait > max {
			wait = max
		}
		time.Sleep(wait)
	default:
		wait := time.Duration(e.cfg.MemoryDepthAnalog * 2.5 * float64(time.Microsecond))
		time.Sleep(wait)
		if err := e.t.ReadBegin(); err != nil {
			e.teardown()
			return Done, fmt.Errorf("%w: %v", ErrTransport, err)
		}
	}
	e.st.phase = phaseReadHeader
	return NeedIO, nil
}

func (e *Engine) tickFrameBoundary() (TickStatus, error) {
	st := &e.st
	e.emit.SendFrameEnd()
	st.inFrame = false
	st.numFrames++

	if st.numFrames == st.limitFrames {
		if e.model.Family == Eseries && e.src == History && st.closeHistory {
			if err := e.t.Send(":HSMD OFF"); err != nil {
				return Done, fmt.Errorf("%w: :HSMD OFF: %v", ErrTransport, err)
			}
			st.closeHistory = false
		}
		e.emit.SendEnd()
		st.phase = phaseDone
		return Done, nil
	}

	if e.model.Family == Eseries {
		if err := e.t.Send(":FRAM %d", st.numFrames+1); err != nil {
			e.teardown()
			return Done, fmt.Errorf("%w: :FRAM: %v", ErrTransport, err)
		}
		st.channelCursor = 0
		e.emit.SendFrameBegin()
		st.inFrame = true
		st.phase = phaseChannelStart
		return NeedIO, nil
	}

	if err := e.arm(); err != nil {
		e.teardown()
		return Done, err
	}
	e.emit.SendFrameBegin()
	st.inFrame = true
	return NeedIO, nil
}

func readFull(t transport.Transport, buf []byte) error {
	filled := 0
	retries := 0
	for filled < len(buf) {
		n, err := t.ReadData(buf[filled:])
		if err != nil {
			if errors.Is(err, transport.ErrStall) {
				if retries >= maxRetries {
					return fmt.Errorf("%w: stalled", ErrTransport)
				}
				retries++
				time.Sleep(stallRetrySleep)
				continue
			}
			return err
		}
		if n == 0 {
			return fmt.Errorf("%w: unexpected end of response", ErrProtocol)
		}
		filled += n
		retries = 0
	}
	return nil
}
