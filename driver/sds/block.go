package sds

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"sdsacq.dev/session"
	"sdsacq.dev/transport"
)

// siglentHeaderSize is the minimum bytes of a wave descriptor response:
// a 15-byte preamble plus a 346-byte fixed WAVEDESC, plus 2 trailing
// terminator bytes bundled into the same read. A descriptor carrying
// optional variable-length trailers (user text, trigger time) is
// longer; blockHeaderSize picks that up once desc_length is known.
const siglentHeaderSize = 363

const (
	waveDescPreamble = 15
	descLengthOffset = 36
	dataLengthOffset = 60
)

func (e *Engine) tickReadHeader() (TickStatus, error) {
	st := &e.st
	target := siglentHeaderSize
	if st.blockHeaderSize > 0 {
		target = st.blockHeaderSize
	}

	if len(st.buffer) < target {
		chunk := make([]byte, target-len(st.buffer))
		n, err := e.t.ReadData(chunk)
		if err != nil {
			if errors.Is(err, transport.ErrStall) {
				if st.retryCount >= maxRetries {
					e.teardown()
					return Done, fmt.Errorf("%w: header read stalled", ErrTransport)
				}
				st.retryCount++
				time.Sleep(stallRetrySleep)
				return NeedIO, nil
			}
			e.teardown()
			return Done, fmt.Errorf("%w: %v", ErrTransport, err)
		}
		if n == 0 {
			e.teardown()
			return Done, fmt.Errorf("%w: unexpected end of header", ErrProtocol)
		}
		st.retryCount = 0
		st.buffer = append(st.buffer, chunk[:n]...)
		st.numHeaderBytes = len(st.buffer)
		if len(st.buffer) < target {
			return NeedIO, nil
		}
	}

	if st.blockHeaderSize == 0 {
		descLen := int(binary.LittleEndian.Uint32(st.buffer[waveDescPreamble+descLengthOffset : waveDescPreamble+descLengthOffset+4]))
		dataLen := int(binary.LittleEndian.Uint32(st.buffer[waveDescPreamble+dataLengthOffset : waveDescPreamble+dataLengthOffset+4]))
		if dataLen == 0 {
			return e.handleEmptyOrGarbageHeader()
		}
		st.blockHeaderSize = descLen + waveDescPreamble
		st.numSamples = dataLen
		if st.blockHeaderSize > len(st.buffer) {
			return NeedIO, nil
		}
	}

	st.buffer = st.buffer[:0]
	st.phase = phaseReadPayload
	return NeedIO, nil
}

// handleEmptyOrGarbageHeader runs when a wave descriptor reports
// data_length == 0. Reading up to 3 more bytes distinguishes a
// genuinely empty waveform (a bare 2-byte LF LF terminator, retried
// like any other empty-waveform response) from a malformed reply.
func (e *Engine) handleEmptyOrGarbageHeader() (TickStatus, error) {
	st := &e.st
	extra := make([]byte, 3)
	n, err := e.t.ReadData(extra)
	if err != nil && !errors.Is(err, transport.ErrStall) {
		e.teardown()
		return Done, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	if n != 2 {
		e.teardown()
		return Done, ErrMalformedHeader
	}
	if st.retryCount >= maxRetries {
		st.blockHeaderSize = 0
		st.buffer = st.buffer[:0]
		st.retryCount = 0
		st.channelCursor++
		st.phase = phaseChannelStart
		return NeedIO, fmt.Errorf("%w", ErrEmptyWaveform)
	}
	st.retryCount++
	time.Sleep(emptyRetrySleep)
	st.blockHeaderSize = 0
	st.buffer = st.buffer[:0]
	st.phase = phaseChannelStart
	return NeedIO, nil
}

func (e *Engine) tickReadPayload() (TickStatus, error) {
	st := &e.st
	remaining := st.numSamples - st.numBlockBytes
	budget := payloadChunkBudget
	if budget > remaining {
		budget = remaining
	}
	chunk := make([]byte, budget)
	n, err := e.t.ReadData(chunk)
	if err != nil {
		if errors.Is(err, transport.ErrStall) {
			if st.retryCount >= maxRetries {
				e.teardown()
				return Done, fmt.Errorf("%w: payload read stalled", ErrTransport)
			}
			st.retryCount++
			time.Sleep(stallRetrySleep)
			return NeedIO, nil
		}
		e.teardown()
		return Done, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	if n == 0 {
		e.teardown()
		return Done, fmt.Errorf("%w: unexpected end of response mid-block", ErrProtocol)
	}
	if n == 2 && st.numBlockRead == 0 {
		if st.retryCount >= maxRetries {
			st.buffer = st.buffer[:0]
			st.channelCursor++
			st.retryCount = 0
			st.phase = phaseChannelStart
			return NeedIO, fmt.Errorf("%w", ErrEmptyWaveform)
		}
		st.retryCount++
		time.Sleep(emptyRetrySleep)
		st.phase = phaseChannelStart
		return NeedIO, nil
	}

	st.retryCount = 0
	st.numBlockRead++
	st.numBlockBytes += n
	ch := st.enabledChannels[st.channelCursor]
	e.decodeAndEmitAnalog(ch, chunk[:n])
	if st.numBlockBytes >= st.numSamples {
		st.phase = phaseReadTerminator
	}
	return NeedIO, nil
}

func (e *Engine) tickReadTerminator() (TickStatus, error) {
	st := &e.st
	need := 2 - len(st.buffer)
	term := make([]byte, need)
	n, err := e.t.ReadData(term)
	if err != nil && !errors.Is(err, transport.ErrStall) {
		e.teardown()
		return Done, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	if n == 0 && err == nil {
		e.teardown()
		return Done, fmt.Errorf("%w: response ended before the 2-byte terminator", ErrMalformedHeader)
	}
	st.buffer = append(st.buffer, term[:n]...)
	if len(st.buffer) < 2 {
		return NeedIO, nil
	}

	complete, err := e.t.ReadComplete()
	if err != nil {
		e.teardown()
		return Done, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	if !complete {
		e.teardown()
		return Done, fmt.Errorf("%w: read_complete false at block end", ErrProtocol)
	}

	st.buffer = st.buffer[:0]
	st.blockHeaderSize = 0
	st.channelCursor++
	st.phase = phaseChannelStart
	return NeedIO, nil
}

// decodeAndEmitAnalog applies the Siglent analog decode law — voltage
// = vdiv * (sample/25) - offset, for signed-byte raw samples — and
// publishes the resulting batch.
func (e *Engine) decodeAndEmitAnalog(ch ChannelID, raw []byte) {
	vdiv := e.cfg.Analog[ch.Index].VDiv
	offset := e.cfg.Analog[ch.Index].VertOffset

	samples := make([]float32, len(raw))
	for i, b := range raw {
		s := int8(b)
		samples[i] = float32(vdiv*(float64(s)/25.0) - offset)
	}

	digits := int(math.Floor(-math.Log10(vdiv)))
	if vdiv < 1 {
		digits++
	}
	e.emit.SendAnalog(ch.Index, samples, session.AnalogMeaning{
		Quantity: session.Voltage,
		Unit:     session.Volt,
		Digits:   digits,
	})
}
