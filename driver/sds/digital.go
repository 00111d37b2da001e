package sds

import (
	"fmt"
)

// buildEnabledChannels lists the channels a capture will fetch, in
// fetch order: enabled analog channels by index, then a single
// synthetic digital channel standing in for the whole logic-analyzer
// bus if digital capture is active.
func buildEnabledChannels(m Model, cfg *DeviceConfig) []ChannelID {
	var chans []ChannelID
	for i := 0; i < m.AnalogChannels; i++ {
		if cfg.Analog[i].Enabled {
			chans = append(chans, ChannelID{Kind: ChannelAnalog, Index: i})
		}
	}
	if m.DigitalSupport && cfg.LAEnabled {
		chans = append(chans, ChannelID{Kind: ChannelDigital, Index: 0})
	}
	return chans
}

// fetchDigital performs the whole bulk logic-analyzer fetch: one
// D{i}:WF? DAT2 round trip per enabled line, transposed into
// interleaved 16-bit low/high words. It runs as one synchronous pass
// rather than a per-Tick resumable loop: at most MaxDigitalChannels
// round trips, each carrying (MemoryDepthDigital+7)/8 payload bytes, so
// the time it takes grows with the digital memory depth.
func (e *Engine) fetchDigital() error {
	st := &e.st
	depth := int(e.cfg.MemoryDepthDigital)
	if depth <= 0 {
		return nil
	}

	packedLen := (depth + 7) / 8
	lines := make([][]byte, MaxDigitalChannels)
	for i := 0; i < MaxDigitalChannels; i++ {
		if !e.cfg.Digital[i].Enabled {
			continue
		}
		raw, err := e.fetchDigitalLine(i, packedLen)
		if err != nil {
			return err
		}
		lines[i] = raw
	}

	words := make([]byte, depth*2)
	for k := 0; k < depth; k++ {
		byteIdx, bitIdx := k>>3, uint(k&7)
		var lo, hi uint16
		for i := 0; i < 8; i++ {
			if lines[i] != nil && (lines[i][byteIdx]>>bitIdx)&1 != 0 {
				lo |= 1 << uint(i)
			}
		}
		for i := 8; i < MaxDigitalChannels; i++ {
			if lines[i] != nil && (lines[i][byteIdx]>>bitIdx)&1 != 0 {
				hi |= 1 << uint(i-8)
			}
		}
		words[2*k] = byte(lo)
		words[2*k+1] = byte(hi)
	}

	e.emit.SendLogic(words, 2)
	st.channelCursor++
	st.phase = phaseChannelStart
	return nil
}

// fetchDigitalLine reads one D{index}:WF? DAT2 response: a 15-byte
// preamble, packedLen bytes of bit-packed samples (8 samples per byte,
// LSB first), and the 2-byte terminator.
func (e *Engine) fetchDigitalLine(index, packedLen int) ([]byte, error) {
	if err := e.t.Send("D%d:WF? DAT2", index); err != nil {
		return nil, fmt.Errorf("%w: D%d:WF?: %v", ErrTransport, index, err)
	}
	if err := e.t.ReadBegin(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	hdr := make([]byte, waveDescPreamble)
	if err := readFull(e.t, hdr); err != nil {
		return nil, fmt.Errorf("%w: D%d header: %v", ErrTransport, index, err)
	}
	data := make([]byte, packedLen)
	if err := readFull(e.t, data); err != nil {
		return nil, fmt.Errorf("%w: D%d payload: %v", ErrTransport, index, err)
	}
	term := make([]byte, 2)
	if err := readFull(e.t, term); err != nil {
		return nil, fmt.Errorf("%w: D%d terminator: %v", ErrTransport, index, err)
	}
	complete, err := e.t.ReadComplete()
	if err != nil {
		return nil, fmt.Errorf("%w: D%d: %v", ErrTransport, index, err)
	}
	if !complete {
		return nil, fmt.Errorf("%w: D%d: read_complete false at block end", ErrProtocol, index)
	}
	return data, nil
}

func (e *Engine) tickDigitalFetch() (TickStatus, error) {
	if err := e.fetchDigital(); err != nil {
		e.teardown()
		return Done, err
	}
	return NeedIO, nil
}
