package sds

import (
	"fmt"
	"strconv"
	"strings"

	"sdsacq.dev/transport"
)

// ChannelConfig holds the cached per-analog-channel vertical settings.
type ChannelConfig struct {
	Enabled     bool
	VDiv        float64 // volts/division
	VertOffset  float64 // volts
	Coupling    string
	Attenuation float64
}

// DigitalChannelConfig holds the cached per-digital-line enable state.
type DigitalChannelConfig struct {
	Enabled bool
}

// DeviceConfig is the read-only snapshot of scope state built once at
// acquisition start and consulted throughout a capture.
type DeviceConfig struct {
	Analog  [MaxAnalogChannels]ChannelConfig
	Digital [MaxDigitalChannels]DigitalChannelConfig
	LAEnabled bool

	Timebase           float64 // s/division
	SampleRate         float64 // Sa/s
	MemoryDepthAnalog  float64 // samples
	MemoryDepthDigital float64 // samples

	TriggerSource   string
	TriggerSlope    string
	TriggerLevel    float64
	TriggerHPos     float64 // seconds
}

// refreshConfig issues the deterministic query sequence spec.md §4.3
// requires and populates cfg. The ordering matters: some scopes latch
// per-channel state as a side effect of being asked about it in
// sequence, so queries are not reordered or batched.
func refreshConfig(t transport.Transport, model Model, cfg *DeviceConfig) error {
	*cfg = DeviceConfig{}

	for i := 0; i < model.AnalogChannels; i++ {
		en, err := t.GetBool(fmt.Sprintf("C%d:TRA?", i+1))
		if err != nil {
			return fmt.Errorf("%w: C%d:TRA?: %v", ErrConfigRead, i+1, err)
		}
		cfg.Analog[i].Enabled = en
	}

	if model.DigitalSupport {
		la, err := t.GetBool("DI:SW?")
		if err != nil {
			return fmt.Errorf("%w: DI:SW?: %v", ErrConfigRead, err)
		}
		cfg.LAEnabled = la

		for i := 0; i < MaxDigitalChannels; i++ {
			en, err := t.GetBool(fmt.Sprintf("D%d:TRA?", i))
			if err != nil {
				return fmt.Errorf("%w: D%d:TRA?: %v", ErrConfigRead, i, err)
			}
			cfg.Digital[i].Enabled = en
		}
	}

	tdiv, err := t.GetFloat("TDIV?")
	if err != nil {
		return fmt.Errorf("%w: TDIV?: %v", ErrConfigRead, err)
	}
	cfg.Timebase = tdiv

	for i := 0; i < model.AnalogChannels; i++ {
		attn, err := t.GetFloat(fmt.Sprintf("C%d:ATTN?", i+1))
		if err != nil {
			return fmt.Errorf("%w: C%d:ATTN?: %v", ErrConfigRead, i+1, err)
		}
		cfg.Analog[i].Attenuation = attn

		vdiv, err := t.GetFloat(fmt.Sprintf("C%d:VDIV?", i+1))
		if err != nil {
			return fmt.Errorf("%w: C%d:VDIV?: %v", ErrConfigRead, i+1, err)
		}
		cfg.Analog[i].VDiv = vdiv

		ofst, err := t.GetFloat(fmt.Sprintf("C%d:OFST?", i+1))
		if err != nil {
			return fmt.Errorf("%w: C%d:OFST?: %v", ErrConfigRead, i+1, err)
		}
		cfg.Analog[i].VertOffset = ofst

		cpl, err := t.GetString(fmt.Sprintf("C%d:CPL?", i+1))
		if err != nil {
			return fmt.Errorf("%w: C%d:CPL?: %v", ErrConfigRead, i+1, err)
		}
		cfg.Analog[i].Coupling = cpl
	}

	trse, err := t.GetString("TRSE?")
	if err != nil {
		return fmt.Errorf("%w: TRSE?: %v", ErrConfigRead, err)
	}
	toks := strings.Split(trse, ",")
	if len(toks) < 4 {
		return fmt.Errorf("%w: TRSE? reply %q has fewer than 4 tokens", ErrConfigRead, trse)
	}
	cfg.TriggerSource = strings.TrimSpace(toks[2])
	if len(toks) >= 5 {
		hpos, err := parseTriggerPosition(strings.TrimSpace(toks[4]))
		if err != nil {
			return fmt.Errorf("%w: TRSE? horizontal position: %v", ErrConfigRead, err)
		}
		cfg.TriggerHPos = hpos
	}

	slope, err := t.GetString(fmt.Sprintf("%s:TRSL?", cfg.TriggerSource))
	if err != nil {
		return fmt.Errorf("%w: %s:TRSL?: %v", ErrConfigRead, cfg.TriggerSource, err)
	}
	cfg.TriggerSlope = slope

	if strings.HasPrefix(cfg.TriggerSource, "C") {
		lvl, err := t.GetFloat(fmt.Sprintf("%s:TRLV?", cfg.TriggerSource))
		if err != nil {
			return fmt.Errorf("%w: %s:TRLV?: %v", ErrConfigRead, cfg.TriggerSource, err)
		}
		cfg.TriggerLevel = lvl
	}

	sanuA, err := t.GetString("SANU? C1")
	if err != nil {
		return fmt.Errorf("%w: SANU? C1: %v", ErrConfigRead, err)
	}
	depthA, err := parseMemoryDepth(sanuA)
	if err != nil {
		return fmt.Errorf("%w: SANU? C1 reply %q: %v", ErrConfigRead, sanuA, err)
	}
	cfg.MemoryDepthAnalog = depthA

	if model.DigitalSupport && cfg.LAEnabled {
		sanuD, err := t.GetString("SANU? D0")
		if err != nil {
			return fmt.Errorf("%w: SANU? D0: %v", ErrConfigRead, err)
		}
		depthD, err := parseMemoryDepth(sanuD)
		if err != nil {
			return fmt.Errorf("%w: SANU? D0 reply %q: %v", ErrConfigRead, sanuD, err)
		}
		cfg.MemoryDepthDigital = depthD
	}

	if cfg.Timebase > 0 {
		cfg.SampleRate = cfg.MemoryDepthAnalog / (cfg.Timebase * float64(model.HorizontalDivisions))
	}

	return nil
}

// parseMemoryDepth parses a SANU? reply: a bare float (Eseries), or a
// numeric with a Mpts/Kpts suffix (Spo/NonSpo). Kpts is scaled by 1e4,
// not the SI 1e3 — preserved exactly as the source behaves; see
// DESIGN.md.
func parseMemoryDepth(reply string) (float64, error) {
	reply = strings.TrimSpace(reply)
	switch {
	case strings.HasSuffix(reply, "Mpts"):
		v, err := strconv.ParseFloat(strings.TrimSuffix(reply, "Mpts"), 64)
		return v * 1e6, err
	case strings.HasSuffix(reply, "Kpts"):
		v, err := strconv.ParseFloat(strings.TrimSuffix(reply, "Kpts"), 64)
		return v * 1e4, err
	default:
		return strconv.ParseFloat(reply, 64)
	}
}

// parseTriggerPosition decodes a TRSE? horizontal-position token of the
// form "<float><suffix>" where suffix is one of us, ns, ms, s. The
// us/ns scale factors are swapped from natural SI — preserved exactly
// as the source behaves; see DESIGN.md.
func parseTriggerPosition(tok string) (float64, error) {
	scale := func(suffix string, divisor float64) (float64, bool, error) {
		if !strings.HasSuffix(tok, suffix) {
			return 0, false, nil
		}
		v, err := strconv.ParseFloat(strings.TrimSuffix(tok, suffix), 64)
		return v / divisor, true, err
	}
	if v, ok, err := scale("us", 1e9); ok {
		return v, err
	}
	if v, ok, err := scale("ns", 1e6); ok {
		return v, err
	}
	if v, ok, err := scale("ms", 1e3); ok {
		return v, err
	}
	if v, ok, err := scale("s", 1); ok {
		return v, err
	}
	return 0, fmt.Errorf("unrecognized suffix in %q", tok)
}
