package sds

import (
	"encoding/binary"
	"errors"
	"strconv"
	"testing"
	"time"

	"sdsacq.dev/session"
)

type recordingEmitter struct {
	events  []string
	analog  map[int][]float32
	logic   [][]byte
	ended   bool
}

func newRecordingEmitter() *recordingEmitter {
	return &recordingEmitter{analog: map[int][]float32{}}
}

func (r *recordingEmitter) SendFrameBegin() { r.events = append(r.events, "frame_begin") }
func (r *recordingEmitter) SendFrameEnd()   { r.events = append(r.events, "frame_end") }
func (r *recordingEmitter) SendEnd() {
	r.events = append(r.events, "end")
	r.ended = true
}
func (r *recordingEmitter) SendAnalog(channel int, samples []float32, meaning session.AnalogMeaning) {
	r.events = append(r.events, "analog")
	r.analog[channel] = append(r.analog[channel], samples...)
}
func (r *recordingEmitter) SendLogic(data []byte, unitSize int) {
	r.events = append(r.events, "logic")
	r.logic = append(r.logic, data)
}

// buildWaveBlock constructs a synthetic Siglent wave-descriptor
// response: a fixed 363-byte header carrying desc_length and
// data_length at their documented offsets, followed by the raw sample
// payload and a 2-byte terminator.
func buildWaveBlock(payload []byte) []byte {
	hdr := make([]byte, siglentHeaderSize)
	binary.LittleEndian.PutUint32(hdr[waveDescPreamble+descLengthOffset:], 346)
	binary.LittleEndian.PutUint32(hdr[waveDescPreamble+dataLengthOffset:], uint32(len(payload)))
	block := append(hdr, payload...)
	block = append(block, 0x0A, 0x0A)
	return block
}

func TestEngineNonSpoSingleChannelScreen(t *testing.T) {
	model := Models["SDS1104X"]
	sim := NewSimulator()
	sim.Replies = map[string]string{
		"C1:TRA?": "1", "C2:TRA?": "0", "C3:TRA?": "0", "C4:TRA?": "0",
		"TDIV?":    "0.0005",
		"TRSE?":    "EDGE,SR,C1,HT,500us",
		"C1:TRSL?": "POS",
		"C1:TRLV?": "0",
		"SANU? C1": "4",
	}
	analogConfigReplies(sim.Replies, model.AnalogChannels)
	sim.Sequences = map[string][]string{
		"INR?": {"0", "1"},
	}
	sim.Blocks = map[string][]byte{
		"C1:WF? ALL": buildWaveBlock([]byte{0, 25, 256 - 25, 50}),
	}

	emit := newRecordingEmitter()
	eng := NewEngine(sim, emit, model, Screen, 1, EngineOptions{PollInterval: 0})

	if err := eng.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	status := NeedIO
	var err error
	for i := 0; i < 100 && status != Done; i++ {
		status, err = eng.Tick(true)
		if err != nil {
			t.Fatalf("Tick: %v", err)
		}
	}
	if status != Done {
		t.Fatal("engine never reached Done")
	}
	if !emit.ended {
		t.Error("SendEnd was never called")
	}
	want := []float32{0, 1, -1, 2}
	got := emit.analog[0]
	if len(got) != len(want) {
		t.Fatalf("channel 0 sample count = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d = %v, want %v", i, got[i], want[i])
		}
	}
}

// buildEmptyWaveBlock constructs the response shape a scope sends for
// a genuinely empty waveform: a full header with data_length == 0,
// followed only by the 2-byte terminator.
func buildEmptyWaveBlock() []byte {
	hdr := make([]byte, siglentHeaderSize)
	binary.LittleEndian.PutUint32(hdr[waveDescPreamble+descLengthOffset:], 346)
	return append(hdr, 0x0A, 0x0A)
}

func TestEngineEmptyWaveformRetryThenSkip(t *testing.T) {
	model := Models["SDS1104X"]
	sim := NewSimulator()
	sim.Replies = map[string]string{
		"C1:TRA?": "1", "C2:TRA?": "0", "C3:TRA?": "0", "C4:TRA?": "0",
		"TDIV?":    "0.0005",
		"TRSE?":    "EDGE,SR,C1,HT,500us",
		"C1:TRSL?": "POS",
		"C1:TRLV?": "0",
		"SANU? C1": "4",
	}
	analogConfigReplies(sim.Replies, model.AnalogChannels)
	sim.Sequences = map[string][]string{
		"INR?": {"1"},
	}
	// Every C1:WF? ALL resend yields data_length == 0: an empty
	// waveform, exhausted after maxRetries attempts.
	sim.Blocks = map[string][]byte{
		"C1:WF? ALL": buildEmptyWaveBlock(),
	}

	emit := newRecordingEmitter()
	eng := NewEngine(sim, emit, model, Screen, 1, EngineOptions{PollInterval: 0})
	if err := eng.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	status := NeedIO
	sawEmptyWaveform := false
	for i := 0; i < 200 && status != Done; i++ {
		var err error
		status, err = eng.Tick(true)
		if err != nil {
			sawEmptyWaveform = true
		}
	}
	if status != Done {
		t.Fatal("engine never reached Done")
	}
	if !sawEmptyWaveform {
		t.Error("expected an empty-waveform error to surface during retries")
	}
	if !emit.ended {
		t.Error("SendEnd was never called; channel exhaustion should still finish the frame")
	}
	if len(emit.analog[0]) != 0 {
		t.Error("no analog samples should have been emitted for an exhausted channel")
	}
}

// analogConfigReplies fills in the ATTN?/VDIV?/OFST?/CPL? quartet that
// refreshConfig queries for every analog channel regardless of its
// enabled state.
func analogConfigReplies(replies map[string]string, channels int) {
	for i := 1; i <= channels; i++ {
		c := "C" + strconv.Itoa(i)
		replies[c+":ATTN?"] = "10"
		replies[c+":VDIV?"] = "1"
		replies[c+":OFST?"] = "0"
		replies[c+":CPL?"] = "D1M"
	}
}

// TestEngineSpoHistoryArm covers scenario S2: arming an Spo-family
// scope's History source reads the full 200-byte FPAR? header (not a
// truncated prefix) and verifies read_complete before sending FRAM, so
// the transport's buffered reader stays in sync for every query that
// follows.
func TestEngineSpoHistoryArm(t *testing.T) {
	model := Models["SDS2304X"]
	sim := NewSimulator()
	sim.Replies = map[string]string{
		"C1:TRA?": "1", "C2:TRA?": "0", "C3:TRA?": "0", "C4:TRA?": "0",
		"DI:SW?": "0",
		"TDIV?":  "0.0005",
		"TRSE?":  "EDGE,SR,C1,HT,500us",
		"C1:TRSL?": "POS",
		"C1:TRLV?": "0",
		"SANU? C1": "4",
	}
	analogConfigReplies(sim.Replies, model.AnalogChannels)
	for i := 0; i < MaxDigitalChannels; i++ {
		sim.Replies["D"+strconv.Itoa(i)+":TRA?"] = "0"
	}
	sim.Sequences = map[string][]string{
		"INR?": {"0", "1"},
	}
	fpar := make([]byte, 200)
	binary.LittleEndian.PutUint32(fpar[40:], 3)
	sim.Blocks = map[string][]byte{
		"FPAR?":      fpar,
		"C1:WF? ALL": buildWaveBlock([]byte{0, 25, 256 - 25, 50}),
	}

	emit := newRecordingEmitter()
	eng := NewEngine(sim, emit, model, History, 1, EngineOptions{PollInterval: 0})
	if err := eng.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	sawFPAR, sawFRAM := false, false
	for _, cmd := range sim.Sent {
		if cmd == "FPAR?" {
			sawFPAR = true
		}
		if cmd == "FRAM 1" {
			sawFRAM = true
		}
	}
	if !sawFPAR {
		t.Error("expected FPAR? to be sent while arming History")
	}
	if !sawFRAM {
		t.Error("expected FRAM 1 to be sent after the FPAR? header was fully consumed")
	}

	status := NeedIO
	var err error
	for i := 0; i < 100 && status != Done; i++ {
		status, err = eng.Tick(true)
		if err != nil {
			t.Fatalf("Tick: %v", err)
		}
	}
	if status != Done {
		t.Fatal("engine never reached Done")
	}
	if !emit.ended {
		t.Error("SendEnd was never called")
	}
}

// TestEngineMidBlockStallExhaustsRetries covers scenario S4: a payload
// read that stalls partway through a block, after bytes have already
// been received, must still count toward the 5-retry cap and
// eventually surface ErrTransport instead of spinning forever.
func TestEngineMidBlockStallExhaustsRetries(t *testing.T) {
	model := Models["SDS1104X"]
	sim := NewSimulator()
	sim.Replies = map[string]string{
		"C1:TRA?": "1", "C2:TRA?": "0", "C3:TRA?": "0", "C4:TRA?": "0",
		"TDIV?":    "0.0005",
		"TRSE?":    "EDGE,SR,C1,HT,500us",
		"C1:TRSL?": "POS",
		"C1:TRLV?": "0",
		"SANU? C1": "4",
	}
	analogConfigReplies(sim.Replies, model.AnalogChannels)
	sim.Sequences = map[string][]string{
		"INR?": {"1"},
	}
	sim.Blocks = map[string][]byte{
		"C1:WF? ALL": buildWaveBlock(make([]byte, 10)),
	}
	// Let the header and the first few payload bytes through so the
	// stall hits mid-block, with numBlockRead > 0 already.
	sim.StallAfter = siglentHeaderSize + 4
	sim.PersistentStall = true

	emit := newRecordingEmitter()
	eng := NewEngine(sim, emit, model, Screen, 1, EngineOptions{PollInterval: 0})
	if err := eng.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	status := NeedIO
	var err error
	for i := 0; i < 50 && status != Done; i++ {
		status, err = eng.Tick(true)
	}
	if status != Done {
		t.Fatal("engine never reached Done after a persistent mid-block stall")
	}
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("final error = %v, want ErrTransport", err)
	}
	if emit.ended {
		t.Error("SendEnd should not be called when a capture aborts on a transport error")
	}
}

// TestEngineWaitTimeout covers scenario S5: a trigger that never
// arrives must surface ErrTimeout once the wait deadline passes,
// instead of waiting forever.
func TestEngineWaitTimeout(t *testing.T) {
	model := Models["SDS1104X"]
	sim := NewSimulator()
	sim.Replies = map[string]string{
		"C1:TRA?": "1", "C2:TRA?": "0", "C3:TRA?": "0", "C4:TRA?": "0",
		"TDIV?":    "0.0005",
		"TRSE?":    "EDGE,SR,C1,HT,500us",
		"C1:TRSL?": "POS",
		"C1:TRLV?": "0",
		"SANU? C1": "4",
		"INR?":     "0",
	}
	analogConfigReplies(sim.Replies, model.AnalogChannels)

	emit := newRecordingEmitter()
	eng := NewEngine(sim, emit, model, Screen, 1, EngineOptions{
		PollInterval: 0,
		WaitTimeout:  5 * time.Millisecond,
	})
	if err := eng.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	status := NeedIO
	var err error
	deadline := time.Now().Add(time.Second)
	for status != Done && time.Now().Before(deadline) {
		status, err = eng.Tick(true)
	}
	if status != Done {
		t.Fatal("engine never reached Done after the wait deadline passed")
	}
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("final error = %v, want ErrTimeout", err)
	}
	if emit.ended {
		t.Error("SendEnd should not be called when a wait times out")
	}
}

// TestEngineDigitalBulkFetch covers scenario S6: a digital-only
// capture reads one packed byte per 8 samples per enabled line and
// transposes the bits into interleaved low/high 16-bit words.
func TestEngineDigitalBulkFetch(t *testing.T) {
	model := Models["SDS2304X"]
	sim := NewSimulator()
	sim.Replies = map[string]string{
		"C1:TRA?": "0", "C2:TRA?": "0", "C3:TRA?": "0", "C4:TRA?": "0",
		"DI:SW?":  "1",
		"TDIV?":   "0.0005",
		"TRSE?":   "EDGE,SR,C1,HT,500us",
		"C1:TRSL?": "POS",
		"C1:TRLV?": "0",
		"SANU? C1": "4",
		"SANU? D0": "8",
		"INR?":     "3", // statusDataTrigRdy: arm goes straight to channel fetch
	}
	analogConfigReplies(sim.Replies, model.AnalogChannels)
	for i := 0; i < MaxDigitalChannels; i++ {
		sim.Replies["D"+strconv.Itoa(i)+":TRA?"] = "0"
	}
	sim.Replies["D0:TRA?"] = "1"

	line := make([]byte, waveDescPreamble+1+2)
	line[waveDescPreamble] = 0xA5
	sim.Blocks = map[string][]byte{
		"D0:WF? DAT2": line,
	}

	emit := newRecordingEmitter()
	eng := NewEngine(sim, emit, model, Screen, 1, EngineOptions{PollInterval: 0})
	if err := eng.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	status := NeedIO
	var err error
	for i := 0; i < 100 && status != Done; i++ {
		status, err = eng.Tick(true)
		if err != nil {
			t.Fatalf("Tick: %v", err)
		}
	}
	if status != Done {
		t.Fatal("engine never reached Done")
	}
	if !emit.ended {
		t.Error("SendEnd was never called")
	}
	if len(emit.logic) != 1 {
		t.Fatalf("logic batches sent = %d, want 1", len(emit.logic))
	}
	want := []byte{1, 0, 0, 0, 1, 0, 0, 0, 0, 0, 1, 0, 0, 0, 1, 0}
	got := emit.logic[0]
	if len(got) != len(want) {
		t.Fatalf("logic word count = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("word %d = %d, want %d", i, got[i], want[i])
		}
	}
}
