package session

import (
	"io"

	"github.com/fxamacker/cbor/v2"
)

// CBOREmitter is the concrete Emitter used in production: every
// published packet is a single self-delimiting CBOR map written to w,
// discriminated by a "type" field so a reader can stream-decode
// without a length prefix.
type CBOREmitter struct {
	enc *cbor.Encoder
	err error
}

// NewCBOREmitter wraps w as a CBOREmitter.
func NewCBOREmitter(w io.Writer) *CBOREmitter {
	return &CBOREmitter{enc: cbor.NewEncoder(w)}
}

// Err returns the first encode error, if any. The Emitter interface
// methods don't return errors individually; callers that care about
// write failures (e.g. a broken pipe) check Err after the capture.
func (e *CBOREmitter) Err() error {
	return e.err
}

func (e *CBOREmitter) encode(v any) {
	if e.err != nil {
		return
	}
	e.err = e.enc.Encode(v)
}

type framePacket struct {
	Type string `cbor:"type"`
}

type analogPacket struct {
	Type    string    `cbor:"type"`
	Channel int       `cbor:"channel"`
	Samples []float32 `cbor:"samples"`
	Unit    Unit      `cbor:"unit"`
	Digits  int       `cbor:"digits"`
}

type logicPacket struct {
	Type     string `cbor:"type"`
	Data     []byte `cbor:"data"`
	UnitSize int    `cbor:"unit_size"`
}

func (e *CBOREmitter) SendFrameBegin() { e.encode(framePacket{Type: "frame_begin"}) }
func (e *CBOREmitter) SendFrameEnd()   { e.encode(framePacket{Type: "frame_end"}) }
func (e *CBOREmitter) SendEnd()        { e.encode(framePacket{Type: "end"}) }

func (e *CBOREmitter) SendAnalog(channel int, samples []float32, meaning AnalogMeaning) {
	e.encode(analogPacket{
		Type:    "analog",
		Channel: channel,
		Samples: samples,
		Unit:    meaning.Unit,
		Digits:  meaning.Digits,
	})
}

func (e *CBOREmitter) SendLogic(data []byte, unitSize int) {
	e.encode(logicPacket{Type: "logic", Data: data, UnitSize: unitSize})
}
