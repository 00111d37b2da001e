package sds

import (
	"errors"
	"fmt"

	"sdsacq.dev/transport"
)

// Simulator is a scripted fake transport.Transport for tests. Queries
// are answered from a canned reply table; any command with a canned
// binary block is streamed back through ReadBegin/ReadData/
// ReadComplete exactly like a real wave-descriptor response, including
// optional injected stalls.
//
// Unlike the engraving driver's hardware simulator this needs no
// run loop of its own: transport.Transport is already a synchronous,
// non-blocking request/reply capability by contract, so there is no
// concurrent device state to arbitrate.
type Simulator struct {
	Replies map[string]string
	// Sequences holds, per query, a queue of replies consumed one per
	// call; once exhausted, further calls fall back to Replies. Lets a
	// test script a query whose answer changes across polls (e.g.
	// INR? going from not-ready to ready).
	Sequences map[string][]string
	Blocks    map[string][]byte
	Sent      []string

	// StallAfter, if > 0, injects one transport.ErrStall after every
	// StallAfter cumulative bytes of the current response.
	StallAfter int
	// PersistentStall, once the first StallAfter threshold is hit,
	// makes every subsequent ReadData call for the rest of the
	// response stall instead of the usual one-shot recovery. Used to
	// script a device that never recovers, so tests can drive retry
	// exhaustion deterministically.
	PersistentStall bool

	pending        []byte
	inResponse     bool
	sinceStall     int
	stalledForever bool
}

// NewSimulator returns an empty Simulator; callers populate Replies
// and Blocks before use.
func NewSimulator() *Simulator {
	return &Simulator{
		Replies:   map[string]string{},
		Sequences: map[string][]string{},
		Blocks:    map[string][]byte{},
	}
}

func (s *Simulator) Send(format string, args ...any) error {
	cmd := fmt.Sprintf(format, args...)
	s.Sent = append(s.Sent, cmd)
	if b, ok := s.Blocks[cmd]; ok {
		s.pending = append([]byte(nil), b...)
	}
	return nil
}

func (s *Simulator) query(q string) (string, error) {
	s.Sent = append(s.Sent, q)
	if seq := s.Sequences[q]; len(seq) > 0 {
		s.Sequences[q] = seq[1:]
		return seq[0], nil
	}
	r, ok := s.Replies[q]
	if !ok {
		return "", fmt.Errorf("simulator: no scripted reply for %q", q)
	}
	return r, nil
}

func (s *Simulator) GetString(query string) (string, error) {
	return s.query(query)
}

func (s *Simulator) GetInt(query string) (int, error) {
	str, err := s.query(query)
	if err != nil {
		return 0, err
	}
	var v int
	if _, err := fmt.Sscanf(str, "%d", &v); err != nil {
		return 0, err
	}
	return v, nil
}

func (s *Simulator) GetFloat(query string) (float64, error) {
	str, err := s.query(query)
	if err != nil {
		return 0, err
	}
	var v float64
	if _, err := fmt.Sscanf(str, "%g", &v); err != nil {
		return 0, err
	}
	return v, nil
}

func (s *Simulator) GetBool(query string) (bool, error) {
	str, err := s.query(query)
	if err != nil {
		return false, err
	}
	return str == "1" || str == "ON", nil
}

func (s *Simulator) ReadBegin() error {
	s.inResponse = true
	s.sinceStall = 0
	s.stalledForever = false
	return nil
}

func (s *Simulator) ReadData(buf []byte) (int, error) {
	if !s.inResponse {
		return 0, errors.New("simulator: ReadData without ReadBegin")
	}
	if s.stalledForever {
		return 0, transport.ErrStall
	}
	if s.StallAfter > 0 && s.sinceStall >= s.StallAfter {
		s.sinceStall = 0
		if s.PersistentStall {
			s.stalledForever = true
		}
		return 0, transport.ErrStall
	}
	if len(s.pending) == 0 {
		return 0, nil
	}
	n := len(buf)
	if n > len(s.pending) {
		n = len(s.pending)
	}
	if s.StallAfter > 0 {
		if room := s.StallAfter - s.sinceStall; n > room {
			n = room
		}
	}
	copy(buf, s.pending[:n])
	s.pending = s.pending[n:]
	s.sinceStall += n
	return n, nil
}

func (s *Simulator) ReadComplete() (bool, error) {
	done := len(s.pending) == 0
	if done {
		s.inResponse = false
	}
	return done, nil
}
