// command sdsacq captures a waveform from a Siglent SDS-family scope
// and writes the session as a stream of CBOR packets.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"sdsacq.dev/driver/sds"
	"sdsacq.dev/session"
	"sdsacq.dev/transport"
)

var (
	serialDev = flag.String("device", "", "serial device")
	baud      = flag.Int("baud", 115200, "serial baud rate")
	modelName = flag.String("model", "SDS2304X", "scope model")
	source    = flag.String("source", "screen", "data source: screen, history, or readonly")
	frames    = flag.Int("frames", 1, "number of frames to capture (0: all available, history only)")
	output    = flag.String("o", "", "output file (default: stdout)")
)

func main() {
	flag.Parse()
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func run() error {
	model, ok := sds.Lookup(*modelName)
	if !ok {
		return fmt.Errorf("unknown model %q", *modelName)
	}
	var src sds.DataSource
	switch *source {
	case "screen":
		src = sds.Screen
	case "history":
		src = sds.History
	case "readonly":
		src = sds.ReadOnly
	default:
		return errors.New("-source must be 'screen', 'history' or 'readonly'")
	}

	t, err := transport.OpenSerial(*serialDev, *baud)
	if err != nil {
		return err
	}
	defer t.Close()

	w := os.Stdout
	if *output != "" {
		f, err := os.Create(*output)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	emit := session.NewCBOREmitter(w)

	eng := sds.NewEngine(t, emit, model, src, *frames, sds.EngineOptions{})
	if err := eng.Start(); err != nil {
		return err
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(quit)

	if err := pollLoop(eng, t, quit); err != nil {
		return err
	}
	return emit.Err()
}

// pollLoop drives eng.Tick until it reports Done, waking either on
// fd-readiness (when the transport exposes one, via unix.Poll) or on
// a short fallback ticker, and stopping the acquisition cleanly on
// SIGINT/SIGTERM.
func pollLoop(eng *sds.Engine, t *transport.Serial, quit <-chan os.Signal) error {
	fd := t.Fd()
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-quit:
			return eng.Stop()
		default:
		}

		ready := false
		if fd >= 0 {
			pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
			n, err := unix.Poll(pfd, 5)
			if err == nil && n > 0 {
				ready = pfd[0].Revents&unix.POLLIN != 0
			}
		} else {
			<-ticker.C
		}

		status, err := eng.Tick(ready)
		if err != nil {
			fmt.Fprintf(os.Stderr, "sdsacq: %v\n", err)
		}
		if status == sds.Done {
			return nil
		}
	}
}
