package stream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
)

// Sink receives every decoded payload together with the delta it carried
// ("" when it carried none). Returning an error stops the pump.
type Sink interface {
	Payload(raw json.RawMessage, delta string) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(raw json.RawMessage, delta string) error

func (f SinkFunc) Payload(raw json.RawMessage, delta string) error { return f(raw, delta) }

// Result describes how a pumped stream ended.
type Result struct {
	// Content is the accumulated response text.
	Content string
	// Done is true when the [DONE] sentinel was observed.
	Done bool
	// Payloads is the number of payloads handed to the sink.
	Payloads int
	// Anomalies counts data lines that never parsed.
	Anomalies int
}

const readSize = 32 * 1024

// Pump drives a Decoder and an Accumulator over body until [DONE], EOF, a
// read error, a sink error or ctx cancellation. Chunks are processed strictly
// in arrival order and each chunk is fully classified before the next read.
//
// The returned error is nil on [DONE] and EOF; otherwise it is the read,
// sink or context error. Result is valid in every case.
func Pump(ctx context.Context, body io.Reader, sink Sink) (Result, error) {
	dec := NewDecoder()
	var acc Accumulator
	var res Result

	deliver := func(payloads []json.RawMessage) error {
		for _, p := range payloads {
			delta := acc.Add(p)
			res.Payloads++
			if sink != nil {
				if err := sink.Payload(p, delta); err != nil {
					return err
				}
			}
		}
		return nil
	}
	finish := func(err error) (Result, error) {
		res.Content = acc.String()
		res.Done = dec.Done()
		res.Anomalies = dec.Anomalies
		return res, err
	}

	buf := make([]byte, readSize)
	for {
		if err := ctx.Err(); err != nil {
			return finish(err)
		}

		n, rerr := body.Read(buf)
		if n > 0 {
			if err := deliver(dec.Feed(buf[:n])); err != nil {
				return finish(err)
			}
			if dec.Done() {
				return finish(nil)
			}
		}

		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				if err := deliver(dec.Flush()); err != nil {
					return finish(err)
				}
				return finish(nil)
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return finish(ctxErr)
			}
			return finish(rerr)
		}
	}
}
