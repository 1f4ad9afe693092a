package stream

import (
	"bytes"
	"encoding/json"
)

var (
	dataPrefix   = []byte("data: ")
	doneSentinel = []byte("[DONE]")
)

// Decoder turns transport chunks into decoded SSE data payloads.
// One Decoder belongs to one stream; it is not safe for concurrent use.
//
// Lines are only classified once their terminating '\n' has arrived, so a chunk
// boundary that falls mid-line or inside a multi-byte UTF-8 sequence simply
// leaves the tail in the buffer until the next Feed.
type Decoder struct {
	buf  []byte
	done bool

	// heldBack is set when the head line failed to parse and was pushed back.
	heldBack bool

	// Anomalies counts lines that were dropped because they never parsed.
	Anomalies int
}

func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed appends chunk and returns the payloads of every complete data line,
// in stream order. After the [DONE] sentinel Feed returns nothing.
func (d *Decoder) Feed(chunk []byte) []json.RawMessage {
	if d.done || len(chunk) == 0 {
		return nil
	}
	d.buf = append(d.buf, chunk...)
	return d.drain(false)
}

// Flush runs one final best-effort pass over whatever is still buffered.
// Call it when the transport reports EOF. A trailing line without '\n' is
// treated as complete; lines that do not parse are dropped.
func (d *Decoder) Flush() []json.RawMessage {
	if d.done {
		return nil
	}
	if len(d.buf) > 0 && d.buf[len(d.buf)-1] != '\n' {
		d.buf = append(d.buf, '\n')
	}
	out := d.drain(true)
	d.buf = nil
	return out
}

// Done reports whether the [DONE] sentinel has been seen.
func (d *Decoder) Done() bool { return d.done }

// Buffered returns the number of bytes waiting for a line terminator.
func (d *Decoder) Buffered() int { return len(d.buf) }

func (d *Decoder) drain(final bool) []json.RawMessage {
	var out []json.RawMessage
	consumed := 0

	for !d.done {
		rest := d.buf[consumed:]
		i := bytes.IndexByte(rest, '\n')
		if i < 0 {
			break
		}
		line := bytes.TrimSuffix(rest[:i], []byte{'\r'})
		next := consumed + i + 1

		retry := d.heldBack
		d.heldBack = false

		payload, ok := dataPayload(line)
		if !ok {
			consumed = next
			continue
		}
		if bytes.Equal(payload, doneSentinel) {
			consumed = next
			d.done = true
			break
		}
		if !json.Valid(payload) {
			if final || retry {
				// more bytes arrived and the line still does not parse
				d.Anomalies++
				consumed = next
				continue
			}
			// push back: the line stays at the head of the buffer and the
			// rest of this chunk waits for more bytes
			d.heldBack = true
			break
		}

		consumed = next
		out = append(out, append(json.RawMessage(nil), payload...))
	}

	if d.done {
		d.buf = nil
	} else if consumed > 0 {
		d.buf = append(d.buf[:0:0], d.buf[consumed:]...)
	}
	return out
}

// dataPayload classifies one line. Blank lines, comments and non-data fields
// are reported as not ok; for data lines the trimmed payload is returned.
func dataPayload(line []byte) ([]byte, bool) {
	if len(bytes.TrimSpace(line)) == 0 || line[0] == ':' {
		return nil, false
	}
	if !bytes.HasPrefix(line, dataPrefix) {
		return nil, false
	}
	return bytes.TrimSpace(line[len(dataPrefix):]), true
}
