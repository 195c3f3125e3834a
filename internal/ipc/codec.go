package ipc

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

// maxLineBytes bounds a single envelope (and the startup bundle).
const maxLineBytes = 1 << 20

// Encoder writes newline-delimited envelopes. It is safe for concurrent use.
type Encoder struct {
	mu sync.Mutex
	w  io.Writer
}

// NewEncoder returns an Encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Write encodes one envelope followed by a newline.
func (e *Encoder) Write(env Envelope) error {
	return e.WriteValue(env)
}

// WriteValue encodes any JSON value as one line. Used for the startup bundle.
func (e *Encoder) WriteValue(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("ipc: encode: %w", err)
	}
	data = append(data, '\n')
	e.mu.Lock()
	defer e.mu.Unlock()
	_, err = e.w.Write(data)
	return err
}

// Decoder reads newline-delimited envelopes.
type Decoder struct {
	r   *bufio.Reader
	buf []byte
}

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReaderSize(r, 64*1024)}
}

// Next returns the next envelope. It returns io.EOF when the stream ends.
// A line that is not valid JSON or longer than maxLineBytes yields an
// ErrProtocolFault and the decoder stays usable for the following lines.
func (d *Decoder) Next() (Envelope, error) {
	line, err := d.nextLine()
	if err != nil {
		return Envelope{}, err
	}
	var env Envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrProtocolFault, err)
	}
	return env, nil
}

// ReadValue decodes the next line into v.
func (d *Decoder) ReadValue(v any) error {
	line, err := d.nextLine()
	if err != nil {
		return err
	}
	if err := json.Unmarshal(line, v); err != nil {
		return fmt.Errorf("%w: %v", ErrProtocolFault, err)
	}
	return nil
}

func (d *Decoder) nextLine() ([]byte, error) {
	for {
		line, tooLong, err := d.readLine()
		if tooLong {
			return nil, fmt.Errorf("%w: line exceeds %d bytes", ErrProtocolFault, maxLineBytes)
		}
		if len(line) > 0 {
			// A final line without a newline is still delivered.
			return line, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

// readLine reads through the next newline. An oversized line is consumed
// and discarded so the stream stays aligned on the line after it.
func (d *Decoder) readLine() (line []byte, tooLong bool, err error) {
	d.buf = d.buf[:0]
	for {
		chunk, err := d.r.ReadSlice('\n')
		if !tooLong {
			d.buf = append(d.buf, chunk...)
			if len(bytes.TrimRight(d.buf, "\n")) > maxLineBytes {
				tooLong = true
				d.buf = d.buf[:0]
			}
		}
		switch {
		case err == nil:
			return bytes.TrimSpace(d.buf), tooLong, nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		default:
			return bytes.TrimSpace(d.buf), tooLong, err
		}
	}
}
