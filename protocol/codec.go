package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

// MaxLineSize bounds a single encoded message.
const MaxLineSize = 16 << 20

// ErrMalformed is returned by Decoder.Decode for a line that is not a valid
// message. The stream remains usable; the next call reads the next line.
var ErrMalformed = errors.New("protocol: malformed message")

// Encoder writes newline-delimited JSON messages. Safe for concurrent use.
type Encoder struct {
	mu sync.Mutex
	w  io.Writer
}

// NewEncoder returns an Encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode writes msg followed by a newline as one write.
func (e *Encoder) Encode(msg Message) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("protocol: encode %s: %w", msg.Type, err)
	}
	if len(b) > MaxLineSize {
		return fmt.Errorf("protocol: encode %s: message exceeds %d bytes", msg.Type, MaxLineSize)
	}
	b = append(b, '\n')

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.w.Write(b); err != nil {
		return fmt.Errorf("protocol: write %s: %w", msg.Type, err)
	}
	return nil
}

// Decoder reads newline-delimited JSON messages. Not safe for concurrent use.
type Decoder struct {
	r *bufio.Reader
}

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReaderSize(r, 64<<10)}
}

// Decode reads the next message. Blank lines are skipped. It returns io.EOF
// at end of stream and an error wrapping ErrMalformed for undecodable lines.
// When a malformed line is still an object with a type, the returned message
// carries that type and the line's id so the sender can be answered.
func (d *Decoder) Decode() (Message, error) {
	for {
		line, err := d.readLine()
		if err != nil {
			return Message{}, err
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			var head struct {
				Type Type            `json:"type"`
				ID   json.RawMessage `json:"id"`
			}
			if json.Unmarshal(line, &head) != nil {
				head.Type, head.ID = "", nil
			}
			return Message{Type: head.Type, ID: head.ID}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if msg.Type == "" {
			return Message{}, fmt.Errorf("%w: missing type", ErrMalformed)
		}
		return msg, nil
	}
}

func (d *Decoder) readLine() ([]byte, error) {
	var buf []byte
	for {
		chunk, err := d.r.ReadSlice('\n')
		buf = append(buf, chunk...)
		if len(buf) > MaxLineSize {
			// Discard the rest of the oversized line.
			for errors.Is(err, bufio.ErrBufferFull) {
				_, err = d.r.ReadSlice('\n')
			}
			if err != nil && !errors.Is(err, io.EOF) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: line exceeds %d bytes", ErrMalformed, MaxLineSize)
		}
		switch {
		case err == nil:
			return buf, nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF) && len(bytes.TrimSpace(buf)) > 0:
			return buf, nil
		default:
			return nil, err
		}
	}
}
