// Package ipc implements the wire format between the owner process and its
// worker processes: msgpack-encoded envelopes framed by a 4-byte big-endian
// length prefix.
//
//	+----------------+-----------------------------+
//	| len (uint32 BE)| msgpack(Envelope) (len bytes)|
//	+----------------+-----------------------------+
//
// An Envelope tags its payload with a Kind so one stream can multiplex
// commands, heartbeats, status snapshots and frames.
package ipc

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
)

// DefaultMaxMessage bounds a single envelope. Frames are the largest
// payload; 64 MiB covers multi-megapixel image blocks with headroom.
const DefaultMaxMessage = 64 << 20

// ErrMessageTooLarge is returned when a length prefix exceeds the limit.
var ErrMessageTooLarge = errors.New("ipc: message too large")

// Kind identifies the payload of an Envelope.
type Kind uint8

const (
	KindHeartbeat Kind = iota + 1
	KindShutdown
	KindCommand
	KindStatus
	KindFrame
	KindSaveConfig
	KindPersistStatus
	KindSegment
)

func (k Kind) String() string {
	switch k {
	case KindHeartbeat:
		return "heartbeat"
	case KindShutdown:
		return "shutdown"
	case KindCommand:
		return "command"
	case KindStatus:
		return "status"
	case KindFrame:
		return "frame"
	case KindSaveConfig:
		return "save_config"
	case KindPersistStatus:
		return "persist_status"
	case KindSegment:
		return "segment"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Envelope is one framed message.
type Envelope struct {
	Kind    Kind               `msgpack:"k"`
	Payload msgpack.RawMessage `msgpack:"p,omitempty"`
}

// NewEnvelope encodes v as the payload of a kind envelope. A nil v yields
// an envelope without payload.
func NewEnvelope(kind Kind, v any) (Envelope, error) {
	env := Envelope{Kind: kind}
	if v == nil {
		return env, nil
	}
	b, err := msgpack.Marshal(v)
	if err != nil {
		return env, fmt.Errorf("ipc: encode %s payload: %w", kind, err)
	}
	env.Payload = b
	return env, nil
}

// Decode unpacks the payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("ipc: %s envelope has no payload", e.Kind)
	}
	if err := msgpack.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("ipc: decode %s payload: %w", e.Kind, err)
	}
	return nil
}

// Encoder writes framed envelopes. Safe for concurrent use.
type Encoder struct {
	mu sync.Mutex
	w  io.Writer
}

// NewEncoder returns an Encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode writes env as a single length-prefixed record.
func (e *Encoder) Encode(env Envelope) error {
	body, err := msgpack.Marshal(&env)
	if err != nil {
		return fmt.Errorf("ipc: marshal envelope: %w", err)
	}

	// Prefix and body go out in one Write so concurrent readers of a pipe
	// never observe a header without its body.
	buf := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(buf, uint32(len(body)))
	copy(buf[4:], body)

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := e.w.Write(buf); err != nil {
		return fmt.Errorf("ipc: write %s: %w", env.Kind, err)
	}
	return nil
}

// Send is a convenience for NewEnvelope followed by Encode.
func (e *Encoder) Send(kind Kind, v any) error {
	env, err := NewEnvelope(kind, v)
	if err != nil {
		return err
	}
	return e.Encode(env)
}

// Decoder reads framed envelopes. Not safe for concurrent use.
type Decoder struct {
	r   *bufio.Reader
	max uint32
	hdr [4]byte
}

// NewDecoder returns a Decoder reading from r with DefaultMaxMessage.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReaderSize(r, 64<<10), max: DefaultMaxMessage}
}

// SetMaxMessage changes the largest accepted envelope.
func (d *Decoder) SetMaxMessage(n uint32) { d.max = n }

// Decode reads the next envelope. Returns io.EOF on a clean end of stream
// and io.ErrUnexpectedEOF when the stream ends inside a record.
func (d *Decoder) Decode() (Envelope, error) {
	var env Envelope

	if _, err := io.ReadFull(d.r, d.hdr[:]); err != nil {
		return env, err
	}

	n := binary.BigEndian.Uint32(d.hdr[:])
	if n > d.max {
		return env, fmt.Errorf("%w: %d bytes (max %d)", ErrMessageTooLarge, n, d.max)
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(d.r, body); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return env, err
	}

	if err := msgpack.Unmarshal(body, &env); err != nil {
		return env, fmt.Errorf("ipc: unmarshal envelope: %w", err)
	}
	return env, nil
}
