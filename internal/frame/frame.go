package frame

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
)

const (
	protocolVersion = 0x1
	headerWords     = 0x1
	headerSize      = 4
)

// MaxPayloadSize limits the size a gzip compressed payload may expand to.
const MaxPayloadSize = 16 << 20

type MessageKind uint8

const (
	ClientFullRequest  MessageKind = 0x1
	ClientAudioOnly    MessageKind = 0x2
	ServerFullResponse MessageKind = 0x9
	ServerAudioOnly    MessageKind = 0xB
	ServerError        MessageKind = 0xF
)

func (k MessageKind) String() string {
	switch k {
	case ClientFullRequest:
		return "ClientFullRequest"
	case ClientAudioOnly:
		return "ClientAudioOnly"
	case ServerFullResponse:
		return "ServerFullResponse"
	case ServerAudioOnly:
		return "ServerAudioOnly"
	case ServerError:
		return "ServerError"
	default:
		return fmt.Sprintf("MessageKind(0x%x)", uint8(k))
	}
}

// Flag bits stored within the low nibble of the second header byte.
const (
	FlagConnectID uint8 = 0x2
	FlagEvent     uint8 = 0x4
	FlagSessionID uint8 = 0x8
)

type Serialization uint8

const (
	SerializationRaw  Serialization = 0x0
	SerializationJSON Serialization = 0x1
)

type Compression uint8

const (
	CompressionNone Compression = 0x0
	CompressionGzip Compression = 0x1
)

// Frame is a single protocol message.
// Empty ConnectID/SessionID and EventNone are omitted on the wire.
// An empty payload is encoded as a zero length field and decodes as a nil Payload.
type Frame struct {
	Kind          MessageKind
	Serialization Serialization
	Compression   Compression
	Event         EventID
	ConnectID     string
	SessionID     string
	Payload       []byte
}

func (f Frame) String() string {
	return fmt.Sprintf("%s{event=%s, session=%q, payload=%d bytes}", f.Kind, f.Event, f.SessionID, len(f.Payload))
}

// NewFullRequest creates a client frame carrying a JSON payload.
func NewFullRequest(event EventID, sessionID string, payload []byte) Frame {
	return Frame{
		Kind:          ClientFullRequest,
		Serialization: SerializationJSON,
		Event:         event,
		SessionID:     sessionID,
		Payload:       payload,
	}
}

// NewAudioRequest wraps a captured PCM chunk.
func NewAudioRequest(sessionID string, pcm []byte) Frame {
	return Frame{
		Kind:          ClientAudioOnly,
		Serialization: SerializationRaw,
		Event:         EventTaskRequest,
		SessionID:     sessionID,
		Payload:       pcm,
	}
}

var (
	ErrTooShort           = errors.New("frame shorter than header")
	ErrTruncated          = errors.New("frame truncated")
	ErrUnsupportedVersion = errors.New("unsupported protocol version")
	ErrMalformed          = errors.New("malformed frame")
)

type DecodeError struct {
	Offset int
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode frame at offset %d: %s", e.Offset, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Encode serializes the frame into its binary wire representation.
func Encode(f Frame) ([]byte, error) {
	payload := f.Payload
	if f.Compression == CompressionGzip {
		var err error
		payload, err = gzipCompress(payload)
		if err != nil {
			return nil, fmt.Errorf("compress %s payload: %w", f.Event, err)
		}
	}

	var flags uint8
	size := headerSize + 4 + len(payload)
	if f.Event != EventNone {
		flags |= FlagEvent
		size += 4
	}
	if f.ConnectID != "" {
		flags |= FlagConnectID
		size += 4 + len(f.ConnectID)
	}
	if f.SessionID != "" {
		flags |= FlagSessionID
		size += 4 + len(f.SessionID)
	}

	b := make([]byte, 0, size)
	b = append(b,
		protocolVersion<<4|headerWords,
		uint8(f.Kind)<<4|flags,
		uint8(f.Serialization)<<4|uint8(f.Compression),
		0x00,
	)
	if flags&FlagEvent != 0 {
		b = binary.BigEndian.AppendUint32(b, uint32(f.Event))
	}
	if flags&FlagConnectID != 0 {
		b = appendField(b, []byte(f.ConnectID))
	}
	if flags&FlagSessionID != 0 {
		b = appendField(b, []byte(f.SessionID))
	}
	b = appendField(b, payload)

	return b, nil
}

func appendField(b, field []byte) []byte {
	b = binary.BigEndian.AppendUint32(b, uint32(len(field)))
	return append(b, field...)
}

// Decode parses a binary frame.
// The returned payload aliases b unless it had to be decompressed.
// A payload that is empty, also after decompression, is returned as nil.
// A gzip payload expanding beyond MaxPayloadSize is rejected with ErrMalformed.
func Decode(b []byte) (Frame, error) {
	var f Frame

	if len(b) < headerSize {
		return f, &DecodeError{Offset: 0, Err: fmt.Errorf("%w: %d bytes", ErrTooShort, len(b))}
	}

	if version := b[0] >> 4; version != protocolVersion {
		return f, &DecodeError{Offset: 0, Err: fmt.Errorf("%w: %d", ErrUnsupportedVersion, version)}
	}

	size := int(b[0]&0x0f) * 4
	if size < headerSize {
		return f, &DecodeError{Offset: 0, Err: fmt.Errorf("%w: header size %d", ErrMalformed, size)}
	}
	if size > len(b) {
		return f, &DecodeError{Offset: headerSize, Err: fmt.Errorf("%w: header extension of %d bytes", ErrTruncated, size-headerSize)}
	}

	f.Kind = MessageKind(b[1] >> 4)
	flags := b[1] & 0x0f
	f.Serialization = Serialization(b[2] >> 4)
	f.Compression = Compression(b[2] & 0x0f)

	r := reader{buf: b, pos: size}

	if flags&FlagEvent != 0 {
		event, err := r.uint32("event id")
		if err != nil {
			return f, err
		}
		f.Event = EventID(int32(event))
	}
	if flags&FlagConnectID != 0 {
		connectID, err := r.field("connect id")
		if err != nil {
			return f, err
		}
		f.ConnectID = string(connectID)
	}
	if flags&FlagSessionID != 0 {
		sessionID, err := r.field("session id")
		if err != nil {
			return f, err
		}
		f.SessionID = string(sessionID)
	}

	payload, err := r.field("payload")
	if err != nil {
		return f, err
	}

	if r.pos != len(b) {
		return f, &DecodeError{Offset: r.pos, Err: fmt.Errorf("%w: %d trailing bytes", ErrMalformed, len(b)-r.pos)}
	}

	if f.Compression == CompressionGzip && len(payload) > 0 {
		offset := r.pos - len(payload)
		payload, err = gzipDecompress(payload)
		if err != nil {
			return f, &DecodeError{Offset: offset, Err: fmt.Errorf("%w: decompress payload: %w", ErrMalformed, err)}
		}
	}

	f.Payload = payload

	return f, nil
}

type reader struct {
	buf []byte
	pos int
}

func (r *reader) uint32(name string) (uint32, error) {
	if len(r.buf)-r.pos < 4 {
		return 0, &DecodeError{Offset: r.pos, Err: fmt.Errorf("%w: missing %s", ErrTruncated, name)}
	}

	v := binary.BigEndian.Uint32(r.buf[r.pos:])
	r.pos += 4

	return v, nil
}

func (r *reader) field(name string) ([]byte, error) {
	size, err := r.uint32(name + " length")
	if err != nil {
		return nil, err
	}

	if remaining := uint64(len(r.buf) - r.pos); uint64(size) > remaining {
		return nil, &DecodeError{Offset: r.pos, Err: fmt.Errorf("%w: %s declares %d bytes but %d remain", ErrTruncated, name, size, remaining)}
	}

	if size == 0 {
		return nil, nil
	}

	field := r.buf[r.pos : r.pos+int(size) : r.pos+int(size)]
	r.pos += int(size)

	return field, nil
}

func gzipCompress(b []byte) ([]byte, error) {
	var buf bytes.Buffer

	w := gzip.NewWriter(&buf)
	if _, err := w.Write(b); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func gzipDecompress(b []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	defer r.Close()

	b, err = io.ReadAll(io.LimitReader(r, MaxPayloadSize+1))
	if err != nil || len(b) == 0 {
		return nil, err
	}
	if len(b) > MaxPayloadSize {
		return nil, fmt.Errorf("decompressed payload exceeds %d bytes", MaxPayloadSize)
	}

	return b, nil
}
