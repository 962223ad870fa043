package barto

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Binary codec for Message frames. Layout per frame: a uvarint variant
// tag followed by the variant's fields in declaration order. Strings
// and byte slices are uvarint-length prefixed, uuids are 16 raw bytes,
// timestamps are RFC3339 strings, bools and u8s one byte. Length
// framing comes from the websocket layer; nothing is added here.

// EncodeMessage encodes m into a single binary frame.
func EncodeMessage(m Message) ([]byte, error) {
	b := binary.AppendUvarint(nil, m.tag())
	switch v := m.(type) {
	case Hello:
		b = appendUUID(b, v.WorkerUUID)
		b = appendString(b, v.WorkerName)
		b = binary.AppendUvarint(b, uint64(len(v.Capabilities)))
		for _, c := range v.Capabilities {
			b = appendString(b, c)
		}
	case HelloAck:
		b = appendString(b, v.CoordinatorVersion)
	case Run:
		b = appendUUID(b, v.CmdUUID)
		b = appendString(b, v.Command)
	case Output:
		b = appendUUID(b, v.CmdUUID)
		b = append(b, byte(v.Kind))
		b = appendTime(b, v.Timestamp)
		b = appendString(b, v.Line)
	case Status:
		b = appendUUID(b, v.CmdUUID)
		b = append(b, v.ExitCode)
		b = appendBool(b, v.Success)
	case Ping:
		b = appendTime(b, v.Sent)
	case Pong:
		b = appendTime(b, v.Sent)
	case Shutdown:
		b = append(b, byte(v.Reason))
	case CliHello:
		b = appendString(b, v.CliName)
	case CliRequest:
		b = appendUUID(b, v.ReqID)
		var err error
		if b, err = appendCliOp(b, v.Op); err != nil {
			return nil, err
		}
	case CliResponse:
		b = appendUUID(b, v.ReqID)
		var err error
		if b, err = appendCliResult(b, v.Result); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("encode: unknown message type %T", m)
	}
	return b, nil
}

// DecodeMessage decodes a single binary frame. An unknown variant tag
// yields ErrUnknownVariant; the caller closes the session, not the
// process.
func DecodeMessage(b []byte) (Message, error) {
	d := &decoder{b: b}
	tag, err := d.uvarint()
	if err != nil {
		return nil, err
	}
	var m Message
	switch tag {
	case tagHello:
		var v Hello
		v.WorkerUUID, err = d.uuid()
		if err == nil {
			v.WorkerName, err = d.str()
		}
		if err == nil {
			v.Capabilities, err = d.strs()
		}
		m = v
	case tagHelloAck:
		var v HelloAck
		v.CoordinatorVersion, err = d.str()
		m = v
	case tagRun:
		var v Run
		v.CmdUUID, err = d.uuid()
		if err == nil {
			v.Command, err = d.str()
		}
		m = v
	case tagOutput:
		var v Output
		v.CmdUUID, err = d.uuid()
		var k byte
		if err == nil {
			k, err = d.u8()
			v.Kind = OutputKind(k)
		}
		if err == nil && v.Kind > Stderr {
			err = fmt.Errorf("%w: output kind %d", ErrUnknownVariant, v.Kind)
		}
		if err == nil {
			v.Timestamp, err = d.time()
		}
		if err == nil {
			v.Line, err = d.str()
		}
		m = v
	case tagStatus:
		var v Status
		v.CmdUUID, err = d.uuid()
		if err == nil {
			v.ExitCode, err = d.u8()
		}
		if err == nil {
			v.Success, err = d.bool()
		}
		m = v
	case tagPing:
		var v Ping
		v.Sent, err = d.time()
		m = v
	case tagPong:
		var v Pong
		v.Sent, err = d.time()
		m = v
	case tagShutdown:
		var v Shutdown
		var r byte
		r, err = d.u8()
		v.Reason = ShutdownReason(r)
		if err == nil && v.Reason > ReasonProtocolError {
			err = fmt.Errorf("%w: shutdown reason %d", ErrUnknownVariant, v.Reason)
		}
		m = v
	case tagCliHello:
		var v CliHello
		v.CliName, err = d.str()
		m = v
	case tagCliRequest:
		var v CliRequest
		v.ReqID, err = d.uuid()
		if err == nil {
			v.Op, err = decodeCliOp(d)
		}
		m = v
	case tagCliResponse:
		var v CliResponse
		v.ReqID, err = d.uuid()
		if err == nil {
			v.Result, err = decodeCliResult(d)
		}
		m = v
	default:
		return nil, fmt.Errorf("%w: message tag %d", ErrUnknownVariant, tag)
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

func appendCliOp(b []byte, op CliOp) ([]byte, error) {
	b = binary.AppendUvarint(b, op.opTag())
	switch v := op.(type) {
	case InfoOp:
		b = appendBool(b, v.JSON)
	case UpdatesOp:
		b = appendString(b, v.Name)
		b = append(b, byte(v.Kind))
	case CleanupOp, ClientsOp, FailedOp:
	case QueryOp:
		b = appendString(b, v.Query)
	case ListOutputOp:
		b = appendString(b, v.Name)
		b = appendString(b, v.CmdName)
	default:
		return nil, fmt.Errorf("encode: unknown cli op type %T", op)
	}
	return b, nil
}

func decodeCliOp(d *decoder) (CliOp, error) {
	tag, err := d.uvarint()
	if err != nil {
		return nil, err
	}
	switch tag {
	case opInfo:
		var v InfoOp
		v.JSON, err = d.bool()
		return v, err
	case opUpdates:
		var v UpdatesOp
		v.Name, err = d.str()
		var k byte
		if err == nil {
			k, err = d.u8()
			v.Kind = UpdateKind(k)
		}
		if err == nil && v.Kind > UpdateApt {
			err = fmt.Errorf("%w: update kind %d", ErrUnknownVariant, v.Kind)
		}
		return v, err
	case opCleanup:
		return CleanupOp{}, nil
	case opClients:
		return ClientsOp{}, nil
	case opQuery:
		var v QueryOp
		v.Query, err = d.str()
		return v, err
	case opListOutput:
		var v ListOutputOp
		v.Name, err = d.str()
		if err == nil {
			v.CmdName, err = d.str()
		}
		return v, err
	case opFailed:
		return FailedOp{}, nil
	}
	return nil, fmt.Errorf("%w: cli op tag %d", ErrUnknownVariant, tag)
}

func appendCliResult(b []byte, r CliResult) ([]byte, error) {
	b = binary.AppendUvarint(b, r.resultTag())
	switch v := r.(type) {
	case OkResult:
		b = appendBytes(b, v.Payload)
	case ErrResult:
		b = appendString(b, v.Kind)
		b = appendString(b, v.Message)
	default:
		return nil, fmt.Errorf("encode: unknown cli result type %T", r)
	}
	return b, nil
}

func decodeCliResult(d *decoder) (CliResult, error) {
	tag, err := d.uvarint()
	if err != nil {
		return nil, err
	}
	switch tag {
	case resultOk:
		var v OkResult
		v.Payload, err = d.bytes()
		return v, err
	case resultErr:
		var v ErrResult
		v.Kind, err = d.str()
		if err == nil {
			v.Message, err = d.str()
		}
		return v, err
	}
	return nil, fmt.Errorf("%w: cli result tag %d", ErrUnknownVariant, tag)
}

func appendString(b []byte, s string) []byte {
	b = binary.AppendUvarint(b, uint64(len(s)))
	return append(b, s...)
}

func appendBytes(b, p []byte) []byte {
	b = binary.AppendUvarint(b, uint64(len(p)))
	return append(b, p...)
}

func appendUUID(b []byte, id uuid.UUID) []byte {
	return append(b, id[:]...)
}

func appendBool(b []byte, v bool) []byte {
	if v {
		return append(b, 1)
	}
	return append(b, 0)
}

func appendTime(b []byte, t time.Time) []byte {
	return appendString(b, t.Format(time.RFC3339Nano))
}

// decoder reads typed values off a frame, always checking bounds so a
// truncated or hostile frame fails instead of panicking.
type decoder struct {
	b []byte
}

func (d *decoder) uvarint() (uint64, error) {
	v, n := binary.Uvarint(d.b)
	if n <= 0 {
		return 0, fmt.Errorf("decode: bad uvarint")
	}
	d.b = d.b[n:]
	return v, nil
}

func (d *decoder) take(n int) ([]byte, error) {
	if n < 0 || n > len(d.b) {
		return nil, fmt.Errorf("decode: frame truncated, want %d bytes, have %d", n, len(d.b))
	}
	p := d.b[:n]
	d.b = d.b[n:]
	return p, nil
}

func (d *decoder) str() (string, error) {
	n, err := d.uvarint()
	if err != nil {
		return "", err
	}
	p, err := d.take(int(n))
	if err != nil {
		return "", err
	}
	return string(p), nil
}

func (d *decoder) strs() ([]string, error) {
	n, err := d.uvarint()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	if n > uint64(len(d.b)) {
		return nil, fmt.Errorf("decode: list count %d exceeds frame", n)
	}
	out := make([]string, 0, n)
	for range n {
		s, err := d.str()
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func (d *decoder) bytes() ([]byte, error) {
	n, err := d.uvarint()
	if err != nil {
		return nil, err
	}
	p, err := d.take(int(n))
	if err != nil {
		return nil, err
	}
	if len(p) == 0 {
		return nil, nil
	}
	out := make([]byte, len(p))
	copy(out, p)
	return out, nil
}

func (d *decoder) uuid() (uuid.UUID, error) {
	p, err := d.take(16)
	if err != nil {
		return uuid.UUID{}, err
	}
	var id uuid.UUID
	copy(id[:], p)
	return id, nil
}

func (d *decoder) u8() (byte, error) {
	p, err := d.take(1)
	if err != nil {
		return 0, err
	}
	return p[0], nil
}

func (d *decoder) bool() (bool, error) {
	v, err := d.u8()
	return v != 0, err
}

func (d *decoder) time() (time.Time, error) {
	s, err := d.str()
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("decode: bad timestamp %q: %v", s, err)
	}
	return t.UTC(), nil
}
