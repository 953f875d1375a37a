package wire

import (
	"bytes"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/roach88/nettable/internal/errs"
	"github.com/roach88/nettable/internal/value"
)

// TimeSyncID is the frame id reserved for heartbeat time sync.
const TimeSyncID = -1

// Frame is one value update in a binary frame, encoded as the msgpack array
//
//	[id, timestamp, typeID, value, sequence]
//
// The timestamp is in server time. The sequence is the server's per-topic
// sequence number; clients send 0.
//
// A time sync frame has id -1: the client sends [-1, 0, int, clientTime]
// and the server echoes [-1, serverTime, int, clientTime].
type Frame struct {
	ID        int64
	Timestamp int64
	Value     value.Value
	Seq       uint64
}

// TimeSync builds a heartbeat frame.
func TimeSync(serverTime, clientTime int64) Frame {
	return Frame{ID: TimeSyncID, Timestamp: serverTime, Value: value.MakeInteger(clientTime, 0)}
}

// IsTimeSync reports whether f is a heartbeat frame.
func (f Frame) IsTimeSync() bool { return f.ID == TimeSyncID }

// ClientTime returns the client send time carried by a heartbeat frame.
func (f Frame) ClientTime() int64 {
	n, _ := f.Value.AsInteger()
	return n
}

// AppendFrames encodes frames and appends them to buf.
func AppendFrames(buf []byte, frames ...Frame) ([]byte, error) {
	w := bytes.NewBuffer(buf)
	enc := msgpack.NewEncoder(w)
	for _, f := range frames {
		if err := encodeFrame(enc, f); err != nil {
			return buf, err
		}
	}
	return w.Bytes(), nil
}

func encodeFrame(enc *msgpack.Encoder, f Frame) error {
	if f.Value.IsEmpty() {
		return errs.New(errs.CodeInvalidArgument, "frame %d has no value", f.ID)
	}
	n := 5
	if f.IsTimeSync() {
		n = 4
	}
	if err := enc.EncodeArrayLen(n); err != nil {
		return err
	}
	if err := enc.EncodeInt(f.ID); err != nil {
		return err
	}
	if err := enc.EncodeInt(f.Timestamp); err != nil {
		return err
	}
	if err := enc.EncodeInt(int64(f.Value.Type().ID())); err != nil {
		return err
	}
	if err := value.EncodePayload(enc, f.Value); err != nil {
		return err
	}
	if n == 5 {
		return enc.EncodeUint(f.Seq)
	}
	return nil
}

// DecodeFrames decodes every frame in a binary message. Decoded values
// carry the frame timestamp as both their time and server time; callers
// translate to local time. Malformed input is a PROTOCOL_VIOLATION.
func DecodeFrames(data []byte) ([]Frame, error) {
	r := bytes.NewReader(data)
	// bytes.Reader is a ByteScanner, so the decoder reads from it directly
	// and r.Len() tracks what is left.
	dec := msgpack.NewDecoder(r)
	var out []Frame
	for r.Len() > 0 {
		f, err := decodeFrame(dec)
		if err != nil {
			return nil, errs.Wrap(errs.CodeProtocolViolation, err, "binary frame %d", len(out))
		}
		out = append(out, f)
	}
	return out, nil
}

func decodeFrame(dec *msgpack.Decoder) (Frame, error) {
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return Frame{}, err
	}
	if n != 4 && n != 5 {
		return Frame{}, errs.ProtocolViolation("frame has %d elements", n)
	}
	var f Frame
	if f.ID, err = dec.DecodeInt64(); err != nil {
		return Frame{}, err
	}
	if f.Timestamp, err = dec.DecodeInt64(); err != nil {
		return Frame{}, err
	}
	typeID, err := dec.DecodeInt()
	if err != nil {
		return Frame{}, err
	}
	typ, ok := value.TypeFromID(typeID)
	if !ok {
		return Frame{}, errs.ProtocolViolation("unknown type id %d", typeID)
	}
	d, err := value.DecodePayload(dec, typ)
	if err != nil {
		return Frame{}, err
	}
	f.Value = value.New(d, f.Timestamp).WithServerTime(f.Timestamp)
	if n == 5 {
		if f.Seq, err = dec.DecodeUint64(); err != nil {
			return Frame{}, err
		}
	}
	return f, nil
}
