package value

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// EncodePayload writes the payload of v as a single msgpack object.
func EncodePayload(enc *msgpack.Encoder, v Value) error {
	switch d := v.data.(type) {
	case BooleanData:
		return enc.EncodeBool(bool(d))
	case DoubleData:
		return enc.EncodeFloat64(float64(d))
	case IntegerData:
		return enc.EncodeInt(int64(d))
	case FloatData:
		return enc.EncodeFloat32(float32(d))
	case StringData:
		return enc.EncodeString(string(d))
	case RawData:
		return enc.EncodeBytes([]byte(d))
	case BooleanArrayData:
		if err := enc.EncodeArrayLen(len(d)); err != nil {
			return err
		}
		for _, b := range d {
			if err := enc.EncodeBool(b); err != nil {
				return err
			}
		}
		return nil
	case DoubleArrayData:
		if err := enc.EncodeArrayLen(len(d)); err != nil {
			return err
		}
		for _, f := range d {
			if err := enc.EncodeFloat64(f); err != nil {
				return err
			}
		}
		return nil
	case IntegerArrayData:
		if err := enc.EncodeArrayLen(len(d)); err != nil {
			return err
		}
		for _, n := range d {
			if err := enc.EncodeInt(n); err != nil {
				return err
			}
		}
		return nil
	case FloatArrayData:
		if err := enc.EncodeArrayLen(len(d)); err != nil {
			return err
		}
		for _, f := range d {
			if err := enc.EncodeFloat32(f); err != nil {
				return err
			}
		}
		return nil
	case StringArrayData:
		if err := enc.EncodeArrayLen(len(d)); err != nil {
			return err
		}
		for _, s := range d {
			if err := enc.EncodeString(s); err != nil {
				return err
			}
		}
		return nil
	case nil:
		return fmt.Errorf("cannot encode empty value")
	}
	return fmt.Errorf("unsupported payload %T", v.data)
}

// DecodePayload reads one msgpack object as a payload of type t.
func DecodePayload(dec *msgpack.Decoder, t Type) (Data, error) {
	switch t {
	case Boolean:
		b, err := dec.DecodeBool()
		return BooleanData(b), err
	case Double:
		f, err := dec.DecodeFloat64()
		return DoubleData(f), err
	case Integer:
		n, err := dec.DecodeInt64()
		return IntegerData(n), err
	case Float:
		f, err := dec.DecodeFloat32()
		return FloatData(f), err
	case String:
		s, err := dec.DecodeString()
		return StringData(s), err
	case Raw:
		b, err := dec.DecodeBytes()
		return RawData(b), err
	case BooleanArray:
		out, err := decodeArray(dec, dec.DecodeBool)
		return BooleanArrayData(out), err
	case DoubleArray:
		out, err := decodeArray(dec, dec.DecodeFloat64)
		return DoubleArrayData(out), err
	case IntegerArray:
		out, err := decodeArray(dec, dec.DecodeInt64)
		return IntegerArrayData(out), err
	case FloatArray:
		out, err := decodeArray(dec, dec.DecodeFloat32)
		return FloatArrayData(out), err
	case StringArray:
		out, err := decodeArray(dec, dec.DecodeString)
		return StringArrayData(out), err
	}
	return nil, fmt.Errorf("cannot decode payload of type %q", t)
}

// maxPrealloc caps the capacity reserved up front for a decoded array;
// longer arrays grow as their elements actually arrive.
const maxPrealloc = 1024

func decodeArray[T any](dec *msgpack.Decoder, elem func() (T, error)) ([]T, error) {
	n, err := decodeArrayLen(dec)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, min(n, maxPrealloc))
	for range n {
		x, err := elem()
		if err != nil {
			return nil, err
		}
		out = append(out, x)
	}
	return out, nil
}

// decodeArrayLen reads an array header. nil arrays decode as empty. Every
// element takes at least one byte, so a length beyond what is left of the
// input is rejected before anything is allocated.
func decodeArrayLen(dec *msgpack.Decoder) (int, error) {
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, nil
	}
	if r, ok := dec.Buffered().(interface{ Len() int }); ok && n > r.Len() {
		return 0, fmt.Errorf("array of %d elements in %d remaining bytes", n, r.Len())
	}
	return n, nil
}
