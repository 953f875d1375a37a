// Package value implements the tagged union carried by topics.
//
// A Value pairs a sealed Data payload with two timestamps: Time, when the
// value was produced (local monotonic microseconds), and ServerTime, the
// same instant expressed in the server's time base. Values are immutable;
// the array payloads must not be mutated after construction.
package value

import (
	"bytes"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
)

// Data is a sealed interface over the payload kinds. Only the types in this
// package implement it.
type Data interface {
	Type() Type
	data() // Sealed
}

// BooleanData is a boolean payload.
type BooleanData bool

// DoubleData is a 64-bit floating point payload.
type DoubleData float64

// IntegerData is a 64-bit integer payload.
type IntegerData int64

// FloatData is a 32-bit floating point payload.
type FloatData float32

// StringData is a string payload.
type StringData string

// RawData is an opaque byte payload.
type RawData []byte

// BooleanArrayData is a boolean array payload.
type BooleanArrayData []bool

// DoubleArrayData is a float64 array payload.
type DoubleArrayData []float64

// IntegerArrayData is an int64 array payload.
type IntegerArrayData []int64

// FloatArrayData is a float32 array payload.
type FloatArrayData []float32

// StringArrayData is a string array payload.
type StringArrayData []string

func (BooleanData) Type() Type      { return Boolean }
func (DoubleData) Type() Type       { return Double }
func (IntegerData) Type() Type      { return Integer }
func (FloatData) Type() Type        { return Float }
func (StringData) Type() Type       { return String }
func (RawData) Type() Type          { return Raw }
func (BooleanArrayData) Type() Type { return BooleanArray }
func (DoubleArrayData) Type() Type  { return DoubleArray }
func (IntegerArrayData) Type() Type { return IntegerArray }
func (FloatArrayData) Type() Type   { return FloatArray }
func (StringArrayData) Type() Type  { return StringArray }

func (BooleanData) data()      {}
func (DoubleData) data()       {}
func (IntegerData) data()      {}
func (FloatData) data()        {}
func (StringData) data()       {}
func (RawData) data()          {}
func (BooleanArrayData) data() {}
func (DoubleArrayData) data()  {}
func (IntegerArrayData) data() {}
func (FloatArrayData) data()   {}
func (StringArrayData) data()  {}

// Value is a timestamped payload. The zero Value is empty (Unassigned).
type Value struct {
	data       Data
	time       int64
	serverTime int64
}

// New wraps a payload with a timestamp. ServerTime starts equal to time.
func New(d Data, time int64) Value {
	return Value{data: d, time: time, serverTime: time}
}

// MakeBoolean creates a boolean value.
func MakeBoolean(v bool, time int64) Value { return New(BooleanData(v), time) }

// MakeDouble creates a double value.
func MakeDouble(v float64, time int64) Value { return New(DoubleData(v), time) }

// MakeInteger creates an integer value.
func MakeInteger(v int64, time int64) Value { return New(IntegerData(v), time) }

// MakeFloat creates a float value.
func MakeFloat(v float32, time int64) Value { return New(FloatData(v), time) }

// MakeString creates a string value.
func MakeString(v string, time int64) Value { return New(StringData(v), time) }

// MakeRaw creates a raw value. The slice is copied.
func MakeRaw(v []byte, time int64) Value { return New(RawData(bytes.Clone(v)), time) }

// MakeBooleanArray creates a boolean array value. The slice is copied.
func MakeBooleanArray(v []bool, time int64) Value {
	return New(BooleanArrayData(slices.Clone(v)), time)
}

// MakeDoubleArray creates a double array value. The slice is copied.
func MakeDoubleArray(v []float64, time int64) Value {
	return New(DoubleArrayData(slices.Clone(v)), time)
}

// MakeIntegerArray creates an integer array value. The slice is copied.
func MakeIntegerArray(v []int64, time int64) Value {
	return New(IntegerArrayData(slices.Clone(v)), time)
}

// MakeFloatArray creates a float array value. The slice is copied.
func MakeFloatArray(v []float32, time int64) Value {
	return New(FloatArrayData(slices.Clone(v)), time)
}

// MakeStringArray creates a string array value. The slice is copied.
func MakeStringArray(v []string, time int64) Value {
	return New(StringArrayData(slices.Clone(v)), time)
}

// Type returns the payload type, or Unassigned for the empty value.
func (v Value) Type() Type {
	if v.data == nil {
		return Unassigned
	}
	return v.data.Type()
}

// IsEmpty reports whether v carries no payload.
func (v Value) IsEmpty() bool { return v.data == nil }

// Data returns the payload (nil when empty).
func (v Value) Data() Data { return v.data }

// Time returns the local production timestamp in microseconds.
func (v Value) Time() int64 { return v.time }

// ServerTime returns the timestamp in the server's time base.
func (v Value) ServerTime() int64 { return v.serverTime }

// WithTime returns a copy with both timestamps replaced.
func (v Value) WithTime(time int64) Value {
	v.time = time
	v.serverTime = time
	return v
}

// WithServerTime returns a copy with only the server timestamp replaced.
func (v Value) WithServerTime(serverTime int64) Value {
	v.serverTime = serverTime
	return v
}

// AsBoolean returns the payload if v is a boolean.
func (v Value) AsBoolean() (bool, bool) {
	d, ok := v.data.(BooleanData)
	return bool(d), ok
}

// AsDouble returns the payload as float64. Integer and float payloads are
// widened, matching how numeric topics are read.
func (v Value) AsDouble() (float64, bool) {
	switch d := v.data.(type) {
	case DoubleData:
		return float64(d), true
	case IntegerData:
		return float64(d), true
	case FloatData:
		return float64(d), true
	}
	return 0, false
}

// AsInteger returns the payload as int64. Floating payloads are truncated.
func (v Value) AsInteger() (int64, bool) {
	switch d := v.data.(type) {
	case IntegerData:
		return int64(d), true
	case DoubleData:
		return int64(d), true
	case FloatData:
		return int64(d), true
	}
	return 0, false
}

// AsFloat returns the payload as float32.
func (v Value) AsFloat() (float32, bool) {
	switch d := v.data.(type) {
	case FloatData:
		return float32(d), true
	case DoubleData:
		return float32(d), true
	case IntegerData:
		return float32(d), true
	}
	return 0, false
}

// AsString returns the payload if v is a string.
func (v Value) AsString() (string, bool) {
	d, ok := v.data.(StringData)
	return string(d), ok
}

// AsRaw returns the payload if v is raw bytes.
func (v Value) AsRaw() ([]byte, bool) {
	d, ok := v.data.(RawData)
	return []byte(d), ok
}

// AsBooleanArray returns the payload if v is a boolean array.
func (v Value) AsBooleanArray() ([]bool, bool) {
	d, ok := v.data.(BooleanArrayData)
	return []bool(d), ok
}

// AsDoubleArray returns the payload as []float64, widening integer and
// float arrays.
func (v Value) AsDoubleArray() ([]float64, bool) {
	switch d := v.data.(type) {
	case DoubleArrayData:
		return []float64(d), true
	case IntegerArrayData:
		out := make([]float64, len(d))
		for i, n := range d {
			out[i] = float64(n)
		}
		return out, true
	case FloatArrayData:
		out := make([]float64, len(d))
		for i, n := range d {
			out[i] = float64(n)
		}
		return out, true
	}
	return nil, false
}

// AsIntegerArray returns the payload if v is an integer array.
func (v Value) AsIntegerArray() ([]int64, bool) {
	d, ok := v.data.(IntegerArrayData)
	return []int64(d), ok
}

// AsFloatArray returns the payload if v is a float array.
func (v Value) AsFloatArray() ([]float32, bool) {
	d, ok := v.data.(FloatArrayData)
	return []float32(d), ok
}

// AsStringArray returns the payload if v is a string array.
func (v Value) AsStringArray() ([]string, bool) {
	d, ok := v.data.(StringArrayData)
	return []string(d), ok
}

// Compatible reports whether a value of type got may be stored in a topic
// declared as want. Numeric scalars (and numeric arrays) interconvert; Raw
// topics accept any payload; Unassigned accepts anything.
func Compatible(want, got Type) bool {
	switch {
	case want == Unassigned || want == got:
		return true
	case want == Raw:
		return true
	case want.IsNumeric() && got.IsNumeric():
		return true
	case isNumericArray(want) && isNumericArray(got):
		return true
	}
	return false
}

func isNumericArray(t Type) bool {
	return t == DoubleArray || t == IntegerArray || t == FloatArray
}

// Convert returns v re-tagged as type t when the payload is numeric and
// convertible; otherwise v is returned unchanged.
func Convert(v Value, t Type) Value {
	if v.Type() == t {
		return v
	}
	var d Data
	switch t {
	case Double:
		if n, ok := v.AsDouble(); ok {
			d = DoubleData(n)
		}
	case Integer:
		if n, ok := v.AsInteger(); ok {
			d = IntegerData(n)
		}
	case Float:
		if n, ok := v.AsFloat(); ok {
			d = FloatData(n)
		}
	case DoubleArray:
		if a, ok := v.AsDoubleArray(); ok {
			d = DoubleArrayData(a)
		}
	case IntegerArray:
		if a, ok := v.AsDoubleArray(); ok {
			out := make([]int64, len(a))
			for i, f := range a {
				out[i] = int64(f)
			}
			d = IntegerArrayData(out)
		}
	case FloatArray:
		if a, ok := v.AsDoubleArray(); ok {
			out := make([]float32, len(a))
			for i, f := range a {
				out[i] = float32(f)
			}
			d = FloatArrayData(out)
		}
	}
	if d == nil {
		return v
	}
	v.data = d
	return v
}

// Equal reports whether a and b carry bit-identical payloads of the same
// type. Timestamps are ignored.
func Equal(a, b Value) bool {
	if a.Type() != b.Type() {
		return false
	}
	switch x := a.data.(type) {
	case nil:
		return true
	case BooleanData:
		return x == b.data.(BooleanData)
	case DoubleData:
		return math.Float64bits(float64(x)) == math.Float64bits(float64(b.data.(DoubleData)))
	case IntegerData:
		return x == b.data.(IntegerData)
	case FloatData:
		return math.Float32bits(float32(x)) == math.Float32bits(float32(b.data.(FloatData)))
	case StringData:
		return x == b.data.(StringData)
	case RawData:
		return bytes.Equal(x, b.data.(RawData))
	case BooleanArrayData:
		return slices.Equal(x, b.data.(BooleanArrayData))
	case DoubleArrayData:
		y := b.data.(DoubleArrayData)
		return slices.EqualFunc(x, y, func(p, q float64) bool {
			return math.Float64bits(p) == math.Float64bits(q)
		})
	case IntegerArrayData:
		return slices.Equal(x, b.data.(IntegerArrayData))
	case FloatArrayData:
		y := b.data.(FloatArrayData)
		return slices.EqualFunc(x, y, func(p, q float32) bool {
			return math.Float32bits(p) == math.Float32bits(q)
		})
	case StringArrayData:
		return slices.Equal(x, b.data.(StringArrayData))
	}
	return false
}

// Format renders the payload for humans (CLI output, logs).
func Format(v Value) string {
	switch d := v.data.(type) {
	case nil:
		return "<empty>"
	case BooleanData:
		return strconv.FormatBool(bool(d))
	case DoubleData:
		return strconv.FormatFloat(float64(d), 'g', -1, 64)
	case IntegerData:
		return strconv.FormatInt(int64(d), 10)
	case FloatData:
		return strconv.FormatFloat(float64(d), 'g', -1, 32)
	case StringData:
		return strconv.Quote(string(d))
	case RawData:
		return fmt.Sprintf("raw[%d]", len(d))
	default:
		return fmt.Sprintf("%v", d)
	}
}

// Parse converts text into a value of type t. Arrays are comma separated.
// Used by the command line tools.
func Parse(t Type, text string, time int64) (Value, error) {
	switch t {
	case Boolean:
		b, err := strconv.ParseBool(text)
		if err != nil {
			return Value{}, fmt.Errorf("parse boolean: %w", err)
		}
		return MakeBoolean(b, time), nil
	case Double:
		f, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return Value{}, fmt.Errorf("parse double: %w", err)
		}
		return MakeDouble(f, time), nil
	case Integer:
		n, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			return Value{}, fmt.Errorf("parse int: %w", err)
		}
		return MakeInteger(n, time), nil
	case Float:
		f, err := strconv.ParseFloat(text, 32)
		if err != nil {
			return Value{}, fmt.Errorf("parse float: %w", err)
		}
		return MakeFloat(float32(f), time), nil
	case String:
		return MakeString(text, time), nil
	case Raw:
		return MakeRaw([]byte(text), time), nil
	}

	var parts []string
	if text != "" {
		parts = strings.Split(text, ",")
	}
	switch t {
	case BooleanArray:
		out := make([]bool, len(parts))
		for i, p := range parts {
			b, err := strconv.ParseBool(strings.TrimSpace(p))
			if err != nil {
				return Value{}, fmt.Errorf("parse boolean[%d]: %w", i, err)
			}
			out[i] = b
		}
		return New(BooleanArrayData(out), time), nil
	case DoubleArray:
		out := make([]float64, len(parts))
		for i, p := range parts {
			f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
			if err != nil {
				return Value{}, fmt.Errorf("parse double[%d]: %w", i, err)
			}
			out[i] = f
		}
		return New(DoubleArrayData(out), time), nil
	case IntegerArray:
		out := make([]int64, len(parts))
		for i, p := range parts {
			n, err := strconv.ParseInt(strings.TrimSpace(p), 10, 64)
			if err != nil {
				return Value{}, fmt.Errorf("parse int[%d]: %w", i, err)
			}
			out[i] = n
		}
		return New(IntegerArrayData(out), time), nil
	case FloatArray:
		out := make([]float32, len(parts))
		for i, p := range parts {
			f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
			if err != nil {
				return Value{}, fmt.Errorf("parse float[%d]: %w", i, err)
			}
			out[i] = float32(f)
		}
		return New(FloatArrayData(out), time), nil
	case StringArray:
		out := make([]string, len(parts))
		for i, p := range parts {
			out[i] = strings.TrimSpace(p)
		}
		return New(StringArrayData(out), time), nil
	}
	return Value{}, fmt.Errorf("cannot parse values of type %q", t)
}
