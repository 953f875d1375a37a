package nt

import (
	"github.com/roach88/nettable/internal/value"
)

// Publish declares this instance a publisher of t with type typ.
func (i *Instance) Publish(t Topic, typ Type, props Properties) (Handle, error) {
	return i.PublishEx(t, typ, "", props, PubOptions{})
}

// PublishEx is Publish with a custom type string and options.
func (i *Instance) PublishEx(t Topic, typ Type, typeStr string, props Properties, opts PubOptions) (Handle, error) {
	tp, err := t.get()
	if err != nil {
		return 0, err
	}
	return i.tb.Publish(tp, typ, typeStr, props, opts)
}

// Unpublish releases a publisher handle.
func (i *Instance) Unpublish(h Handle) error { return i.tb.Unpublish(h) }

// Subscribe subscribes to t. With typ set, values of other types are
// ignored; TypeUnassigned accepts any type.
func (i *Instance) Subscribe(t Topic, typ Type, opts SubOptions) (Handle, error) {
	tp, err := t.get()
	if err != nil {
		return 0, err
	}
	return i.tb.Subscribe(tp, typ, "", opts)
}

// SubscribeMultiple subscribes to every topic, present or future, whose
// name starts with one of prefixes.
func (i *Instance) SubscribeMultiple(prefixes []string, opts SubOptions) (Handle, error) {
	return i.tb.SubscribeMultiple(prefixes, opts)
}

// Unsubscribe releases a subscriber handle.
func (i *Instance) Unsubscribe(h Handle) error { return i.tb.Unsubscribe(h) }

// GetEntry returns a combined publisher and subscriber for t. The
// publisher side is created on the first set.
func (i *Instance) GetEntry(t Topic, typ Type) (Handle, error) {
	tp, err := t.get()
	if err != nil {
		return 0, err
	}
	return i.tb.GetEntry(tp, typ, "")
}

// ReleaseEntry releases an entry handle.
func (i *Instance) ReleaseEntry(h Handle) error { return i.tb.ReleaseEntry(h) }

// ReadQueue returns and clears the values a subscriber or entry has
// received since the last call.
func (i *Instance) ReadQueue(h Handle) ([]Update, error) { return i.tb.ReadQueue(h) }

// SetValue writes v through a publisher or entry. A zero timestamp means
// Now.
func (i *Instance) SetValue(h Handle, v Value) error { return i.tb.SetValue(h, v) }

// GetValue returns the current value seen by a subscriber, entry, or
// publisher; empty if there is none.
func (i *Instance) GetValue(h Handle) (Value, error) { return i.tb.GetValue(h) }

func (i *Instance) SetBoolean(h Handle, v bool) error { return i.SetBooleanAt(h, v, 0) }
func (i *Instance) SetBooleanAt(h Handle, v bool, time int64) error {
	return i.SetValue(h, value.MakeBoolean(v, time))
}

func (i *Instance) SetDouble(h Handle, v float64) error { return i.SetDoubleAt(h, v, 0) }
func (i *Instance) SetDoubleAt(h Handle, v float64, time int64) error {
	return i.SetValue(h, value.MakeDouble(v, time))
}

func (i *Instance) SetInteger(h Handle, v int64) error { return i.SetIntegerAt(h, v, 0) }
func (i *Instance) SetIntegerAt(h Handle, v int64, time int64) error {
	return i.SetValue(h, value.MakeInteger(v, time))
}

func (i *Instance) SetFloat(h Handle, v float32) error { return i.SetFloatAt(h, v, 0) }
func (i *Instance) SetFloatAt(h Handle, v float32, time int64) error {
	return i.SetValue(h, value.MakeFloat(v, time))
}

func (i *Instance) SetString(h Handle, v string) error { return i.SetStringAt(h, v, 0) }
func (i *Instance) SetStringAt(h Handle, v string, time int64) error {
	return i.SetValue(h, value.MakeString(v, time))
}

func (i *Instance) SetRaw(h Handle, v []byte) error { return i.SetRawAt(h, v, 0) }
func (i *Instance) SetRawAt(h Handle, v []byte, time int64) error {
	return i.SetValue(h, value.MakeRaw(v, time))
}

func (i *Instance) SetBooleanArray(h Handle, v []bool) error { return i.SetBooleanArrayAt(h, v, 0) }
func (i *Instance) SetBooleanArrayAt(h Handle, v []bool, time int64) error {
	return i.SetValue(h, value.MakeBooleanArray(v, time))
}

func (i *Instance) SetDoubleArray(h Handle, v []float64) error { return i.SetDoubleArrayAt(h, v, 0) }
func (i *Instance) SetDoubleArrayAt(h Handle, v []float64, time int64) error {
	return i.SetValue(h, value.MakeDoubleArray(v, time))
}

func (i *Instance) SetIntegerArray(h Handle, v []int64) error { return i.SetIntegerArrayAt(h, v, 0) }
func (i *Instance) SetIntegerArrayAt(h Handle, v []int64, time int64) error {
	return i.SetValue(h, value.MakeIntegerArray(v, time))
}

func (i *Instance) SetFloatArray(h Handle, v []float32) error { return i.SetFloatArrayAt(h, v, 0) }
func (i *Instance) SetFloatArrayAt(h Handle, v []float32, time int64) error {
	return i.SetValue(h, value.MakeFloatArray(v, time))
}

func (i *Instance) SetStringArray(h Handle, v []string) error { return i.SetStringArrayAt(h, v, 0) }
func (i *Instance) SetStringArrayAt(h Handle, v []string, time int64) error {
	return i.SetValue(h, value.MakeStringArray(v, time))
}

// get reads the current value through h and converts it with as. Missing
// values, stale handles, and other types all yield def and a zero time.
func get[T any](i *Instance, h Handle, def T, as func(Value) (T, bool)) (T, int64) {
	v, err := i.GetValue(h)
	if err != nil || v.IsEmpty() {
		return def, 0
	}
	out, ok := as(v)
	if !ok {
		return def, 0
	}
	return out, v.Time()
}

// GetBoolean returns the current value and its timestamp, or def and 0.
func (i *Instance) GetBoolean(h Handle, def bool) (bool, int64) {
	return get(i, h, def, Value.AsBoolean)
}

// GetDouble returns the current value and its timestamp, or def and 0.
func (i *Instance) GetDouble(h Handle, def float64) (float64, int64) {
	return get(i, h, def, Value.AsDouble)
}

// GetInteger returns the current value and its timestamp, or def and 0.
func (i *Instance) GetInteger(h Handle, def int64) (int64, int64) {
	return get(i, h, def, Value.AsInteger)
}

func (i *Instance) GetFloat(h Handle, def float32) (float32, int64) {
	return get(i, h, def, Value.AsFloat)
}

func (i *Instance) GetString(h Handle, def string) (string, int64) {
	return get(i, h, def, Value.AsString)
}

func (i *Instance) GetRaw(h Handle, def []byte) ([]byte, int64) {
	return get(i, h, def, Value.AsRaw)
}

func (i *Instance) GetBooleanArray(h Handle, def []bool) ([]bool, int64) {
	return get(i, h, def, Value.AsBooleanArray)
}

func (i *Instance) GetDoubleArray(h Handle, def []float64) ([]float64, int64) {
	return get(i, h, def, Value.AsDoubleArray)
}

func (i *Instance) GetIntegerArray(h Handle, def []int64) ([]int64, int64) {
	return get(i, h, def, Value.AsIntegerArray)
}

func (i *Instance) GetFloatArray(h Handle, def []float32) ([]float32, int64) {
	return get(i, h, def, Value.AsFloatArray)
}

func (i *Instance) GetStringArray(h Handle, def []string) ([]string, int64) {
	return get(i, h, def, Value.AsStringArray)
}
