package value

import "fmt"

// Type is the declared type of a topic and the tag of a Value.
type Type uint8

const (
	Unassigned Type = iota
	Boolean
	Double
	Integer
	Float
	String
	Raw
	BooleanArray
	DoubleArray
	IntegerArray
	FloatArray
	StringArray
)

var typeNames = [...]string{
	Unassigned:   "",
	Boolean:      "boolean",
	Double:       "double",
	Integer:      "int",
	Float:        "float",
	String:       "string",
	Raw:          "raw",
	BooleanArray: "boolean[]",
	DoubleArray:  "double[]",
	IntegerArray: "int[]",
	FloatArray:   "float[]",
	StringArray:  "string[]",
}

// wire ids used in binary frames
var typeIDs = [...]int{
	Unassigned:   -1,
	Boolean:      0,
	Double:       1,
	Integer:      2,
	Float:        3,
	String:       4,
	Raw:          5,
	BooleanArray: 16,
	DoubleArray:  17,
	IntegerArray: 18,
	FloatArray:   19,
	StringArray:  20,
}

// String returns the wire name of the type ("double", "int[]", ...).
func (t Type) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return fmt.Sprintf("type(%d)", uint8(t))
}

// ID returns the numeric type id carried in binary value frames.
func (t Type) ID() int {
	if int(t) < len(typeIDs) {
		return typeIDs[t]
	}
	return -1
}

// IsArray reports whether t is one of the array variants.
func (t Type) IsArray() bool {
	return t >= BooleanArray && t <= StringArray
}

// IsNumeric reports whether t is a scalar number type.
func (t Type) IsNumeric() bool {
	return t == Double || t == Integer || t == Float
}

// ParseType maps a wire name to a Type. Unknown names (for example custom
// struct type strings) map to Raw, matching how opaque payloads travel.
// The empty string maps to Unassigned.
func ParseType(name string) Type {
	if name == "" {
		return Unassigned
	}
	for t, n := range typeNames {
		if n == name {
			return Type(t)
		}
	}
	return Raw
}

// TypeFromID maps a binary type id back to a Type.
func TypeFromID(id int) (Type, bool) {
	for t, v := range typeIDs {
		if v == id && Type(t) != Unassigned {
			return Type(t), true
		}
	}
	return Unassigned, false
}
