// Package variant implements the tagged-union parameter type spoken by the
// QuickBooks Desktop automation interface. Construction and destruction of
// payloads are centralized here so ownership rules hold in one place:
// constructors zero the value before tagging it, string payloads live in
// codec-owned NUL-terminated UTF-16 buffers, and Clear releases a payload
// exactly once. Extraction is strict: a value tagged as one kind never
// yields a payload as another.
package variant

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf16"

	"github.com/shopspring/decimal"
)

// Kind is the discriminant of a Value.
type Kind uint8

const (
	// KindEmpty is an untagged value carrying no payload.
	KindEmpty Kind = iota

	// KindBool carries a boolean payload.
	KindBool

	// KindInt32 carries a 32-bit signed integer payload.
	KindInt32

	// KindInt64 carries a 64-bit signed integer payload.
	KindInt64

	// KindFloat64 carries a 64-bit float payload.
	KindFloat64

	// KindString carries a codec-owned UTF-16 string payload.
	KindString

	// KindObjectRef carries a live automation object reference.
	KindObjectRef
)

var kindNames = map[Kind]string{
	KindEmpty:     "empty",
	KindBool:      "bool",
	KindInt32:     "int32",
	KindInt64:     "int64",
	KindFloat64:   "float64",
	KindString:    "string",
	KindObjectRef: "objectref",
}

// String returns the lowercase name of the kind.
func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Object is a live automation object reference carried inside a Value.
// Implementations must tolerate Release being reached only once per
// reference; the codec guarantees it is not called twice.
type Object interface {
	Release()
}

// TypeMismatchError reports an extraction against the wrong discriminant.
// It signals a programming defect at the call site, not an external
// failure, and is never retried.
type TypeMismatchError struct {
	// Want is the discriminant the extractor expected.
	Want Kind

	// Got is the discriminant the value actually carries.
	Got Kind
}

// Error implements the error interface.
func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("variant type mismatch: want %s, got %s", e.Want, e.Got)
}

// Value is a tagged union holding one of the supported payload kinds.
// The zero Value is Empty. Payloads are only meaningful under their own
// discriminant; retagging goes through Clear so no bytes from a prior
// tagging remain reachable under the new one.
type Value struct {
	kind Kind
	b    bool
	i32  int32
	i64  int64
	f64  float64

	// wide is the NUL-terminated UTF-16 string payload, owned by this
	// value until Clear releases it.
	wide []uint16

	obj Object
}

// Empty returns an untagged value.
func Empty() Value {
	return Value{}
}

// FromBool returns a bool-tagged value.
func FromBool(b bool) Value {
	var v Value
	v.SetBool(b)
	return v
}

// FromInt32 returns an int32-tagged value.
func FromInt32(n int32) Value {
	var v Value
	v.SetInt32(n)
	return v
}

// FromInt64 returns an int64-tagged value.
func FromInt64(n int64) Value {
	var v Value
	v.SetInt64(n)
	return v
}

// FromFloat64 returns a float64-tagged value.
func FromFloat64(f float64) Value {
	var v Value
	v.SetFloat64(f)
	return v
}

// FromString returns a string-tagged value. The string is copied into a
// codec-owned NUL-terminated UTF-16 buffer.
func FromString(s string) Value {
	var v Value
	v.SetString(s)
	return v
}

// FromObject returns an object-tagged value holding obj. A nil obj yields
// an Empty value, mirroring how the automation interface reports absent
// objects.
func FromObject(obj Object) Value {
	var v Value
	v.SetObject(obj)
	return v
}

// Kind returns the value's discriminant.
func (v *Value) Kind() Kind {
	return v.kind
}

// IsEmpty reports whether the value is untagged.
func (v *Value) IsEmpty() bool {
	return v.kind == KindEmpty
}

// Clear releases any owned payload and retags the value as Empty. String
// buffers are dropped and object references released exactly once; calling
// Clear again is a no-op.
func (v *Value) Clear() {
	if v.obj != nil {
		v.obj.Release()
	}
	*v = Value{}
}

// SetBool retags the value as bool, clearing any prior payload first.
func (v *Value) SetBool(b bool) {
	v.Clear()
	v.kind = KindBool
	v.b = b
}

// SetInt32 retags the value as int32, clearing any prior payload first.
func (v *Value) SetInt32(n int32) {
	v.Clear()
	v.kind = KindInt32
	v.i32 = n
}

// SetInt64 retags the value as int64, clearing any prior payload first.
func (v *Value) SetInt64(n int64) {
	v.Clear()
	v.kind = KindInt64
	v.i64 = n
}

// SetFloat64 retags the value as float64, clearing any prior payload first.
func (v *Value) SetFloat64(f float64) {
	v.Clear()
	v.kind = KindFloat64
	v.f64 = f
}

// SetString retags the value as string, copying s into a fresh
// NUL-terminated UTF-16 buffer owned by the value.
func (v *Value) SetString(s string) {
	v.Clear()
	v.kind = KindString
	v.wide = encodeWide(s)
}

// SetObject retags the value as an object reference. A nil obj leaves the
// value Empty.
func (v *Value) SetObject(obj Object) {
	v.Clear()
	if obj == nil {
		return
	}
	v.kind = KindObjectRef
	v.obj = obj
}

// AsBool extracts a bool payload.
func (v *Value) AsBool() (bool, error) {
	if v.kind != KindBool {
		return false, &TypeMismatchError{Want: KindBool, Got: v.kind}
	}
	return v.b, nil
}

// AsInt32 extracts an int32 payload. There is no narrowing: an int64- or
// float64-tagged value is a mismatch even when its payload would fit.
func (v *Value) AsInt32() (int32, error) {
	if v.kind != KindInt32 {
		return 0, &TypeMismatchError{Want: KindInt32, Got: v.kind}
	}
	return v.i32, nil
}

// AsInt64 extracts an int64 payload. An int32-tagged value widens
// losslessly; nothing else converts.
func (v *Value) AsInt64() (int64, error) {
	switch v.kind {
	case KindInt64:
		return v.i64, nil
	case KindInt32:
		return int64(v.i32), nil
	default:
		return 0, &TypeMismatchError{Want: KindInt64, Got: v.kind}
	}
}

// AsFloat64 extracts a float64 payload. Integer-tagged values do not
// convert; use AsAmount for numeric text.
func (v *Value) AsFloat64() (float64, error) {
	if v.kind != KindFloat64 {
		return 0, &TypeMismatchError{Want: KindFloat64, Got: v.kind}
	}
	return v.f64, nil
}

// AsString extracts a string payload, decoding a copy of the owned UTF-16
// buffer. The buffer itself stays owned by the value.
func (v *Value) AsString() (string, error) {
	if v.kind != KindString {
		return "", &TypeMismatchError{Want: KindString, Got: v.kind}
	}
	return decodeWide(v.wide), nil
}

// AsObject extracts an object reference payload. Ownership stays with the
// value; callers must not Release the result themselves.
func (v *Value) AsObject() (Object, error) {
	if v.kind != KindObjectRef {
		return nil, &TypeMismatchError{Want: KindObjectRef, Got: v.kind}
	}
	return v.obj, nil
}

// AsAmount extracts a monetary payload as an exact decimal. String payloads
// tolerate the currency formatting the accounting application emits:
// dollar signs, thousands separators, and parenthesized negatives.
func (v *Value) AsAmount() (decimal.Decimal, error) {
	switch v.kind {
	case KindFloat64:
		return decimal.NewFromFloat(v.f64), nil
	case KindString:
		return ParseAmount(decodeWide(v.wide))
	default:
		return decimal.Decimal{}, &TypeMismatchError{Want: KindString, Got: v.kind}
	}
}

// ParseAmount parses a monetary string into an exact decimal, stripping
// currency formatting first.
func ParseAmount(s string) (decimal.Decimal, error) {
	cleaned := strings.NewReplacer(",", "", "$", "", "(", "-", ")", "").Replace(s)
	cleaned = strings.TrimSpace(cleaned)
	d, err := decimal.NewFromString(cleaned)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("parse amount %q: %w", s, err)
	}
	return d, nil
}

// IsTypeMismatch reports whether err is a variant extraction mismatch.
func IsTypeMismatch(err error) bool {
	var e *TypeMismatchError
	return errors.As(err, &e)
}

// encodeWide copies s into a fresh NUL-terminated UTF-16 buffer.
func encodeWide(s string) []uint16 {
	buf := utf16.Encode([]rune(s))
	return append(buf, 0)
}

// decodeWide decodes a NUL-terminated UTF-16 buffer back into a string.
// The terminator is not part of the payload; interior NULs survive, as
// they do in length-prefixed automation strings.
func decodeWide(buf []uint16) string {
	if len(buf) == 0 {
		return ""
	}
	return string(utf16.Decode(buf[:len(buf)-1]))
}
