package gridnet

import (
	"math/big"
	"strconv"
	"time"
)

// Kind tags the payload of a configuration Value.
type Kind int

const (
	KindNone Kind = iota
	KindBool
	KindInt
	KindLong
	KindDouble
	KindDecimal
	KindString
	KindBytes
	KindDateTime
)

// Value is a tagged union over the configuration scalar types with
// value-preserving coercions. It replaces reflective coercion with a single
// explicit conversion table; see Convert.
type Value struct {
	kind Kind
	b    bool
	i    int64
	f    float64
	d    *big.Float
	s    string
	by   []byte
	t    time.Time
}

func BoolValue(v bool) Value          { return Value{kind: KindBool, b: v} }
func IntValue(v int32) Value          { return Value{kind: KindInt, i: int64(v)} }
func LongValue(v int64) Value         { return Value{kind: KindLong, i: v} }
func DoubleValue(v float64) Value     { return Value{kind: KindDouble, f: v} }
func DecimalValue(v *big.Float) Value { return Value{kind: KindDecimal, d: v} }
func StringValue(v string) Value      { return Value{kind: KindString, s: v} }
func BytesValue(v []byte) Value       { return Value{kind: KindBytes, by: v} }
func DateTimeValue(v time.Time) Value { return Value{kind: KindDateTime, t: v} }

// Kind returns the tag of the stored payload.
func (v Value) Kind() Kind { return v.kind }

func (v Value) Bool() bool          { return v.b }
func (v Value) Int() int32          { return int32(v.i) }
func (v Value) Long() int64         { return v.i }
func (v Value) Double() float64     { return v.f }
func (v Value) Decimal() *big.Float { return v.d }
func (v Value) String() string      { return v.s }
func (v Value) Bytes() []byte       { return v.by }
func (v Value) DateTime() time.Time { return v.t }

// Convert coerces v to the target kind, reporting false when no
// value-preserving coercion exists.
//
// Coercion matrix: numeric kinds (int, long, double, decimal) convert among
// themselves when the value is representable; bool converts to/from the
// strings "true"/"false" and the integers 0/1; every scalar converts to
// string via its canonical text; string converts to any kind whose parser
// accepts it; bytes only to/from string; dateTime to/from string (RFC 3339)
// and long (epoch millis).
func Convert(v Value, target Kind) (Value, bool) {
	if v.kind == target {
		return v, true
	}
	switch target {
	case KindString:
		return toString(v)
	case KindBool:
		return toBool(v)
	case KindInt, KindLong:
		return toInteger(v, target)
	case KindDouble:
		return toDouble(v)
	case KindDecimal:
		return toDecimal(v)
	case KindBytes:
		if v.kind == KindString {
			return BytesValue([]byte(v.s)), true
		}
	case KindDateTime:
		switch v.kind {
		case KindString:
			if t, err := time.Parse(time.RFC3339, v.s); err == nil {
				return DateTimeValue(t), true
			}
		case KindLong, KindInt:
			return DateTimeValue(time.UnixMilli(v.i)), true
		}
	}
	return Value{}, false
}

func toString(v Value) (Value, bool) {
	switch v.kind {
	case KindBool:
		return StringValue(strconv.FormatBool(v.b)), true
	case KindInt, KindLong:
		return StringValue(strconv.FormatInt(v.i, 10)), true
	case KindDouble:
		return StringValue(strconv.FormatFloat(v.f, 'g', -1, 64)), true
	case KindDecimal:
		return StringValue(v.d.Text('g', -1)), true
	case KindBytes:
		return StringValue(string(v.by)), true
	case KindDateTime:
		return StringValue(v.t.Format(time.RFC3339Nano)), true
	}
	return Value{}, false
}

func toBool(v Value) (Value, bool) {
	switch v.kind {
	case KindInt, KindLong:
		if v.i == 0 || v.i == 1 {
			return BoolValue(v.i == 1), true
		}
	case KindString:
		if b, err := strconv.ParseBool(v.s); err == nil {
			return BoolValue(b), true
		}
	}
	return Value{}, false
}

func toInteger(v Value, target Kind) (Value, bool) {
	var i int64
	switch v.kind {
	case KindBool:
		if v.b {
			i = 1
		}
	case KindInt, KindLong:
		i = v.i
	case KindDouble:
		if v.f != float64(int64(v.f)) {
			return Value{}, false
		}
		i = int64(v.f)
	case KindDecimal:
		n, acc := v.d.Int64()
		if acc != big.Exact {
			return Value{}, false
		}
		i = n
	case KindString:
		n, err := strconv.ParseInt(v.s, 10, 64)
		if err != nil {
			return Value{}, false
		}
		i = n
	case KindDateTime:
		i = v.t.UnixMilli()
	default:
		return Value{}, false
	}
	if target == KindInt {
		if i > int64(int32(^uint32(0)>>1)) || i < -int64(int32(^uint32(0)>>1))-1 {
			return Value{}, false
		}
		return IntValue(int32(i)), true
	}
	return LongValue(i), true
}

func toDouble(v Value) (Value, bool) {
	switch v.kind {
	case KindInt, KindLong:
		f := float64(v.i)
		if f >= 1<<63 || int64(f) != v.i {
			return Value{}, false
		}
		return DoubleValue(f), true
	case KindDecimal:
		f, acc := v.d.Float64()
		if acc != big.Exact {
			return Value{}, false
		}
		return DoubleValue(f), true
	case KindString:
		if f, err := strconv.ParseFloat(v.s, 64); err == nil {
			return DoubleValue(f), true
		}
	}
	return Value{}, false
}

func toDecimal(v Value) (Value, bool) {
	switch v.kind {
	case KindInt, KindLong:
		return DecimalValue(new(big.Float).SetInt64(v.i)), true
	case KindDouble:
		return DecimalValue(big.NewFloat(v.f)), true
	case KindString:
		if d, _, err := big.ParseFloat(v.s, 10, 256, big.ToNearestEven); err == nil {
			return DecimalValue(d), true
		}
	}
	return Value{}, false
}
