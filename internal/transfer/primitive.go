package transfer

import (
	"math"
	"math/big"
	"time"
	"unicode/utf8"

	"github.com/dop251/goja"
)

const (
	primitiveHeapSize = 24
	stringHeapSize    = 32
)

// Primitive is a copy of undefined, null, a boolean, a number or a bigint.
type Primitive struct {
	kind   Kind
	truth  bool
	number float64
	bigint *big.Int
}

var (
	undefinedCopy = &Primitive{kind: KindUndefined}
	nullCopy      = &Primitive{kind: KindNull}
)

// Undefined returns the copy of undefined.
func Undefined() *Primitive { return undefinedCopy }

// Null returns the copy of null.
func Null() *Primitive { return nullCopy }

// Bool returns a boolean copy.
func Bool(b bool) *Primitive { return &Primitive{kind: KindBoolean, truth: b} }

// Number returns a number copy.
func Number(f float64) *Primitive { return &Primitive{kind: KindNumber, number: f} }

// BigInt returns a bigint copy. The argument is cloned.
func BigInt(i *big.Int) *Primitive {
	return &Primitive{kind: KindBigInt, bigint: new(big.Int).Set(i)}
}

func (p *Primitive) Kind() Kind { return p.kind }

func (p *Primitive) Size() int {
	if p.kind == KindBigInt {
		return len(p.bigint.Bytes())
	}
	return 8
}

func (p *Primitive) WorstCaseHeapSize() int { return primitiveHeapSize }

// Value returns the Go form of the primitive: nil, bool, float64 or *big.Int.
// Undefined and null both yield nil; use Kind to tell them apart.
func (p *Primitive) Value() any {
	switch p.kind {
	case KindBoolean:
		return p.truth
	case KindNumber:
		return p.number
	case KindBigInt:
		return new(big.Int).Set(p.bigint)
	}
	return nil
}

func (p *Primitive) TransferIn(dst Destination) (goja.Value, error) {
	return CopyIntoCheckHeap(dst, p, false)
}

func (p *Primitive) copyInto(dst Destination, _ bool) (goja.Value, error) {
	switch p.kind {
	case KindUndefined:
		return goja.Undefined(), nil
	case KindNull:
		return goja.Null(), nil
	case KindBoolean:
		return dst.VM().ToValue(p.truth), nil
	case KindBigInt:
		return dst.VM().ToValue(new(big.Int).Set(p.bigint)), nil
	default:
		return dst.VM().ToValue(p.number), nil
	}
}

// String is a copy of a string. Go strings are immutable, so every isolate
// that materializes the copy shares the same backing bytes; the garbage
// collector frees them once the last side lets go.
type String struct {
	value string
	ascii bool
}

// NewString returns a string copy.
func NewString(s string) *String {
	return &String{value: s, ascii: isASCII(s)}
}

func (s *String) Kind() Kind { return KindString }

func (s *String) Size() int { return len(s.value) }

// WorstCaseHeapSize is a fixed header for ASCII text, which the engine wraps
// without copying, and two bytes per rune otherwise.
func (s *String) WorstCaseHeapSize() int {
	if s.ascii {
		return stringHeapSize
	}
	return stringHeapSize + 2*utf8.RuneCountInString(s.value)
}

// Value returns the Go string.
func (s *String) Value() string { return s.value }

func (s *String) TransferIn(dst Destination) (goja.Value, error) {
	return CopyIntoCheckHeap(dst, s, false)
}

func (s *String) copyInto(dst Destination, _ bool) (goja.Value, error) {
	return dst.VM().ToValue(s.value), nil
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return false
		}
	}
	return true
}

// Date is a copy of a Date object's time value in milliseconds.
type Date struct {
	millis float64
}

// NewDate returns a date copy of t.
func NewDate(t time.Time) *Date {
	return &Date{millis: float64(t.UnixMilli())}
}

func copyDate(src Source, obj *goja.Object) ExternalCopy {
	ms := math.NaN()
	if v, err := src.Intrinsics().getTime(obj); err == nil {
		ms = v.ToFloat()
	}
	return &Date{millis: ms}
}

func (d *Date) Kind() Kind { return KindDate }

func (d *Date) Size() int { return 8 }

func (d *Date) WorstCaseHeapSize() int { return primitiveHeapSize }

// Millis returns the time value. Invalid dates yield NaN.
func (d *Date) Millis() float64 { return d.millis }

// Time converts the copy to a time.Time. Invalid dates yield the zero time.
func (d *Date) Time() time.Time {
	if math.IsNaN(d.millis) {
		return time.Time{}
	}
	return time.UnixMilli(int64(d.millis)).UTC()
}

func (d *Date) TransferIn(dst Destination) (goja.Value, error) {
	return CopyIntoCheckHeap(dst, d, false)
}

func (d *Date) copyInto(dst Destination, _ bool) (goja.Value, error) {
	vm := dst.VM()
	return construct(vm, dst.Intrinsics().Date, vm.ToValue(d.millis))
}
