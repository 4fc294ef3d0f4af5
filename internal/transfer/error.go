package transfer

import (
	"github.com/dop251/goja"
)

// ErrorType tags which native constructor an error copy is rebuilt with.
type ErrorType int

const (
	ErrorTypeRange ErrorType = iota + 1
	ErrorTypeReference
	ErrorTypeSyntax
	ErrorTypeType
	ErrorTypeError
)

var errorTypeNames = map[ErrorType]string{
	ErrorTypeRange:     "RangeError",
	ErrorTypeReference: "ReferenceError",
	ErrorTypeSyntax:    "SyntaxError",
	ErrorTypeType:      "TypeError",
	ErrorTypeError:     "Error",
}

func (t ErrorType) String() string {
	if name, ok := errorTypeNames[t]; ok {
		return name
	}
	return "Error"
}

// ErrorTypeOf maps an error name to its tag; unknown names become plain Error.
func ErrorTypeOf(name string) ErrorType {
	for t, n := range errorTypeNames {
		if n == name {
			return t
		}
	}
	return ErrorTypeError
}

// Error is a copy of an error object: its type tag, message and stack.
type Error struct {
	errorType ErrorType
	message   *String
	stack     *String
}

// NewError builds an error copy from its parts.
func NewError(t ErrorType, message, stack string) *Error {
	e := &Error{errorType: t, message: NewString(message)}
	if stack != "" {
		e.stack = NewString(stack)
	}
	return e
}

func copyError(obj *goja.Object) *Error {
	return NewError(ErrorTypeOf(stringProperty(obj, "name")), stringProperty(obj, "message"), stringProperty(obj, "stack"))
}

func stringProperty(obj *goja.Object, name string) string {
	v := obj.Get(name)
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return ""
	}
	return v.String()
}

func (e *Error) Kind() Kind { return KindError }

func (e *Error) Size() int {
	size := e.message.Size()
	if e.stack != nil {
		size += e.stack.Size()
	}
	return size
}

func (e *Error) WorstCaseHeapSize() int {
	size := 2*primitiveHeapSize + e.message.WorstCaseHeapSize()
	if e.stack != nil {
		size += e.stack.WorstCaseHeapSize()
	}
	return size
}

// Type returns the error's type tag.
func (e *Error) Type() ErrorType { return e.errorType }

// Message returns the error message.
func (e *Error) Message() string { return e.message.Value() }

// Stack returns the captured stack, or an empty string.
func (e *Error) Stack() string {
	if e.stack == nil {
		return ""
	}
	return e.stack.Value()
}

// Error makes the copy usable as a Go error on the host side.
func (e *Error) Error() string {
	return e.errorType.String() + ": " + e.Message()
}

func (e *Error) TransferIn(dst Destination) (goja.Value, error) {
	return CopyIntoCheckHeap(dst, e, false)
}

func (e *Error) copyInto(dst Destination, _ bool) (goja.Value, error) {
	vm := dst.VM()
	obj, err := vm.New(dst.Intrinsics().ErrorConstructor(e.errorType), vm.ToValue(e.Message()))
	if err != nil {
		return nil, err
	}
	if e.stack != nil {
		// best effort: a frozen prototype may refuse the property
		_ = obj.DefineDataProperty("stack", vm.ToValue(e.stack.Value()), goja.FLAG_TRUE, goja.FLAG_TRUE, goja.FLAG_FALSE)
	}
	return obj, nil
}
