package transfer

import (
	"errors"
	"runtime"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dop251/goja"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/AgentOS/isolates/internal/shared/vmerr"
)

type testEnv struct {
	vm       *goja.Runtime
	in       *Intrinsics
	sym      *goja.Symbol
	limit    int
	used     int
	external atomic.Int64
	released int
	maxCopy  int
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	vm := goja.New()
	in, err := NewIntrinsics(vm)
	require.NoError(t, err)
	return &testEnv{vm: vm, in: in, sym: goja.NewSymbol("handle"), limit: 1 << 20}
}

func (e *testEnv) VM() *goja.Runtime { return e.vm }

func (e *testEnv) Intrinsics() *Intrinsics { return e.in }

func (e *testEnv) HandleSymbol() *goja.Symbol { return e.sym }

func (e *testEnv) CheckHeap(expected int) error {
	if e.used+expected > e.limit {
		return vmerr.ErrMemoryLimitExceeded
	}
	return nil
}

func (e *testEnv) NewArrayBuffer(data []byte) goja.ArrayBuffer {
	e.used += len(data)
	return e.vm.NewArrayBuffer(data)
}

func (e *testEnv) AdjustExternalMemory(delta int64) { e.external.Add(delta) }

func (e *testEnv) ReleaseArrayBuffer(data []byte) { e.released += len(data) }

func (e *testEnv) MaxCopySize() int { return e.maxCopy }

func (e *testEnv) run(t *testing.T, src string) goja.Value {
	t.Helper()
	v, err := e.vm.RunString(src)
	require.NoError(t, err)
	return v
}

// move copies the value of expr from a into b and binds it to v there.
func move(t *testing.T, a, b *testEnv, expr string, opts Options) ExternalCopy {
	t.Helper()
	c, err := Copy(a, a.run(t, expr), opts)
	require.NoError(t, err)
	v, err := CopyIntoCheckHeap(b, c, false)
	require.NoError(t, err)
	require.NoError(t, b.vm.Set("v", v))
	return c
}

func TestCopyPreservesValues(t *testing.T) {
	tests := []struct {
		name  string
		expr  string
		kind  Kind
		check string
	}{
		{"undefined", "undefined", KindUndefined, "v === undefined"},
		{"null", "null", KindNull, "v === null"},
		{"boolean", "true", KindBoolean, "v === true"},
		{"number", "42.5", KindNumber, "v === 42.5"},
		{"bigint", "12345678901234567890n", KindBigInt, "v === 12345678901234567890n"},
		{"empty string", `""`, KindString, `v === ""`},
		{"unicode string", `"héllo wörld"`, KindString, `v === "héllo wörld"`},
		{"date", "new Date(86400000)", KindDate, "v instanceof Date && v.getTime() === 86400000"},
		{"error", `new RangeError("boom")`, KindError, `v instanceof RangeError && v.message === "boom"`},
		{"object", `({a: 1, b: [1, 2, {c: "x"}]})`, KindSerialized, `JSON.stringify(v) === '{"a":1,"b":[1,2,{"c":"x"}]}'`},
		{"cycle", "(function () { var o = {}; o.self = o; return o; })()", KindSerialized, "v.self === v"},
		{"shared", "(function () { var s = {}; return [s, s]; })()", KindSerialized, "v[0] === v[1]"},
		{"map", `new Map([[1, "a"], ["k", {x: 1}]])`, KindSerialized, `v instanceof Map && v.get(1) === "a" && v.get("k").x === 1`},
		{"set", `new Set([1, "two", 3])`, KindSerialized, `v instanceof Set && v.size === 3 && v.has("two")`},
		{"regexp", `({r: /a+b/gi})`, KindSerialized, `v.r instanceof RegExp && v.r.source === "a+b" && v.r.flags === "gi"`},
		{"nested date", `({d: new Date(5)})`, KindSerialized, `v.d instanceof Date && v.d.getTime() === 5`},
		{"nested error", `({e: new TypeError("bad")})`, KindSerialized, `v.e instanceof TypeError && v.e.message === "bad"`},
		{"float64 view", "new Float64Array([1.5, 2.5])", KindView, "v instanceof Float64Array && v.length === 2 && v[1] === 2.5"},
		{"view window", "new Int16Array([1, 2, 3, 4]).subarray(1, 3)", KindView, "v instanceof Int16Array && v.length === 2 && v[0] === 2 && v[1] === 3"},
		{"data view", "new DataView(new Uint8Array([7, 8]).buffer)", KindView, "v instanceof DataView && v.getUint8(1) === 8"},
		{"array buffer", "new Uint8Array([1, 2, 3]).buffer", KindArrayBuffer, "v instanceof ArrayBuffer && new Uint8Array(v)[2] === 3"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, b := newTestEnv(t), newTestEnv(t)
			c := move(t, a, b, tt.expr, Options{})
			assert.Equal(t, tt.kind, c.Kind())
			assert.True(t, b.run(t, tt.check).ToBoolean(), tt.check)
		})
	}
}

func TestCopyRejectsUncloneable(t *testing.T) {
	tests := []struct {
		expr string
		kind string
	}{
		{"(function () {})", "function"},
		{"Symbol('s')", "symbol"},
		{"({f: function () {}})", "function"},
		{"({p: Promise.resolve(1)})", "Promise"},
	}

	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			a := newTestEnv(t)
			_, err := Copy(a, a.run(t, tt.expr), Options{})

			var te *vmerr.TransferError
			require.ErrorAs(t, err, &te)
			assert.Equal(t, tt.kind, te.Kind)
			assert.ErrorIs(t, err, vmerr.ErrTransfer)
		})
	}
}

func TestCopySparseArray(t *testing.T) {
	a, b := newTestEnv(t), newTestEnv(t)

	start := time.Now()
	c, err := Copy(a, a.run(t, "const a = []; a.length = 2**32 - 1; a[3] = 'x'; a[70000] = [1]; a"), Options{})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Less(t, c.Size(), 1024, "encoding follows the elements present")

	v, err := CopyIntoCheckHeap(b, c, false)
	require.NoError(t, err)
	require.NoError(t, b.vm.Set("v", v))
	assert.Equal(t, true, b.run(t, `v.length === 2**32 - 1 && v[3] === 'x' && v[70000][0] === 1 && !(0 in v) && Array.isArray(v)`).Export())

	dense, err := Copy(a, a.run(t, "[1, , 3]"), Options{})
	require.NoError(t, err)
	exported, err := Export(dense)
	require.NoError(t, err)
	assert.Equal(t, []any{1.0, nil, 3.0}, exported)

	_, err = Export(c)
	var te *vmerr.TransferError
	assert.ErrorAs(t, err, &te, "huge arrays do not become Go slices")
}

func TestCopyRespectsSourceLimit(t *testing.T) {
	a := newTestEnv(t)
	a.maxCopy = 64 << 10

	_, err := Copy(a, a.run(t, "Array.from({length: 100000}, (_, i) => 'item ' + i)"), Options{})
	var te *vmerr.TransferError
	require.ErrorAs(t, err, &te)
	assert.ErrorIs(t, err, vmerr.ErrMemoryLimitExceeded)

	_, err = Copy(a, a.run(t, "({s: 'x'.repeat(100000)})"), Options{})
	assert.ErrorIs(t, err, vmerr.ErrMemoryLimitExceeded)

	_, err = Copy(a, a.run(t, "[1, 2, 3]"), Options{})
	assert.NoError(t, err)
}

func TestCopyIfPrimitive(t *testing.T) {
	a := newTestEnv(t)

	assert.NotNil(t, CopyIfPrimitive(a, a.run(t, "'s'")))
	assert.NotNil(t, CopyIfPrimitive(a, a.run(t, "new Date(0)")))
	assert.Nil(t, CopyIfPrimitive(a, a.run(t, "({})")))
	assert.Nil(t, CopyIfPrimitive(a, a.run(t, "new Error('x')")))
	assert.NotNil(t, CopyIfPrimitiveOrError(a, a.run(t, "new Error('x')")))
}

func TestTransferOutDetachesBuffer(t *testing.T) {
	a, b := newTestEnv(t), newTestEnv(t)
	a.run(t, "var ab = new Uint8Array([1, 2, 3]).buffer")

	move(t, a, b, "ab", Options{TransferOut: true})

	assert.EqualValues(t, 0, a.run(t, "ab.byteLength").ToInteger())
	assert.Equal(t, 3, a.released)
	assert.EqualValues(t, 3, b.run(t, "new Uint8Array(v)[2]").ToInteger())
	assert.Equal(t, 3, b.used)
}

func TestCopyKeepsSourceBuffer(t *testing.T) {
	a, b := newTestEnv(t), newTestEnv(t)
	a.run(t, "var ab = new Uint8Array([1, 2, 3]).buffer")

	move(t, a, b, "ab", Options{})
	b.run(t, "new Uint8Array(v)[0] = 9")

	assert.EqualValues(t, 3, a.run(t, "ab.byteLength").ToInteger())
	assert.EqualValues(t, 1, a.run(t, "new Uint8Array(ab)[0]").ToInteger())
	assert.Zero(t, a.released)
}

func TestTransferredBufferIsConsumedOnce(t *testing.T) {
	a, b := newTestEnv(t), newTestEnv(t)
	c, err := Copy(a, a.run(t, "new ArrayBuffer(8)"), Options{TransferOut: true})
	require.NoError(t, err)

	_, err = CopyInto(b, c, true)
	require.NoError(t, err)
	_, err = CopyInto(b, c, true)
	assert.ErrorIs(t, err, vmerr.ErrTransfer)
	assert.Nil(t, c.(*Buffer).Bytes())
}

func TestCopyIntoCheckHeapRejectsOversizedValue(t *testing.T) {
	a, b := newTestEnv(t), newTestEnv(t)
	b.limit = 64
	c, err := Copy(a, a.run(t, "new ArrayBuffer(1024)"), Options{})
	require.NoError(t, err)

	_, err = CopyIntoCheckHeap(b, c, false)

	var te *vmerr.TransferError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "ArrayBuffer", te.Kind)
	assert.ErrorIs(t, err, vmerr.ErrMemoryLimitExceeded)
	assert.Zero(t, b.used)
}

func TestWorstCaseHeapSize(t *testing.T) {
	ascii := NewString(strings.Repeat("a", 100))
	wide := NewString(strings.Repeat("é", 100))

	assert.Less(t, ascii.WorstCaseHeapSize(), wide.WorstCaseHeapSize())
	assert.GreaterOrEqual(t, NewBuffer(make([]byte, 512)).WorstCaseHeapSize(), 512)
	assert.Positive(t, Undefined().WorstCaseHeapSize())
}

func TestHandleObject(t *testing.T) {
	a, b := newTestEnv(t), newTestEnv(t)
	c, err := Copy(a, a.run(t, "({x: [1, 2]})"), Options{})
	require.NoError(t, err)

	h, err := NewHandle(c).TransferIn(b)
	require.NoError(t, err)
	require.NoError(t, b.vm.Set("h", h))
	assert.EqualValues(t, c.Size(), b.external.Load())

	assert.True(t, b.run(t, "h.copy().x[1] === 2 && h.copy() !== h.copy()").ToBoolean())
	assert.Equal(t, "object", b.run(t, "h.kind").String())

	msg := b.run(t, `h.release(); try { h.copy(); "" } catch (e) { e.message }`).String()
	assert.Equal(t, ErrCopyDisposed.Error(), msg)
	assert.Zero(t, b.external.Load())
}

func TestHandleChargeReturnedWhenCollected(t *testing.T) {
	b := newTestEnv(t)
	handle := NewHandle(NewBuffer(make([]byte, 1<<20)))

	for i := 0; i < 4; i++ {
		_, err := handle.TransferIn(b)
		require.NoError(t, err)
	}
	assert.EqualValues(t, 4<<20, b.external.Load())

	assert.Eventually(t, func() bool {
		runtime.GC()
		return b.external.Load() == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestTransferOutYieldsHandleTransferable(t *testing.T) {
	b := newTestEnv(t)
	handle := NewHandle(NewString("shared"))
	obj := NewHandleObject(b, handle)

	got, err := TransferOut(b, obj)
	require.NoError(t, err)
	assert.Same(t, handle, got)

	_, err = Copy(b, obj, Options{})
	assert.ErrorIs(t, err, vmerr.ErrTransfer)
}

func TestThrowRebuildsCopiedErrors(t *testing.T) {
	b := newTestEnv(t)
	require.NoError(t, b.vm.Set("fail", func(goja.FunctionCall) goja.Value {
		Throw(b, NewError(ErrorTypeRange, "too far", ""))
		return nil
	}))

	v := b.run(t, `try { fail() } catch (e) { (e instanceof RangeError) + ":" + e.message }`)
	assert.Equal(t, "true:too far", v.String())
}

func TestFromGoAndExport(t *testing.T) {
	b := newTestEnv(t)
	c, err := FromGo(map[string]any{
		"n":    1,
		"list": []any{"a", true, nil},
		"when": time.UnixMilli(1000),
		"raw":  []byte{1, 2},
	})
	require.NoError(t, err)
	assert.Equal(t, KindSerialized, c.Kind())

	v, err := CopyIntoCheckHeap(b, c, false)
	require.NoError(t, err)
	require.NoError(t, b.vm.Set("v", v))
	assert.True(t, b.run(t, `v.n === 1 && v.list[0] === "a" && v.list[2] === null && v.when.getTime() === 1000 && new Uint8Array(v.raw)[1] === 2`).ToBoolean())

	out, err := Export(c)
	require.NoError(t, err)
	m := out.(map[string]any)
	assert.Equal(t, float64(1), m["n"])
	assert.Equal(t, []any{"a", true, nil}, m["list"])
	assert.Equal(t, []byte{1, 2}, m["raw"])
}

func TestFromGoRejectsUnsupported(t *testing.T) {
	_, err := FromGo(make(chan int))
	assert.ErrorIs(t, err, vmerr.ErrTransfer)

	_, err = FromGo(map[int]string{1: "x"})
	assert.ErrorIs(t, err, vmerr.ErrTransfer)
}

func TestExportPreservesCycles(t *testing.T) {
	a := newTestEnv(t)
	c, err := Copy(a, a.run(t, "(function () { var o = {name: 'root'}; o.self = o; return o; })()"), Options{})
	require.NoError(t, err)

	out, err := Export(c)
	require.NoError(t, err)
	m := out.(map[string]any)
	self := m["self"].(map[string]any)
	assert.Equal(t, "root", self["name"])
	self["marker"] = true
	assert.Equal(t, true, m["marker"])
}

func TestCorruptSerializedData(t *testing.T) {
	b := newTestEnv(t)
	_, err := CopyInto(b, &Serialized{data: []byte{0xff, 0xff}}, false)
	assert.Error(t, err)

	_, err = Export(&Serialized{data: []byte{0x08}})
	assert.True(t, errors.Is(err, errCorrupt))
}
