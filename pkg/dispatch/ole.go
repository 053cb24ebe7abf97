package dispatch

import (
	"errors"
	"fmt"
	"runtime"

	ole "github.com/go-ole/go-ole"

	"github.com/qbsync/qbsync/pkg/variant"
)

// sFalse is the COM "already done" success code. CoInitializeEx returns
// it when the calling thread already joined an apartment; the pairing
// CoUninitialize is still owed.
const sFalse = 0x00000001

// Apartment is a single-threaded automation apartment joined on one OS
// thread. Objects created inside an apartment are only valid on that
// thread, so callers pin a goroutine with EnterApartment and keep every
// Connect and Invoke on it until Leave.
type Apartment struct {
	active bool
}

// EnterApartment locks the calling goroutine to its OS thread and joins
// a single-threaded apartment on it. Every successful enter is balanced
// by Leave on the same goroutine.
func EnterApartment() (*Apartment, error) {
	runtime.LockOSThread()
	if err := ole.CoInitializeEx(0, ole.COINIT_APARTMENTTHREADED); err != nil {
		var oleErr *ole.OleError
		if !errors.As(err, &oleErr) || oleErr.Code() != sFalse {
			runtime.UnlockOSThread()
			return nil, fmt.Errorf("enter automation apartment: %w", err)
		}
	}
	return &Apartment{active: true}, nil
}

// Leave uninitializes the apartment and releases the OS thread pin.
// Calling Leave twice is a no-op.
func (a *Apartment) Leave() {
	if a == nil || !a.active {
		return
	}
	a.active = false
	ole.CoUninitialize()
	runtime.UnlockOSThread()
}

// OleConnector creates live automation objects through the platform
// automation runtime. The zero value is ready to use; Connect must run
// on a goroutine that holds an Apartment.
type OleConnector struct{}

// NewOleConnector returns a connector backed by the platform runtime.
func NewOleConnector() *OleConnector {
	return &OleConnector{}
}

// Connect resolves progID against the machine's class registry and
// instantiates the registered server, returning its dispatch interface.
func (OleConnector) Connect(progID string) (Object, error) {
	clsid, err := ole.CLSIDFromProgID(progID)
	if err != nil {
		return nil, fmt.Errorf("resolve class of %q: %w", progID, err)
	}
	unknown, err := ole.CreateInstance(clsid, ole.IID_IUnknown)
	if err != nil {
		return nil, fmt.Errorf("instantiate %q: %w", progID, err)
	}
	disp, err := unknown.QueryInterface(ole.IID_IDispatch)
	unknown.Release()
	if err != nil {
		return nil, fmt.Errorf("%q has no dispatch interface: %w", progID, err)
	}
	return &oleObject{disp: disp}, nil
}

// oleObject adapts one live IDispatch reference to the Object interface.
// It owns the reference and releases it exactly once.
type oleObject struct {
	disp     *ole.IDispatch
	released bool
}

// MemberID translates name against the object's live type information.
func (o *oleObject) MemberID(name string) (int32, error) {
	return o.disp.GetSingleIDOfName(name)
}

// Call invokes the member as a method. Arguments arrive in platform call
// order; the runtime owns their marshaling, including string buffers it
// allocates and frees around the call.
func (o *oleObject) Call(id int32, args []variant.Value) (variant.Value, error) {
	params := make([]interface{}, len(args))
	for i := range args {
		p, err := exportArg(&args[i])
		if err != nil {
			return variant.Empty(), err
		}
		params[i] = p
	}
	res, err := o.disp.Invoke(id, ole.DISPATCH_METHOD, params...)
	if err != nil {
		return variant.Empty(), err
	}
	return importResult(res)
}

// Release drops the dispatch reference. Safe to call more than once.
func (o *oleObject) Release() {
	if o.released || o.disp == nil {
		return
	}
	o.released = true
	o.disp.Release()
}

// exportArg lowers one codec value to what the runtime's call marshaler
// accepts.
func exportArg(v *variant.Value) (interface{}, error) {
	switch v.Kind() {
	case variant.KindEmpty:
		return nil, nil
	case variant.KindBool:
		b, err := v.AsBool()
		return b, err
	case variant.KindInt32:
		n, err := v.AsInt32()
		return n, err
	case variant.KindInt64:
		n, err := v.AsInt64()
		return n, err
	case variant.KindFloat64:
		f, err := v.AsFloat64()
		return f, err
	case variant.KindString:
		s, err := v.AsString()
		return s, err
	case variant.KindObjectRef:
		obj, err := v.AsObject()
		if err != nil {
			return nil, err
		}
		oo, ok := obj.(*oleObject)
		if !ok {
			return nil, fmt.Errorf("object argument %T is not a live automation reference", obj)
		}
		return oo.disp, nil
	default:
		return nil, fmt.Errorf("unsupported argument kind %s", v.Kind())
	}
}

// importResult lifts a platform result into a codec value and frees the
// platform side. Object results transfer ownership to the returned value
// instead of being freed.
func importResult(res *ole.VARIANT) (variant.Value, error) {
	if res == nil {
		return variant.Empty(), nil
	}
	switch res.VT {
	case ole.VT_EMPTY, ole.VT_NULL:
		return variant.Empty(), nil
	case ole.VT_DISPATCH:
		disp := res.ToIDispatch()
		if disp == nil {
			return variant.Empty(), nil
		}
		return variant.FromObject(&oleObject{disp: disp}), nil
	case ole.VT_UNKNOWN:
		unk := res.ToIUnknown()
		if unk == nil {
			return variant.Empty(), nil
		}
		disp, err := unk.QueryInterface(ole.IID_IDispatch)
		clearResult(res)
		if err != nil {
			return variant.Empty(), fmt.Errorf("object result has no dispatch interface: %w", err)
		}
		return variant.FromObject(&oleObject{disp: disp}), nil
	}

	defer clearResult(res)
	switch val := res.Value().(type) {
	case bool:
		return variant.FromBool(val), nil
	case int8:
		return variant.FromInt32(int32(val)), nil
	case uint8:
		return variant.FromInt32(int32(val)), nil
	case int16:
		return variant.FromInt32(int32(val)), nil
	case uint16:
		return variant.FromInt32(int32(val)), nil
	case int32:
		return variant.FromInt32(val), nil
	case uint32:
		return variant.FromInt64(int64(val)), nil
	case int64:
		return variant.FromInt64(val), nil
	case uint64:
		return variant.FromInt64(int64(val)), nil
	case int:
		return variant.FromInt64(int64(val)), nil
	case uint:
		return variant.FromInt64(int64(val)), nil
	case float32:
		return variant.FromFloat64(float64(val)), nil
	case float64:
		return variant.FromFloat64(val), nil
	case string:
		return variant.FromString(val), nil
	default:
		return variant.Empty(), fmt.Errorf("unsupported result type 0x%04x", uint16(res.VT))
	}
}

// clearResult frees whatever the platform allocated inside a result. A
// failure here only leaks; it never masks the call's own outcome.
func clearResult(res *ole.VARIANT) {
	_ = res.Clear()
}
