// Package dispatch performs name-resolved method calls against live
// automation objects. The interface behind those objects is unversioned
// and varies between application releases, so nothing structural is
// assumed: every call translates the method name to a member id against
// the live object's current type information, marshals its arguments
// through the variant codec, and classifies failures so callers can tell
// "this revision lacks the method" apart from "the application rejected
// the call".
package dispatch

import (
	"errors"

	ole "github.com/go-ole/go-ole"

	"github.com/qbsync/qbsync/pkg/variant"
)

// Object is one live automation object. Implementations are not safe for
// concurrent use; callers serialize access on the thread that created the
// object.
type Object interface {
	// MemberID translates a method name to a member id using the
	// object's current type information.
	MemberID(name string) (int32, error)

	// Call invokes the member id with arguments already in platform call
	// order. The result value is owned by the caller.
	Call(id int32, args []variant.Value) (variant.Value, error)

	// Release drops the object reference. Safe to call more than once.
	Release()
}

// Connector creates live automation objects from registered interface
// names.
type Connector interface {
	Connect(progID string) (Object, error)
}

// ArgOrder states how a method expects its arguments relative to the
// declared parameter list. This is an empirical, per-method fact: it
// cannot be derived from the interface definition, only observed against
// the live application.
type ArgOrder uint8

const (
	// OrderLogical passes arguments in declared parameter order.
	OrderLogical ArgOrder = iota

	// OrderReversed flips the argument list before the call.
	OrderReversed
)

// Invoker resolves method names and invokes them with correctly ordered
// arguments. Member ids are resolved on every call and never cached:
// they are only stable within a single object instance of a single
// interface revision.
type Invoker struct {
	orders map[string]ArgOrder
}

// NewInvoker returns an invoker with an empty argument-order table; every
// method defaults to OrderLogical until a fact says otherwise.
func NewInvoker() *Invoker {
	return &Invoker{orders: make(map[string]ArgOrder)}
}

// WithOrder records an argument-order fact for one method and returns the
// invoker for chaining.
func (i *Invoker) WithOrder(method string, order ArgOrder) *Invoker {
	i.orders[method] = order
	return i
}

// Order reports the argument order configured for a method.
func (i *Invoker) Order(method string) ArgOrder {
	return i.orders[method]
}

// Invoke resolves method on obj and calls it with args. Arguments are
// given in logical (declared) order; the configured fact table decides
// what actually goes on the wire. Argument values stay owned by the
// caller; the result value is owned by the caller once returned.
func (i *Invoker) Invoke(obj Object, method string, args ...variant.Value) (variant.Value, error) {
	id, err := obj.MemberID(method)
	if err != nil {
		return variant.Empty(), &CallError{
			Kind:    KindResolution,
			Method:  method,
			HResult: hresultOf(err),
			Err:     err,
		}
	}

	callArgs := args
	if i.Order(method) == OrderReversed {
		callArgs = reversedArgs(args)
	}

	result, err := obj.Call(id, callArgs)
	if err != nil {
		return variant.Empty(), classifyCall(method, err)
	}
	return result, nil
}

// classifyCall maps a raw invocation failure onto the CallError taxonomy.
func classifyCall(method string, err error) *CallError {
	ce := &CallError{Kind: KindCall, Method: method, Err: err}
	var oleErr *ole.OleError
	if !errors.As(err, &oleErr) {
		return ce
	}
	ce.HResult = uint32(oleErr.Code())
	switch ce.HResult {
	case hrException:
		ce.Kind = KindException
		ce.Message = exceptionMessage(oleErr)
	case hrBadParamCount:
		ce.Kind = KindArgCount
	case hrUnknownName, hrMemberNotFound:
		ce.Kind = KindResolution
	}
	return ce
}

// exceptionMessage digs the application's own description out of an
// exception result, falling back to whatever text the runtime attached.
func exceptionMessage(oleErr *ole.OleError) string {
	if d := oleErr.Description(); d != "" {
		return d
	}
	if sub := oleErr.SubError(); sub != nil {
		return sub.Error()
	}
	return oleErr.Error()
}

func hresultOf(err error) uint32 {
	var oleErr *ole.OleError
	if errors.As(err, &oleErr) {
		return uint32(oleErr.Code())
	}
	return 0
}

// reversedArgs returns a flipped copy; the caller's slice is not touched.
func reversedArgs(args []variant.Value) []variant.Value {
	out := make([]variant.Value, len(args))
	for idx, a := range args {
		out[len(args)-1-idx] = a
	}
	return out
}
