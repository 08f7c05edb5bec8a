package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
)

// FuncHandler wraps a registered function for reflective invocation.
// Accepted signatures:
//
//	func(ctx context.Context, args T) error
//	func(ctx context.Context, args T) (R, error)
//	func(ctx context.Context) error
type FuncHandler struct {
	fn       reflect.Value
	argsType reflect.Type
}

var (
	ctxType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errType = reflect.TypeOf((*error)(nil)).Elem()
)

// NewFuncHandler validates fn's signature and wraps it.
func NewFuncHandler(fn any) (*FuncHandler, error) {
	if fn == nil {
		return nil, fmt.Errorf("handler cannot be nil")
	}

	fnVal := reflect.ValueOf(fn)
	if !fnVal.IsValid() || (fnVal.Kind() == reflect.Func && fnVal.IsNil()) {
		return nil, fmt.Errorf("handler function cannot be nil")
	}

	fnType := fnVal.Type()
	if fnType.Kind() != reflect.Func {
		return nil, fmt.Errorf("handler must be a function")
	}

	numIn := fnType.NumIn()
	if numIn < 1 || numIn > 2 || !fnType.In(0).Implements(ctxType) {
		return nil, fmt.Errorf("handler must take (context.Context) or (context.Context, T)")
	}

	h := &FuncHandler{fn: fnVal}
	if numIn == 2 {
		h.argsType = fnType.In(1)
	}

	switch fnType.NumOut() {
	case 1:
		if !fnType.Out(0).Implements(errType) {
			return nil, fmt.Errorf("handler must return error")
		}
	case 2:
		if !fnType.Out(1).Implements(errType) {
			return nil, fmt.Errorf("handler must return (R, error)")
		}
	default:
		return nil, fmt.Errorf("handler must return error or (R, error)")
	}

	return h, nil
}

// Invoke unmarshals the payload into the handler's argument type, calls the
// function, and marshals any returned value.
func (h *FuncHandler) Invoke(ctx context.Context, payload []byte) ([]byte, error) {
	args := []reflect.Value{reflect.ValueOf(ctx)}

	if h.argsType != nil {
		argVal := reflect.New(h.argsType)
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, argVal.Interface()); err != nil {
				return nil, fmt.Errorf("unmarshal payload: %w", err)
			}
		}
		args = append(args, argVal.Elem())
	}

	results := h.fn.Call(args)

	switch len(results) {
	case 1:
		if !results[0].IsNil() {
			return nil, results[0].Interface().(error)
		}
		return nil, nil
	default:
		if !results[1].IsNil() {
			return nil, results[1].Interface().(error)
		}
		out, err := json.Marshal(results[0].Interface())
		if err != nil {
			return nil, fmt.Errorf("marshal result: %w", err)
		}
		return out, nil
	}
}
