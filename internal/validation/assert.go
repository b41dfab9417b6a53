// Package validation holds contract checks for constructors.
package validation

import (
	"fmt"
	"reflect"
)

// AssertNotNil panics if v is nil, including a typed nil pointer, map, slice,
// channel or func stored in an interface. Use it for mandatory dependencies
// only; runtime failures are returned as errors.
//
//	validation.AssertNotNil(conn, "connector")
func AssertNotNil(v any, name string) {
	if isNil(v) {
		panic(fmt.Sprintf("critical error: %s cannot be nil", name))
	}
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Chan, reflect.Func, reflect.Interface:
		return rv.IsNil()
	default:
		return false
	}
}
