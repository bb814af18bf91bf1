package assert

import (
	"fmt"
	"reflect"
)

// NotNil panics if value is nil, including typed nils hidden inside an interface.
func NotNil(value any) {
	if value == nil {
		panic("expected value to be not nil")
	}
	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Func, reflect.Interface, reflect.Chan:
		if rv.IsNil() {
			panic(fmt.Sprintf("expected value of type %T to be not nil", value))
		}
	}
}
