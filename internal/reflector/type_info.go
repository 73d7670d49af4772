// Package reflector resolves and caches naming information for Go types.
// Event payload types use it to derive their stored event names.
package reflector

import (
	"reflect"
	"sync"
)

var cache sync.Map // reflect.Type -> TypeInfo

type TypeInfo struct {
	// Name is the package qualified name, e.g. "github.com/x/demo.UserWasRegistered".
	Name string
	// ShortName is the bare type name, e.g. "UserWasRegistered".
	ShortName string
	// Type is the dereferenced type.
	Type reflect.Type
}

func TypeInfoOf(x any) TypeInfo { return TypeInfoForType(reflect.TypeOf(x)) }

func TypeInfoFor[T any]() TypeInfo { return TypeInfoForType(reflect.TypeFor[T]()) }

// TypeInfoForType returns the info for t. Pointer types resolve to their element type.
func TypeInfoForType(t reflect.Type) TypeInfo {
	if t == nil {
		return TypeInfo{}
	}
	if ti, ok := cache.Load(t); ok {
		return ti.(TypeInfo)
	}

	elem := t
	for elem.Kind() == reflect.Pointer {
		elem = elem.Elem()
	}

	ti := TypeInfo{
		Name:      elem.PkgPath() + "." + elem.Name(),
		ShortName: elem.Name(),
		Type:      elem,
	}
	if elem.Name() == "" {
		// unnamed types (maps, slices, anonymous structs)
		ti.Name = elem.String()
		ti.ShortName = elem.String()
	}

	actual, _ := cache.LoadOrStore(t, ti)
	return actual.(TypeInfo)
}
