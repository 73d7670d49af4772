package reflector

import (
	"reflect"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type userWasRegistered struct {
	Name string
}

const qualified = "github.com/fjogeleit/event-store/internal/reflector.userWasRegistered"

func TestTypeInfo_Names(t *testing.T) {
	for _, ti := range []TypeInfo{
		TypeInfoOf(userWasRegistered{}),
		TypeInfoOf(&userWasRegistered{}),
		TypeInfoFor[userWasRegistered](),
		TypeInfoFor[*userWasRegistered](),
		TypeInfoForType(reflect.TypeFor[**userWasRegistered]()),
	} {
		assert.Equal(t, qualified, ti.Name)
		assert.Equal(t, "userWasRegistered", ti.ShortName)
		assert.Equal(t, reflect.Struct, ti.Type.Kind())
	}
}

func TestTypeInfo_Unnamed(t *testing.T) {
	ti := TypeInfoFor[map[string]any]()
	assert.Equal(t, "map[string]interface {}", ti.ShortName)

	assert.Equal(t, TypeInfo{}, TypeInfoForType(nil))
}

func TestTypeInfo_Concurrent(t *testing.T) {
	var wg sync.WaitGroup
	results := make([]TypeInfo, 32)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = TypeInfoOf(userWasRegistered{})
		}()
	}
	wg.Wait()

	for _, ti := range results {
		require.Equal(t, qualified, ti.Name)
	}
}
