package registry

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kazoe/kazad/pkg/object"
)

func TestRegisterAndLookup(t *testing.T) {
	r := New()

	temp := object.New("temp", "°C", object.NewDouble(22.5))
	require.NoError(t, r.Register(temp))

	assert.Same(t, temp, r.Lookup("temp"))
	assert.Nil(t, r.Lookup("missing"))
	assert.Equal(t, 1, r.Count())
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	r := New()

	require.NoError(t, r.Register(object.New("temp", "", object.Invalid())))
	err := r.Register(object.New("temp", "", object.Invalid()))
	assert.Error(t, err)
	assert.Equal(t, 1, r.Count())
}

func TestRegisterRejectsNilAndUnnamed(t *testing.T) {
	r := New()

	assert.Error(t, r.Register(nil))
	assert.Error(t, r.Register(object.New("", "", object.Invalid())))
}

func TestKeysPreserveInsertionOrder(t *testing.T) {
	r := New()

	names := []string{"zeta", "alpha", "mid", "beta"}
	for _, n := range names {
		require.NoError(t, r.Register(object.New(n, "", object.Invalid())))
	}

	assert.Equal(t, names, r.Keys())

	objs := r.Objects()
	require.Len(t, objs, len(names))
	for i, o := range objs {
		assert.Equal(t, names[i], o.Name())
	}
}

func TestKeysReturnsCopy(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(object.New("temp", "", object.Invalid())))

	keys := r.Keys()
	keys[0] = "mutated"

	assert.Equal(t, []string{"temp"}, r.Keys())
}

func TestAlarms(t *testing.T) {
	r := New()

	r.RegisterAlarm(&object.Alarm{Title: "first", Enabled: true})
	r.RegisterAlarm(&object.Alarm{Title: "second"})

	alarms := r.Alarms()
	require.Len(t, alarms, 2)
	assert.Equal(t, "first", alarms[0].Title)
	assert.Equal(t, "second", alarms[1].Title)
}

func TestOnObjectAdded(t *testing.T) {
	t.Run("ObserverSeesLaterRegistrations", func(t *testing.T) {
		r := New()

		require.NoError(t, r.Register(object.New("before", "", object.Invalid())))

		var seen []string
		r.OnObjectAdded(func(o *object.Object) { seen = append(seen, o.Name()) })

		require.NoError(t, r.Register(object.New("after1", "", object.Invalid())))
		require.NoError(t, r.Register(object.New("after2", "", object.Invalid())))

		assert.Equal(t, []string{"after1", "after2"}, seen)
	})

	t.Run("AllObserversFire", func(t *testing.T) {
		r := New()

		var a, b int
		r.OnObjectAdded(func(*object.Object) { a++ })
		r.OnObjectAdded(func(*object.Object) { b++ })

		require.NoError(t, r.Register(object.New("o", "", object.Invalid())))

		assert.Equal(t, 1, a)
		assert.Equal(t, 1, b)
	})

	t.Run("ObserverMayTouchRegistry", func(t *testing.T) {
		r := New()

		var keys []string
		r.OnObjectAdded(func(*object.Object) { keys = r.Keys() })

		require.NoError(t, r.Register(object.New("o", "", object.Invalid())))

		assert.Equal(t, []string{"o"}, keys)
	})
}

func TestGlobalLifecycle(t *testing.T) {
	Reset()
	t.Cleanup(Reset)

	first := Get()
	require.NotNil(t, first)
	assert.Same(t, first, Get())

	second := Init()
	assert.NotSame(t, first, second)
	assert.Same(t, second, Get())
}

func TestConcurrentRegisterAndLookup(t *testing.T) {
	r := New()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			r.Register(object.New(fmt.Sprintf("obj-%d", i), "", object.Invalid())) //nolint:errcheck
		}
	}()

	for i := 0; i < 100; i++ {
		r.Lookup("obj-50")
		r.Keys()
	}
	<-done

	assert.Equal(t, 100, r.Count())
}
