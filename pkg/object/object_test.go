package object

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu     sync.Mutex
	values map[string]Value
	fail   bool
}

func newMemStore() *memStore {
	return &memStore{values: make(map[string]Value)}
}

func (s *memStore) Load(name string) (Value, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return Value{}, false, errors.New("store unavailable")
	}
	v, ok := s.values[name]
	return v, ok, nil
}

func (s *memStore) Save(name string, v Value) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("store unavailable")
	}
	s.values[name] = v
	return nil
}

func TestObjectBasics(t *testing.T) {
	o := New("temp", "°C", NewDouble(22.5))

	assert.Equal(t, "temp", o.Name())
	assert.Equal(t, "°C", o.Unit())
	assert.Equal(t, 22.5, o.Value().Double())
}

func TestObjectWatch(t *testing.T) {
	t.Run("WatcherSeesChanges", func(t *testing.T) {
		o := New("temp", "°C", Invalid())

		var got []Change
		o.Watch(func(c Change) { got = append(got, c) })

		o.SetValue(NewDouble(23.0))
		o.ChangeValue(NewDouble(24.0), 7)

		require.Len(t, got, 2)
		assert.Equal(t, 23.0, got[0].Value.Double())
		assert.Equal(t, uint64(0), got[0].Origin)
		assert.Equal(t, 24.0, got[1].Value.Double())
		assert.Equal(t, uint64(7), got[1].Origin)
	})

	t.Run("CancelStopsDelivery", func(t *testing.T) {
		o := New("temp", "", Invalid())

		var count int
		cancel := o.Watch(func(Change) { count++ })

		o.SetValue(NewInt(1))
		cancel()
		o.SetValue(NewInt(2))

		assert.Equal(t, 1, count)
	})

	t.Run("AllWatchersSeeSameValue", func(t *testing.T) {
		o := New("temp", "", Invalid())

		var a, b Value
		o.Watch(func(c Change) { a = c.Value })
		o.Watch(func(c Change) { b = c.Value })

		o.SetValue(NewInt(42))

		assert.True(t, a.Equal(b))
		assert.Equal(t, int64(42), a.Int())
	})

	t.Run("InvalidValuePropagates", func(t *testing.T) {
		o := New("temp", "", NewInt(5))

		var got Change
		o.Watch(func(c Change) { got = c })

		o.SetValue(Invalid())

		assert.False(t, got.Value.IsValid())
		assert.False(t, o.Value().IsValid())
	})
}

func TestInternalObject(t *testing.T) {
	t.Run("UsesInitialWhenStoreEmpty", func(t *testing.T) {
		store := newMemStore()

		o, err := NewInternal("mode", "", NewString("auto"), store)
		require.NoError(t, err)
		assert.Equal(t, "auto", o.Value().Str())
	})

	t.Run("RehydratesFromStore", func(t *testing.T) {
		store := newMemStore()
		require.NoError(t, store.Save("mode", NewString("manual")))

		o, err := NewInternal("mode", "", NewString("auto"), store)
		require.NoError(t, err)
		assert.Equal(t, "manual", o.Value().Str())
	})

	t.Run("PersistsOnChange", func(t *testing.T) {
		store := newMemStore()

		o, err := NewInternal("mode", "", NewString("auto"), store)
		require.NoError(t, err)

		o.SetValue(NewString("eco"))

		v, ok, err := store.Load("mode")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "eco", v.Str())
	})

	t.Run("LoadErrorFailsConstruction", func(t *testing.T) {
		store := newMemStore()
		store.fail = true

		_, err := NewInternal("mode", "", Invalid(), store)
		assert.Error(t, err)
	})
}

func TestAlarmVisibility(t *testing.T) {
	cases := []struct {
		name  string
		alarm Alarm
		user  string
		want  bool
	}{
		{"DisabledNeverVisible", Alarm{Title: "t", Enabled: false}, "alice", false},
		{"EnabledVisibleToAnyone", Alarm{Title: "t", Enabled: true}, "alice", true},
		{"AdminOnlyHiddenFromUser", Alarm{Title: "t", Enabled: true, Admin: true}, "alice", false},
		{"AdminOnlyShownToAdmin", Alarm{Title: "t", Enabled: true, Admin: true}, "admin", true},
		{"DebugOnlyHiddenFromUser", Alarm{Title: "t", Enabled: true, Debug: true}, "alice", false},
		{"DebugOnlyShownToDebug", Alarm{Title: "t", Enabled: true, Debug: true}, "debug", true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.alarm.VisibleTo(tc.user))
		})
	}
}
