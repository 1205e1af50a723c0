package fsm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itohio/gostim/pkg/fault"
)

type light int

const (
	red light = iota
	green
	yellow
	broken
)

func newLight() *Machine[light] {
	return New("light", red, Table[light]{
		red:    {green},
		green:  {yellow},
		yellow: {red},
	}, nil)
}

func TestMachine_Transitions(t *testing.T) {
	m := newLight()
	now := time.Unix(10, 0)

	var seen []Transition[light]
	m.OnTransition(func(tr Transition[light]) { seen = append(seen, tr) })

	changed, err := m.Transition(green, now)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, green, m.Current())
	assert.Equal(t, red, m.Previous())
	assert.Equal(t, now, m.Since())

	changed, err = m.Transition(green, now)
	require.NoError(t, err)
	assert.False(t, changed, "self transition is a no-op")

	_, err = m.Transition(red, now)
	assert.ErrorIs(t, err, fault.ErrInvalidTransition)
	assert.Equal(t, green, m.Current())

	require.Len(t, seen, 1)
	assert.Equal(t, Transition[light]{From: red, To: green, At: now}, seen[0])
}

func TestMachine_ForceAndTerminal(t *testing.T) {
	m := newLight()

	assert.True(t, m.Force(broken, time.Time{}))
	assert.True(t, m.Is(broken, red))
	assert.False(t, m.CanTransition(red), "broken is terminal")
	assert.False(t, m.Force(broken, time.Time{}))
}

func TestNew_PanicsOnUnknownInitial(t *testing.T) {
	assert.Panics(t, func() {
		New("light", broken, Table[light]{red: {green}}, nil)
	})
}
