package registers

import (
	"errors"
	"sync"
	"testing"

	"github.com/KevinKickass/OpenModbusSim/internal/behavior"
	"github.com/KevinKickass/OpenModbusSim/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func u16(v uint16) *uint16 { return &v }

func holding(t *testing.T, defs ...Definition) *Map {
	t.Helper()
	m := NewMap(types.RegisterTypeHoldingRegister)
	for _, d := range defs {
		require.NoError(t, m.Define(d))
	}
	return m
}

func TestMap_WriteThenRead_WithinBounds(t *testing.T) {
	m := holding(t, Definition{Address: 40001, Min: u16(10), Max: u16(20), Value: 15})

	for v := uint16(10); v <= 20; v++ {
		require.NoError(t, m.Write(40001, v))
		got, err := m.Read(40001)
		require.NoError(t, err)
		assert.Equal(t, v, got)
	}
}

func TestMap_Write_OutsideBoundsRejected(t *testing.T) {
	m := holding(t, Definition{Address: 1, Min: u16(10), Max: u16(20), Value: 15})

	for _, v := range []uint16{0, 9, 21, 65535} {
		err := m.Write(1, v)
		assert.ErrorIs(t, err, ErrOutOfRange, "value %d", v)
	}
	got, _ := m.Read(1)
	assert.Equal(t, uint16(15), got, "rejected write must not change the value")
}

func TestMap_Write_ClampingRegisterClamps(t *testing.T) {
	m := holding(t, Definition{Address: 1, Min: u16(10), Max: u16(20), Clamp: true, Value: 15})

	require.NoError(t, m.Write(1, 500))
	got, _ := m.Read(1)
	assert.Equal(t, uint16(20), got)

	require.NoError(t, m.Write(1, 2))
	got, _ = m.Read(1)
	assert.Equal(t, uint16(10), got)
}

func TestMap_Define_Validation(t *testing.T) {
	m := holding(t, Definition{Address: 40001})

	assert.ErrorIs(t, m.Define(Definition{Address: 40001}), ErrDuplicateAddress)
	assert.ErrorIs(t, m.Define(Definition{Address: 2, Value: 50, Max: u16(10)}), ErrOutOfRange)
	assert.ErrorIs(t, m.Define(Definition{Address: 3, Min: u16(5), Max: u16(4)}), ErrInvalidDefinition)
	assert.ErrorIs(t, m.Define(Definition{Address: 4, Behavior: &behavior.Spec{Kind: "script"}}), behavior.ErrInvalid)

	require.NoError(t, m.Define(Definition{Address: 5, Value: 50, Max: u16(10), Clamp: true}))
	got, _ := m.Read(5)
	assert.Equal(t, uint16(10), got)
}

func TestMap_Bits_OnlyZeroOrOne(t *testing.T) {
	m := NewMap(types.RegisterTypeCoil)
	assert.ErrorIs(t, m.Define(Definition{Address: 1, Value: 2}), ErrInvalidDefinition)
	require.NoError(t, m.Define(Definition{Address: 1, Value: 1}))

	assert.ErrorIs(t, m.Write(1, 2), ErrOutOfRange)
	require.NoError(t, m.Write(1, 0))
}

func TestMap_NotFound(t *testing.T) {
	m := holding(t, Definition{Address: 1}, Definition{Address: 3})

	_, err := m.Read(2)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, m.Write(2, 1), ErrNotFound)
	assert.ErrorIs(t, m.Remove(2), ErrNotFound)

	_, err = m.ReadRange(1, 3, true)
	assert.ErrorIs(t, err, ErrNotFound, "gap inside a range")
	_, err = m.ReadRange(65535, 2, true)
	assert.ErrorIs(t, err, ErrNotFound, "range past the address space")
}

func TestMap_List_OrderedByAddress(t *testing.T) {
	m := holding(t, Definition{Address: 30}, Definition{Address: 10}, Definition{Address: 20})

	var addrs []uint16
	for _, d := range m.List() {
		addrs = append(addrs, d.Address)
	}
	assert.Equal(t, []uint16{10, 20, 30}, addrs)
}

func TestMap_WriteRange_AllOrNothing(t *testing.T) {
	// GIVEN three registers where the middle one is bounded
	m := holding(t,
		Definition{Address: 1, Value: 1},
		Definition{Address: 2, Value: 2, Max: u16(100)},
		Definition{Address: 3, Value: 3},
	)

	// WHEN a multi write violates the bound of the middle register
	_, err := m.WriteRange(1, []uint16{10, 200, 30}, true)

	// THEN nothing is stored
	require.ErrorIs(t, err, ErrOutOfRange)
	values, err := m.ReadRange(1, 3, false)
	require.NoError(t, err)
	assert.Equal(t, []uint16{1, 2, 3}, values)
}

func TestMap_WriteRange_FaultStoresNothingButCounts(t *testing.T) {
	m := holding(t,
		Definition{Address: 1},
		Definition{Address: 2, Behavior: behavior.Error(types.ExceptionServerDeviceFailure)},
	)

	_, err := m.WriteRange(1, []uint16{7, 8}, true)

	var fault *behavior.Fault
	require.True(t, errors.As(err, &fault))
	assert.Equal(t, types.ExceptionServerDeviceFailure, fault.Code)

	r1, _ := m.Lookup(1)
	r2, _ := m.Lookup(2)
	assert.Equal(t, uint16(0), r1.Value())
	assert.Equal(t, uint64(1), r1.Accesses())
	assert.Equal(t, uint64(1), r2.Accesses())
}

func TestMap_WriteRange_ReportsChanges(t *testing.T) {
	m := holding(t, Definition{Address: 1, Value: 5}, Definition{Address: 2, Value: 6})

	changes, err := m.WriteRange(1, []uint16{5, 9}, true)

	require.NoError(t, err)
	assert.Equal(t, []Change{{Address: 2, Old: 6, New: 9}}, changes)
}

func TestMap_ReadRange_RampAdvancesAfterRead(t *testing.T) {
	m := holding(t, Definition{Address: 1, Value: 8, Max: u16(10), Behavior: behavior.Ramp(2)})

	var got []uint16
	for i := 0; i < 4; i++ {
		v, err := m.ReadRange(1, 1, true)
		require.NoError(t, err)
		got = append(got, v[0])
	}
	assert.Equal(t, []uint16{8, 10, 1, 3}, got)
}

func TestMap_SetBehavior_ResetsState(t *testing.T) {
	m := holding(t, Definition{Address: 1, Behavior: behavior.Conditional(2, 4, behavior.ResetOneShot)})
	_, err := m.ReadRange(1, 1, true)
	require.NoError(t, err)

	require.NoError(t, m.SetBehavior(1, behavior.Conditional(2, 4, behavior.ResetOneShot)))

	_, err = m.ReadRange(1, 1, true)
	assert.NoError(t, err, "state restarted from trigger")
	_, err = m.ReadRange(1, 1, true)
	assert.Error(t, err)

	require.NoError(t, m.SetBehavior(1, behavior.Normal()))
	r, _ := m.Lookup(1)
	assert.Nil(t, r.Definition().Behavior)
}

func TestMap_Clone_IsDeepAndFresh(t *testing.T) {
	m := holding(t, Definition{Address: 1, Value: 3, Max: u16(9), Behavior: behavior.Error(4)})
	_, _ = m.ReadRange(1, 1, true)

	c := m.Clone()
	require.NoError(t, c.Write(1, 7))
	require.NoError(t, c.SetBehavior(1, nil))

	orig, _ := m.Lookup(1)
	clone, _ := c.Lookup(1)
	assert.Equal(t, uint16(3), orig.Value())
	assert.NotNil(t, orig.Definition().Behavior)
	assert.Equal(t, uint64(1), orig.Accesses())
	assert.Equal(t, uint64(1), clone.Accesses(), "only the write above")
}

func TestRegister_Scaled(t *testing.T) {
	m := holding(t, Definition{Address: 1, Value: 250, Scale: 0.1}, Definition{Address: 2, Value: 7})
	r1, _ := m.Lookup(1)
	r2, _ := m.Lookup(2)
	assert.InDelta(t, 25.0, r1.Scaled(), 1e-9)
	assert.Equal(t, 7.0, r2.Scaled())
}

func TestRegister_CounterSaturates(t *testing.T) {
	m := holding(t, Definition{Address: 1})
	r, _ := m.Lookup(1)
	r.accesses = ^uint64(0) - 1

	for i := 0; i < 3; i++ {
		_, err := m.Read(1)
		require.NoError(t, err)
	}
	assert.Equal(t, ^uint64(0), r.Accesses())
}

func TestMap_ConcurrentWriters_LastWriterWinsAndEveryAccessCounted(t *testing.T) {
	// GIVEN one register and M+1 concurrent writers
	const writers = 64
	m := holding(t, Definition{Address: 40001})

	// WHEN all write distinct values at the same time
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(v uint16) {
			defer wg.Done()
			<-start
			_, err := m.WriteRange(40001, []uint16{v}, true)
			assert.NoError(t, err)
		}(uint16(1000 + i))
	}
	close(start)
	wg.Wait()

	// THEN the value is one of the attempts and the counter moved by M+1
	r, _ := m.Lookup(40001)
	assert.GreaterOrEqual(t, r.Value(), uint16(1000))
	assert.Less(t, r.Value(), uint16(1000+writers))
	assert.Equal(t, uint64(writers), r.Accesses())
}
