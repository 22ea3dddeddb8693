package devices

import (
	"testing"
	"time"

	"github.com/KevinKickass/OpenModbusSim/internal/behavior"
	"github.com/KevinKickass/OpenModbusSim/internal/registers"
	"github.com/KevinKickass/OpenModbusSim/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleDefinition() Definition {
	return Definition{
		SlaveID: 1,
		Registers: Registers{
			Coils: []registers.Definition{{Address: 1, Value: 1}},
			HoldingRegisters: []registers.Definition{
				{Address: 40002, Value: 456},
				{Address: 40001, Value: 123, Behavior: behavior.Error(types.ExceptionServerDeviceBusy)},
			},
		},
	}
}

func TestNew_RejectsInvalidSlaveID(t *testing.T) {
	for _, id := range []uint8{0, 248, 255} {
		_, err := New(Definition{SlaveID: id})
		assert.ErrorIs(t, err, ErrInvalidSlaveID, "id %d", id)
	}
}

func TestNew_RejectsBadRegister(t *testing.T) {
	def := sampleDefinition()
	def.Registers.HoldingRegisters = append(def.Registers.HoldingRegisters, registers.Definition{Address: 40001})

	_, err := New(def)

	assert.ErrorIs(t, err, registers.ErrDuplicateAddress)
}

func TestDevice_DisplayName(t *testing.T) {
	d, err := New(Definition{SlaveID: 7})
	require.NoError(t, err)
	assert.Equal(t, "Device 7", d.DisplayName())

	d.Rename("Boiler", "basement")
	assert.Equal(t, "Boiler", d.DisplayName())
	assert.Equal(t, "basement", d.Description())
}

func TestDevice_EnabledDefaultsTrue(t *testing.T) {
	d, err := New(Definition{SlaveID: 2})
	require.NoError(t, err)
	assert.True(t, d.Enabled())

	off := false
	d, err = New(Definition{SlaveID: 3, Enabled: &off})
	require.NoError(t, err)
	assert.False(t, d.Enabled())
}

func TestDevice_Touch(t *testing.T) {
	d, err := New(Definition{SlaveID: 2})
	require.NoError(t, err)
	assert.True(t, d.LastActivity().IsZero())

	before := time.Now()
	d.Touch()
	assert.False(t, d.LastActivity().Before(before.Add(-time.Millisecond)))
}

func TestDevice_Serves(t *testing.T) {
	d, err := New(Definition{SlaveID: 2})
	require.NoError(t, err)
	assert.True(t, d.Serves("tcp"))

	d.SetBindings([]string{"rtu"})
	assert.False(t, d.Serves("tcp"))
	assert.True(t, d.Serves("rtu"))
}

func TestDevice_Definition_SortedSnapshot(t *testing.T) {
	d, err := New(sampleDefinition())
	require.NoError(t, err)
	require.NoError(t, d.RegisterMap(types.RegisterTypeHoldingRegister).Write(40002, 9))
	d.SetEnabled(false)

	def := d.Definition()

	require.Len(t, def.Registers.HoldingRegisters, 2)
	assert.Equal(t, uint16(40001), def.Registers.HoldingRegisters[0].Address)
	assert.Equal(t, uint16(9), def.Registers.HoldingRegisters[1].Value)
	assert.Nil(t, def.Registers.InputRegisters)
	require.NotNil(t, def.Enabled)
	assert.False(t, *def.Enabled)
}

func TestDevice_Clone(t *testing.T) {
	// GIVEN a device with activity, counters and stats
	d, err := New(sampleDefinition())
	require.NoError(t, err)
	hr := d.RegisterMap(types.RegisterTypeHoldingRegister)
	_, _ = hr.ReadRange(40001, 2, true)
	d.Touch()
	d.Stats().RecordRead(types.RegisterTypeHoldingRegister)

	// WHEN it is cloned
	c, err := d.Clone(9)
	require.NoError(t, err)

	// THEN definitions are copied and runtime metadata is fresh
	assert.Equal(t, uint8(9), c.ID())
	assert.True(t, c.LastActivity().IsZero())
	assert.Zero(t, c.Stats().Snapshot()[types.RegisterTypeHoldingRegister].Reads)
	r, ok := c.RegisterMap(types.RegisterTypeHoldingRegister).Lookup(40001)
	require.True(t, ok)
	assert.Zero(t, r.Accesses())
	assert.Equal(t, behavior.Error(types.ExceptionServerDeviceBusy), r.Definition().Behavior)

	// AND changes to the clone stay local
	require.NoError(t, c.RegisterMap(types.RegisterTypeHoldingRegister).Write(40002, 1))
	v, _ := hr.Read(40002)
	assert.Equal(t, uint16(456), v)

	_, err = d.Clone(0)
	assert.ErrorIs(t, err, ErrInvalidSlaveID)
}

func TestStats_SnapshotAndReset(t *testing.T) {
	s := newStats()
	s.RecordRead(types.RegisterTypeCoil)
	s.RecordWrite(types.RegisterTypeCoil)
	s.RecordException(types.RegisterTypeCoil)

	assert.Equal(t, Counts{Reads: 1, Writes: 1, Exceptions: 1}, s.Snapshot()[types.RegisterTypeCoil])
	s.Reset()
	assert.Equal(t, Counts{}, s.Snapshot()[types.RegisterTypeCoil])
}

func TestDefinition_CloneIsDeep(t *testing.T) {
	def := sampleDefinition()
	c := def.Clone()
	c.Registers.HoldingRegisters[0].Value = 1
	c.Registers.HoldingRegisters[1].Behavior.Code = 1

	assert.Equal(t, uint16(456), def.Registers.HoldingRegisters[0].Value)
	assert.Equal(t, types.ExceptionServerDeviceBusy, def.Registers.HoldingRegisters[1].Behavior.Code)
}
