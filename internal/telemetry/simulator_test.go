package telemetry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rennteam/pitwall/internal/store"
)

var testSensors = []store.Sensor{
	{SensorID: "speed", Name: "Speed", Unit: "km/h", MinValue: 0, MaxValue: 160},
	{SensorID: "rpm", Name: "RPM", Unit: "rpm", MinValue: 0, MaxValue: 14000},
	{SensorID: "battery_voltage", Name: "Battery", Unit: "V", MinValue: 10, MaxValue: 15},
}

func TestSimulatorFrameWithinRange(t *testing.T) {
	sim := NewSimulator(testSensors)
	now := time.Now()
	for i := 0; i < 200; i++ {
		frame := sim.Frame(now.Add(time.Duration(i) * 100 * time.Millisecond))
		require.Len(t, frame, len(testSensors))
		for _, s := range testSensors {
			v, ok := frame[s.SensorID]
			require.True(t, ok)
			require.GreaterOrEqual(t, v, s.MinValue)
			require.LessOrEqual(t, v, s.MaxValue)
		}
	}
}

func TestSimulatorDeterministicBase(t *testing.T) {
	// Two simulators over the same catalog produce values within the noise
	// envelope of each other: the sine base depends only on sensor id and t.
	a := NewSimulator(testSensors)
	b := NewSimulator(testSensors)
	at := time.Unix(1700000000, 0)
	fa := a.Frame(at)
	fb := b.Frame(at)
	for _, s := range testSensors {
		span := s.MaxValue - s.MinValue
		require.InDelta(t, fa[s.SensorID], fb[s.SensorID], 0.02*span+1e-9)
	}
}

func TestSimulatorChannelsDiverge(t *testing.T) {
	// Distinct ids hash to distinct wave parameters.
	f1, p1 := waveParams("wheel_fl")
	f2, p2 := waveParams("wheel_fr")
	require.False(t, f1 == f2 && p1 == p2)
}

func TestSimulatorSetSensors(t *testing.T) {
	sim := NewSimulator(testSensors)
	sim.SetSensors(testSensors[:1])
	frame := sim.Frame(time.Now())
	require.Len(t, frame, 1)
	require.Contains(t, frame, "speed")
}
