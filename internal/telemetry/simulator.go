package telemetry

import (
	"hash/fnv"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/rennteam/pitwall/internal/store"
)

// Simulator synthesizes plausible sensor data when no modem is attached.
// Each channel follows a sine wave whose frequency and phase derive from the
// sensor id, so a given catalog always produces the same traces.
type Simulator struct {
	mu      sync.Mutex
	sensors []store.Sensor
	rng     *rand.Rand
}

// NewSimulator creates a simulator over the given sensor catalog.
func NewSimulator(sensors []store.Sensor) *Simulator {
	return &Simulator{
		sensors: sensors,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SetSensors swaps the catalog, picking up sensor CRUD without restart.
func (s *Simulator) SetSensors(sensors []store.Sensor) {
	s.mu.Lock()
	s.sensors = sensors
	s.mu.Unlock()
}

// Frame produces the channel values for the given instant. The base wave is
// deterministic in t; a ±1% jitter is layered on top and the result clamped
// to the sensor's range.
func (s *Simulator) Frame(t time.Time) map[string]float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	secs := float64(t.UnixNano()) / float64(time.Second)
	out := make(map[string]float64, len(s.sensors))
	for _, sensor := range s.sensors {
		freq, phase := waveParams(sensor.SensorID)
		span := sensor.MaxValue - sensor.MinValue
		base := sensor.MinValue + span*(0.5+0.5*math.Sin(2*math.Pi*freq*secs+phase))
		noise := (s.rng.Float64()*2 - 1) * 0.01 * span
		v := base + noise
		if v < sensor.MinValue {
			v = sensor.MinValue
		}
		if v > sensor.MaxValue {
			v = sensor.MaxValue
		}
		out[sensor.SensorID] = v
	}
	return out
}

// waveParams maps a sensor id to a frequency in 0.05..0.55 Hz and a phase in
// 0..2π via FNV-1a, so distinct channels drift out of step.
func waveParams(sensorID string) (freq, phase float64) {
	h := fnv.New32a()
	_, _ = h.Write([]byte(sensorID))
	sum := h.Sum32()
	freq = 0.05 + float64(sum%1000)/1000.0*0.5
	phase = float64((sum/1000)%1000) / 1000.0 * 2 * math.Pi
	return freq, phase
}
