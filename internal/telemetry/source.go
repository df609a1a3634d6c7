package telemetry

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rennteam/pitwall/internal/apperr"
	"github.com/rennteam/pitwall/internal/store"
)

// Source preferences.
const (
	SourceAuto      = "auto"
	SourceSerial    = "serial"
	SourceSimulated = "simulated"
)

const (
	// publishInterval is the steady frame rate toward the hub.
	publishInterval = 100 * time.Millisecond
	// serialFreshness is how recent the last serial frame must be for the
	// link to count as live.
	serialFreshness = 5 * time.Second
	// sensorRefreshInterval is how often the enabled-sensor catalog is
	// re-read, so sensor CRUD shows up without a restart.
	sensorRefreshInterval = time.Second
)

// SerialStatus is the modem part of the source status surface.
type SerialStatus struct {
	State          string  `json:"state"`
	Port           string  `json:"port"`
	BaudRate       int     `json:"baud_rate"`
	Format         string  `json:"format"`
	LastFrameTime  float64 `json:"last_frame_time"`
	FramesReceived uint64  `json:"frames_received"`
	Errors         uint64  `json:"errors"`
}

// SourceStatus reports which source feeds the hub and why.
type SourceStatus struct {
	ActiveSource     string       `json:"active_source"`
	SourcePreference string       `json:"source_preference"`
	Serial           SerialStatus `json:"serial"`
}

// Manager selects between the simulator and the serial reader and pushes
// frames into the hub at a steady rate.
type Manager struct {
	db     *store.DB
	hub    *Hub
	logger *zap.SugaredLogger

	sim    *Simulator
	reader *Reader

	mu      sync.Mutex
	pref    string
	enabled map[string]bool
	latest  map[string]float64 // merged serial channel values
}

// NewManager creates a source manager. Stored configuration is applied when
// Run starts.
func NewManager(db *store.DB, hub *Hub, logger *zap.SugaredLogger) *Manager {
	m := &Manager{
		db:      db,
		hub:     hub,
		logger:  logger,
		sim:     NewSimulator(nil),
		pref:    SourceAuto,
		enabled: map[string]bool{},
		latest:  map[string]float64{},
	}
	m.reader = NewReader(DefaultSerialConfig(), m.onSerialFrame, logger)
	return m
}

func (m *Manager) onSerialFrame(channels map[string]float64) {
	m.mu.Lock()
	for id, v := range channels {
		m.latest[id] = v
	}
	m.mu.Unlock()
}

// Run loads persisted settings, then drives the serial reader and the
// publish loop until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	if blob, err := m.db.GetSetting(ctx, store.SettingSourcePreference); err == nil && blob != "" {
		m.mu.Lock()
		m.pref = blob
		m.mu.Unlock()
	}
	if blob, err := m.db.GetSetting(ctx, store.SettingSerialConfig); err == nil {
		if cfg, err := ParseSerialConfig(blob); err == nil {
			m.reader.Restart(cfg)
		} else {
			m.logger.Warnw("stored serial config unreadable, using defaults", "error", err)
		}
	}
	if err := m.refreshSensors(ctx); err != nil {
		m.logger.Warnw("load sensor catalog", "error", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.reader.Run(ctx) })
	g.Go(func() error { return m.publishLoop(ctx) })
	return g.Wait()
}

func (m *Manager) publishLoop(ctx context.Context) error {
	ticker := time.NewTicker(publishInterval)
	defer ticker.Stop()
	refresh := time.NewTicker(sensorRefreshInterval)
	defer refresh.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-refresh.C:
			if err := m.refreshSensors(ctx); err != nil {
				m.logger.Warnw("refresh sensor catalog", "error", err)
			}
		case now := <-ticker.C:
			m.publishTick(now)
		}
	}
}

func (m *Manager) publishTick(now time.Time) {
	switch m.activeSource(now) {
	case SourceSimulated:
		m.hub.Publish(Frame{
			Timestamp: unixSeconds(now),
			Source:    SourceSimulated,
			Channels:  m.sim.Frame(now),
		})
	case SourceSerial:
		channels := m.serialSnapshot()
		if len(channels) == 0 {
			return
		}
		m.hub.Publish(Frame{
			Timestamp: unixSeconds(now),
			Source:    SourceSerial,
			Channels:  channels,
		})
	}
}

// activeSource resolves the preference to what actually feeds the hub right
// now. An explicit serial preference with a dead link yields nothing rather
// than silently falling back.
func (m *Manager) activeSource(now time.Time) string {
	m.mu.Lock()
	pref := m.pref
	m.mu.Unlock()

	switch pref {
	case SourceSimulated:
		return SourceSimulated
	case SourceSerial:
		if m.serialLive(now) {
			return SourceSerial
		}
		return ""
	default:
		if m.serialLive(now) {
			return SourceSerial
		}
		return SourceSimulated
	}
}

func (m *Manager) serialLive(now time.Time) bool {
	if m.reader.State() != StateConnected {
		return false
	}
	_, _, last := m.reader.Counters()
	return !last.IsZero() && now.Sub(last) <= serialFreshness
}

// serialSnapshot copies the latest serial values, restricted to enabled
// sensors.
func (m *Manager) serialSnapshot() map[string]float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]float64, len(m.latest))
	for id, v := range m.latest {
		if m.enabled[id] {
			out[id] = v
		}
	}
	return out
}

func (m *Manager) refreshSensors(ctx context.Context) error {
	sensors, err := m.db.ListSensors(ctx, true)
	if err != nil {
		return err
	}
	m.sim.SetSensors(sensors)
	enabled := make(map[string]bool, len(sensors))
	for _, s := range sensors {
		enabled[s.SensorID] = true
	}
	m.mu.Lock()
	m.enabled = enabled
	m.mu.Unlock()
	return nil
}

// Preference returns the persisted source preference.
func (m *Manager) Preference() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pref
}

// SetPreference validates, persists, and applies a new source preference.
func (m *Manager) SetPreference(ctx context.Context, pref string) error {
	switch pref {
	case SourceAuto, SourceSerial, SourceSimulated:
	default:
		return apperr.Newf(apperr.Validation, "unknown source preference %q", pref)
	}
	if err := m.db.SetSetting(ctx, store.SettingSourcePreference, pref); err != nil {
		return err
	}
	m.mu.Lock()
	m.pref = pref
	m.mu.Unlock()
	m.logger.Infow("telemetry source preference changed", "preference", pref)
	return nil
}

// SerialConfig returns the reader's active configuration.
func (m *Manager) SerialConfig() SerialConfig {
	return m.reader.Config()
}

// UpdateSerialConfig validates, persists, and applies a new modem
// configuration. The reader reconnects with the new settings.
func (m *Manager) UpdateSerialConfig(ctx context.Context, cfg SerialConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	blob, err := json.Marshal(cfg)
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "encode serial config")
	}
	if err := m.db.SetSetting(ctx, store.SettingSerialConfig, string(blob)); err != nil {
		return err
	}
	m.reader.Restart(cfg)
	m.logger.Infow("serial config updated", "port", cfg.Port, "baud", cfg.BaudRate, "format", cfg.DataFormat)
	return nil
}

// RestartSerial forces the reader to drop and reopen the port with its
// current configuration.
func (m *Manager) RestartSerial() {
	m.reader.Restart(m.reader.Config())
}

// Status reports the active source, the preference, and the modem state.
func (m *Manager) Status() SourceStatus {
	cfg := m.reader.Config()
	frames, errs, last := m.reader.Counters()
	var lastUnix float64
	if !last.IsZero() {
		lastUnix = unixSeconds(last)
	}
	return SourceStatus{
		ActiveSource:     m.activeSource(time.Now()),
		SourcePreference: m.Preference(),
		Serial: SerialStatus{
			State:          m.reader.State(),
			Port:           cfg.Port,
			BaudRate:       cfg.BaudRate,
			Format:         cfg.DataFormat,
			LastFrameTime:  lastUnix,
			FramesReceived: frames,
			Errors:         errs,
		},
	}
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
