package telemetry

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rennteam/pitwall/internal/apperr"
	"github.com/rennteam/pitwall/internal/store"
)

func newTestManager(t *testing.T) (*Manager, *store.DB) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.SeedSensors(context.Background()))
	return NewManager(db, NewHub(), zap.NewNop().Sugar()), db
}

func TestActiveSourceSelection(t *testing.T) {
	m, _ := newTestManager(t)
	now := time.Now()

	// Auto with a dead link falls back to the simulator.
	require.Equal(t, SourceSimulated, m.activeSource(now))

	m.pref = SourceSimulated
	require.Equal(t, SourceSimulated, m.activeSource(now))

	// Explicit serial with a dead link yields nothing.
	m.pref = SourceSerial
	require.Equal(t, "", m.activeSource(now))

	// A connected link with a fresh frame wins under auto.
	m.pref = SourceAuto
	m.reader.state.Store(StateConnected)
	m.reader.lastFrameNano.Store(now.UnixNano())
	require.Equal(t, SourceSerial, m.activeSource(now))

	// A stale frame sends auto back to the simulator.
	m.reader.lastFrameNano.Store(now.Add(-6 * time.Second).UnixNano())
	require.Equal(t, SourceSimulated, m.activeSource(now))
}

func TestSetPreferencePersists(t *testing.T) {
	m, db := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.SetPreference(ctx, SourceSerial))
	require.Equal(t, SourceSerial, m.Preference())
	stored, err := db.GetSetting(ctx, store.SettingSourcePreference)
	require.NoError(t, err)
	require.Equal(t, SourceSerial, stored)

	err = m.SetPreference(ctx, "carrier-pigeon")
	require.True(t, apperr.Is(err, apperr.Validation))
}

func TestSerialSnapshotFiltersDisabled(t *testing.T) {
	m, _ := newTestManager(t)
	require.NoError(t, m.refreshSensors(context.Background()))

	m.onSerialFrame(map[string]float64{"speed": 120, "not_a_sensor": 1})
	snap := m.serialSnapshot()
	require.Equal(t, map[string]float64{"speed": 120}, snap)
}

func TestUpdateSerialConfigPersistsAndRestarts(t *testing.T) {
	m, db := newTestManager(t)
	ctx := context.Background()

	cfg := DefaultSerialConfig()
	cfg.Port = "/dev/ttyUSB0"
	cfg.BaudRate = 115200
	require.NoError(t, m.UpdateSerialConfig(ctx, cfg))

	blob, err := db.GetSetting(ctx, store.SettingSerialConfig)
	require.NoError(t, err)
	parsed, err := ParseSerialConfig(blob)
	require.NoError(t, err)
	require.Equal(t, cfg, parsed)

	// The restart request carries the new config to the reader.
	select {
	case got := <-m.reader.ctrl:
		require.Equal(t, cfg, got)
	default:
		t.Fatal("expected a pending restart")
	}

	bad := cfg
	bad.BaudRate = 1337
	require.Error(t, m.UpdateSerialConfig(ctx, bad))
}

func TestStatusSurface(t *testing.T) {
	m, _ := newTestManager(t)
	st := m.Status()
	require.Equal(t, SourceSimulated, st.ActiveSource)
	require.Equal(t, SourceAuto, st.SourcePreference)
	require.Equal(t, StateDisconnected, st.Serial.State)
	require.Equal(t, 9600, st.Serial.BaudRate)
	require.Zero(t, st.Serial.FramesReceived)
	require.Zero(t, st.Serial.LastFrameTime)
}
