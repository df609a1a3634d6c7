package ldx

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/beevik/etree"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rennteam/pitwall/internal/forms"
	"github.com/rennteam/pitwall/internal/store"
)

const daqForm = `form_name: daq_setup
role: DAQ
fields:
  - name: sampling_rate
    label: Sampling Rate
    type: number
  - name: driver
    label: Driver
    type: text
    inject: DriverName
    validity_window: 3600
`

func strPtr(s string) *string { return &s }

func newFixture(t *testing.T) (*store.DB, *forms.Registry) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "daq.yaml"), []byte(daqForm), 0o644))
	registry, err := forms.NewRegistry(dir)
	require.NoError(t, err)
	return db, registry
}

func submit(t *testing.T, db *store.DB, field, value string, at time.Time) {
	t.Helper()
	err := db.Tx(context.Background(), func(tx *sql.Tx) error {
		_, _, err := db.UpsertFormValue(context.Background(), tx, "daq_setup", "DAQ", field, strPtr(value), nil, at)
		return err
	})
	require.NoError(t, err)
}

func TestCollectEntries(t *testing.T) {
	db, registry := newFixture(t)
	now := time.Now()

	submit(t, db, "sampling_rate", "100", now.Add(-time.Minute))
	submit(t, db, "driver", "J. Hunt", now.Add(-2*time.Hour))

	vals, err := db.ListValues(context.Background(), "DAQ")
	require.NoError(t, err)
	byRole := map[string]map[string]store.FormValue{"DAQ": vals}

	t.Run("first file counts windowless as update", func(t *testing.T) {
		entries := collectEntries(registry.All(), byRole, time.Time{}, now)
		require.Len(t, entries, 2)
		for _, e := range entries {
			switch e.id {
			case "sampling_rate":
				require.True(t, e.wasUpdate)
			case "DriverName":
				require.Equal(t, "J. Hunt", e.value)
				require.False(t, e.wasUpdate, "outside validity window")
			default:
				t.Fatalf("unexpected entry %q", e.id)
			}
		}
	})

	t.Run("untouched windowless field goes static", func(t *testing.T) {
		entries := collectEntries(registry.All(), byRole, now.Add(-30*time.Second), now)
		for _, e := range entries {
			if e.id == "sampling_rate" {
				require.False(t, e.wasUpdate, "not touched since last processed file")
			}
		}
	})
}

func TestInjectCreatesAndUpdates(t *testing.T) {
	doc := etree.NewDocument()
	require.NoError(t, doc.ReadFromString(`<root><laps>12</laps></root>`))

	inject(doc, []entry{{id: "sampling_rate", value: "100"}})
	out, err := doc.WriteToString()
	require.NoError(t, err)
	require.Contains(t, out, `<detail><entry id="sampling_rate">100</entry></detail>`)
	require.Contains(t, out, "<laps>12</laps>", "existing children preserved")

	// Re-injecting the same id updates in place instead of duplicating.
	inject(doc, []entry{{id: "sampling_rate", value: "200"}, {id: "DriverName", value: "J. Hunt"}})
	out, err = doc.WriteToString()
	require.NoError(t, err)
	require.Equal(t, 1, strings.Count(out, `id="sampling_rate"`))
	require.Contains(t, out, `<entry id="sampling_rate">200</entry>`)
	require.Contains(t, out, `<entry id="DriverName">J. Hunt</entry>`)
}

func TestProcessFile(t *testing.T) {
	db, registry := newFixture(t)
	ctx := context.Background()
	now := time.Now()
	submit(t, db, "sampling_rate", "100", now)

	watchDir := t.TempDir()
	require.NoError(t, db.SetSetting(ctx, store.SettingWatchDir, watchDir))
	path := filepath.Join(watchDir, "run1.ldx")
	require.NoError(t, os.WriteFile(path, []byte("<root></root>"), 0o644))

	w := NewWatcher(db, registry, time.Second, zap.NewNop().Sugar())
	require.NoError(t, w.processFile(ctx, watchDir, "run1.ldx"))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(raw), `<entry id="sampling_rate">100</entry>`)

	files, err := db.ListLdxFiles(ctx)
	require.NoError(t, err)
	require.Len(t, files, 1)

	rows, err := db.ListInjections(ctx, "run1.ldx")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.True(t, rows[0].WasUpdate)

	// Processing again is a no-op: the recorded hash is the post-injection
	// content, so the rewritten file matches and is skipped.
	require.NoError(t, w.processFile(ctx, watchDir, "run1.ldx"))
	rows, err = db.ListInjections(ctx, "run1.ldx")
	require.NoError(t, err)
	require.Len(t, rows, 1, "re-observing the same content adds no rows")
}

func TestProcessFileBadXML(t *testing.T) {
	db, registry := newFixture(t)
	ctx := context.Background()

	watchDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(watchDir, "junk.ldx"), []byte("<root"), 0o644))

	w := NewWatcher(db, registry, time.Second, zap.NewNop().Sugar())
	require.Error(t, w.processFile(ctx, watchDir, "junk.ldx"))

	files, err := db.ListLdxFiles(ctx)
	require.NoError(t, err)
	require.Empty(t, files, "failed files must stay unrecorded so they retry")
}
