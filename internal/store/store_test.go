package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/rennteam/pitwall/internal/apperr"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	d, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func strPtr(s string) *string { return &s }

func TestCreateUserInvariants(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	// Admin with roles is rejected.
	if _, err := d.CreateUser(ctx, "boss", "hash", true, []string{"DAQ"}); !apperr.Is(err, apperr.Validation) {
		t.Fatalf("expected validation error for admin with roles, got %v", err)
	}
	// Non-admin without roles is rejected.
	if _, err := d.CreateUser(ctx, "crew", "hash", false, nil); !apperr.Is(err, apperr.Validation) {
		t.Fatalf("expected validation error for roleless member, got %v", err)
	}
	// Three roles are rejected.
	if _, err := d.CreateUser(ctx, "crew", "hash", false, []string{"DAQ", "aero", "ergo"}); !apperr.Is(err, apperr.Validation) {
		t.Fatalf("expected validation error for three roles, got %v", err)
	}

	admin, err := d.CreateUser(ctx, "boss", "hash", true, nil)
	if err != nil {
		t.Fatalf("CreateUser admin: %v", err)
	}
	if !admin.IsAdmin || len(admin.Roles) != 0 {
		t.Fatalf("unexpected admin: %+v", admin)
	}

	member, err := d.CreateUser(ctx, "crew", "hash", false, []string{"DAQ", "aero"})
	if err != nil {
		t.Fatalf("CreateUser member: %v", err)
	}
	if len(member.Roles) != 2 {
		t.Fatalf("expected two roles, got %v", member.Roles)
	}

	// Duplicate username conflicts.
	if _, err := d.CreateUser(ctx, "crew", "hash", false, []string{"DAQ"}); !apperr.Is(err, apperr.Conflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestUserLookupNotFound(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	if _, err := d.GetUserByName(ctx, "ghost"); !apperr.Is(err, apperr.NotFound) {
		t.Fatalf("expected not found for unknown username, got %v", err)
	}
	if _, err := d.GetUserByID(ctx, 9999); !apperr.Is(err, apperr.NotFound) {
		t.Fatalf("expected not found for unknown id, got %v", err)
	}
}

func TestDeleteLastAdminRefused(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	admin, err := d.CreateUser(ctx, "boss", "hash", true, nil)
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if err := d.DeleteUser(ctx, admin.ID); !apperr.Is(err, apperr.Validation) {
		t.Fatalf("expected refusal to delete last admin, got %v", err)
	}

	if _, err := d.CreateUser(ctx, "boss2", "hash", true, nil); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if err := d.DeleteUser(ctx, admin.ID); err != nil {
		t.Fatalf("DeleteUser with second admin present: %v", err)
	}
}

func TestUpsertFormValueAudit(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()
	now := time.Now()

	write := func(value string) (old *string, changed bool) {
		t.Helper()
		err := d.Tx(ctx, func(tx *sql.Tx) error {
			var err error
			old, changed, err = d.UpsertFormValue(ctx, tx, "daq_form", "DAQ", "sampling_rate", strPtr(value), nil, now)
			return err
		})
		if err != nil {
			t.Fatalf("UpsertFormValue(%q): %v", value, err)
		}
		return old, changed
	}

	old, changed := write("100")
	if old != nil || !changed {
		t.Fatalf("first write: old=%v changed=%v", old, changed)
	}

	// Identical value: no change, no audit row.
	_, changed = write("100")
	if changed {
		t.Fatal("identical value reported as change")
	}
	if _, total, _ := d.ListAudit(ctx, 0, 10); total != 1 {
		t.Fatalf("expected 1 audit row, got %d", total)
	}

	// Comparison is string equality, so "100.0" is a new value.
	old, changed = write("100.0")
	if !changed || old == nil || *old != "100" {
		t.Fatalf("numeric-looking rewrite: old=%v changed=%v", old, changed)
	}

	items, total, err := d.ListAudit(ctx, 0, 10)
	if err != nil {
		t.Fatalf("ListAudit: %v", err)
	}
	if total != 2 || len(items) != 2 {
		t.Fatalf("expected 2 audit rows, got total=%d len=%d", total, len(items))
	}
	// Newest first.
	if *items[0].NewValue != "100.0" || items[0].OldValue == nil || *items[0].OldValue != "100" {
		t.Fatalf("unexpected newest audit row: %+v", items[0])
	}
	if items[1].OldValue != nil {
		t.Fatalf("first change should have null old value: %+v", items[1])
	}

	vals, err := d.ListValues(ctx, "DAQ")
	if err != nil {
		t.Fatalf("ListValues: %v", err)
	}
	v := vals["sampling_rate"]
	if v.Value == nil || *v.Value != "100.0" {
		t.Fatalf("unexpected stored value: %+v", v)
	}
	if v.PreviousValue == nil || *v.PreviousValue != "100" {
		t.Fatalf("previous_value should hold pre-change value: %+v", v)
	}
}

func TestLdxFileIdempotency(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()
	now := time.Now()

	record := func(hash string) bool {
		t.Helper()
		var inserted bool
		err := d.Tx(ctx, func(tx *sql.Tx) error {
			var err error
			inserted, err = d.RecordLdxFile(ctx, tx, "run1.ldx", 42, now, hash)
			if err != nil {
				return err
			}
			if inserted {
				return d.AppendInjections(ctx, tx, "run1.ldx", []InjectionRow{
					{FieldID: "sampling_rate", Value: "100", WasUpdate: true, InjectedAt: now},
				})
			}
			return nil
		})
		if err != nil {
			t.Fatalf("record(%q): %v", hash, err)
		}
		return inserted
	}

	if !record("aaa") {
		t.Fatal("first observation should insert")
	}
	processed, err := d.IsLdxProcessed(ctx, "run1.ldx", "aaa")
	if err != nil || !processed {
		t.Fatalf("IsLdxProcessed(same hash) = %v, %v", processed, err)
	}
	if record("aaa") {
		t.Fatal("same (name, hash) must not insert again")
	}

	// A rewritten file is reprocessed: same name, new hash, still one row.
	processed, err = d.IsLdxProcessed(ctx, "run1.ldx", "bbb")
	if err != nil || processed {
		t.Fatalf("IsLdxProcessed(new hash) = %v, %v", processed, err)
	}
	if !record("bbb") {
		t.Fatal("new hash should count as processed anew")
	}
	files, err := d.ListLdxFiles(ctx)
	if err != nil {
		t.Fatalf("ListLdxFiles: %v", err)
	}
	if len(files) != 1 {
		t.Fatalf("expected exactly one row per file name, got %d", len(files))
	}
	if files[0].ContentHash != "bbb" {
		t.Fatalf("row should carry the latest hash: %+v", files[0])
	}

	rows, err := d.ListInjections(ctx, "run1.ldx")
	if err != nil {
		t.Fatalf("ListInjections: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 injection rows (one per processing), got %d", len(rows))
	}

	stats, err := d.LdxStats(ctx)
	if err != nil {
		t.Fatalf("LdxStats: %v", err)
	}
	if len(stats) != 1 || stats[0].Total != 2 || stats[0].Updates != 2 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestClearRuntimeDataPreservesConfig(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()
	now := time.Now()

	if _, err := d.CreateUser(ctx, "boss", "hash", true, nil); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if err := d.SeedSensors(ctx); err != nil {
		t.Fatalf("SeedSensors: %v", err)
	}
	if err := d.SetSetting(ctx, SettingWatchDir, "/tmp/watch"); err != nil {
		t.Fatalf("SetSetting: %v", err)
	}
	err := d.Tx(ctx, func(tx *sql.Tx) error {
		if _, _, err := d.UpsertFormValue(ctx, tx, "daq_form", "DAQ", "f", strPtr("v"), nil, now); err != nil {
			return err
		}
		if _, err := d.RecordLdxFile(ctx, tx, "x.ldx", 1, now, "h"); err != nil {
			return err
		}
		return d.AppendInjections(ctx, tx, "x.ldx", []InjectionRow{{FieldID: "f", Value: "v", InjectedAt: now}})
	})
	if err != nil {
		t.Fatalf("seed runtime data: %v", err)
	}

	if err := d.ClearRuntimeData(ctx); err != nil {
		t.Fatalf("ClearRuntimeData: %v", err)
	}

	if n, _ := d.CountUsers(ctx); n != 1 {
		t.Fatalf("users should survive clear, got %d", n)
	}
	sensors, _ := d.ListSensors(ctx, false)
	if len(sensors) == 0 {
		t.Fatal("sensors should survive clear")
	}
	if dir, _ := d.GetSetting(ctx, SettingWatchDir); dir != "/tmp/watch" {
		t.Fatalf("settings should survive clear, got %q", dir)
	}
	if vals, _ := d.ListValues(ctx, "DAQ"); len(vals) != 0 {
		t.Fatalf("form values should be wiped, got %v", vals)
	}
	if _, total, _ := d.ListAudit(ctx, 0, 10); total != 0 {
		t.Fatalf("audit should be wiped, got %d", total)
	}
	if files, _ := d.ListLdxFiles(ctx); len(files) != 0 {
		t.Fatalf("ldx rows should be wiped, got %v", files)
	}
}

func TestSensorCRUD(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	if err := d.SeedSensors(ctx); err != nil {
		t.Fatalf("SeedSensors: %v", err)
	}
	// Seeding twice must not duplicate.
	if err := d.SeedSensors(ctx); err != nil {
		t.Fatalf("SeedSensors again: %v", err)
	}
	all, err := d.ListSensors(ctx, false)
	if err != nil {
		t.Fatalf("ListSensors: %v", err)
	}
	if len(all) != 15 {
		t.Fatalf("expected the 15 default sensors, got %d", len(all))
	}

	created, err := d.CreateSensor(ctx, &Sensor{
		SensorID: "fuel_pressure", Name: "Fuel Pressure", Unit: "bar",
		MinValue: 0, MaxValue: 8, Group: "Powertrain", Enabled: true,
	})
	if err != nil {
		t.Fatalf("CreateSensor: %v", err)
	}
	if created.ID == 0 {
		t.Fatal("expected assigned id")
	}
	if _, err := d.CreateSensor(ctx, &Sensor{SensorID: "fuel_pressure", Name: "x", Unit: "y", MaxValue: 1}); !apperr.Is(err, apperr.Conflict) {
		t.Fatalf("expected conflict on duplicate sensor_id, got %v", err)
	}

	created.Enabled = false
	if err := d.UpdateSensor(ctx, created); err != nil {
		t.Fatalf("UpdateSensor: %v", err)
	}
	enabled, _ := d.ListSensors(ctx, true)
	for _, s := range enabled {
		if s.SensorID == "fuel_pressure" {
			t.Fatal("disabled sensor still listed as enabled")
		}
	}

	if err := d.DeleteSensor(ctx, "fuel_pressure"); err != nil {
		t.Fatalf("DeleteSensor: %v", err)
	}
	if err := d.DeleteSensor(ctx, "fuel_pressure"); !apperr.Is(err, apperr.NotFound) {
		t.Fatalf("expected not found on second delete, got %v", err)
	}
}

func TestUserPrefs(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	u, err := d.CreateUser(ctx, "boss", "hash", true, nil)
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	got, err := d.GetUserPref(ctx, u.ID, "dashboard_config")
	if err != nil || got != nil {
		t.Fatalf("unset pref: %v, %v", got, err)
	}
	if err := d.SetUserPref(ctx, u.ID, "dashboard_config", `{"layout":"wide"}`); err != nil {
		t.Fatalf("SetUserPref: %v", err)
	}
	if err := d.SetUserPref(ctx, u.ID, "dashboard_config", `{"layout":"narrow"}`); err != nil {
		t.Fatalf("SetUserPref overwrite: %v", err)
	}
	got, err = d.GetUserPref(ctx, u.ID, "dashboard_config")
	if err != nil || got == nil || *got != `{"layout":"narrow"}` {
		t.Fatalf("GetUserPref: %v, %v", got, err)
	}
}
