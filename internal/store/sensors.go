package store

import (
	"context"
	"database/sql"

	"github.com/rennteam/pitwall/internal/apperr"
)

// Sensor describes one telemetry channel.
type Sensor struct {
	ID        int64   `json:"id"`
	SensorID  string  `json:"sensor_id"`
	Name      string  `json:"name"`
	Unit      string  `json:"unit"`
	MinValue  float64 `json:"min_value"`
	MaxValue  float64 `json:"max_value"`
	Group     string  `json:"group"`
	SortOrder int     `json:"sort_order"`
	Enabled   bool    `json:"enabled"`
}

// defaultSensors seeds the channel catalog on first boot. Ranges mirror the
// car's Motec channel set.
var defaultSensors = []Sensor{
	{SensorID: "speed", Name: "Vehicle Speed", Unit: "km/h", MinValue: 0, MaxValue: 160, Group: "Performance", SortOrder: 0, Enabled: true},
	{SensorID: "rpm", Name: "Engine RPM", Unit: "rpm", MinValue: 0, MaxValue: 14000, Group: "Performance", SortOrder: 1, Enabled: true},
	{SensorID: "throttle", Name: "Throttle Position", Unit: "%", MinValue: 0, MaxValue: 100, Group: "Performance", SortOrder: 2, Enabled: true},
	{SensorID: "brake_pressure", Name: "Brake Pressure", Unit: "bar", MinValue: 0, MaxValue: 120, Group: "Performance", SortOrder: 3, Enabled: true},
	{SensorID: "coolant_temp", Name: "Coolant Temp", Unit: "C", MinValue: 60, MaxValue: 120, Group: "Temperatures", SortOrder: 4, Enabled: true},
	{SensorID: "oil_temp", Name: "Oil Temp", Unit: "C", MinValue: 60, MaxValue: 140, Group: "Temperatures", SortOrder: 5, Enabled: true},
	{SensorID: "intake_temp", Name: "Intake Air Temp", Unit: "C", MinValue: 20, MaxValue: 60, Group: "Temperatures", SortOrder: 6, Enabled: true},
	{SensorID: "exhaust_temp", Name: "Exhaust Temp", Unit: "C", MinValue: 200, MaxValue: 900, Group: "Temperatures", SortOrder: 7, Enabled: true},
	{SensorID: "g_lateral", Name: "Lateral G-Force", Unit: "g", MinValue: -2.5, MaxValue: 2.5, Group: "G-Forces", SortOrder: 8, Enabled: true},
	{SensorID: "g_longitudinal", Name: "Longitudinal G-Force", Unit: "g", MinValue: -3, MaxValue: 3, Group: "G-Forces", SortOrder: 9, Enabled: true},
	{SensorID: "wheel_fl", Name: "Wheel Speed FL", Unit: "km/h", MinValue: 0, MaxValue: 160, Group: "Wheel Speeds", SortOrder: 10, Enabled: true},
	{SensorID: "wheel_fr", Name: "Wheel Speed FR", Unit: "km/h", MinValue: 0, MaxValue: 160, Group: "Wheel Speeds", SortOrder: 11, Enabled: true},
	{SensorID: "wheel_rl", Name: "Wheel Speed RL", Unit: "km/h", MinValue: 0, MaxValue: 160, Group: "Wheel Speeds", SortOrder: 12, Enabled: true},
	{SensorID: "wheel_rr", Name: "Wheel Speed RR", Unit: "km/h", MinValue: 0, MaxValue: 160, Group: "Wheel Speeds", SortOrder: 13, Enabled: true},
	{SensorID: "battery_voltage", Name: "Battery Voltage", Unit: "V", MinValue: 10, MaxValue: 15, Group: "Electrical", SortOrder: 14, Enabled: true},
}

// SeedSensors populates the sensor table with the default channel set when
// it is empty.
func (d *DB) SeedSensors(ctx context.Context) error {
	var n int
	if err := d.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM sensors`).Scan(&n); err != nil {
		return storeErr(err, "count sensors")
	}
	if n > 0 {
		return nil
	}
	return d.Tx(ctx, func(tx *sql.Tx) error {
		for _, s := range defaultSensors {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO sensors (sensor_id, name, unit, min_value, max_value, sensor_group, sort_order, enabled) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				s.SensorID, s.Name, s.Unit, s.MinValue, s.MaxValue, s.Group, s.SortOrder, boolToInt(s.Enabled),
			); err != nil {
				return storeErr(err, "seed sensor")
			}
		}
		return nil
	})
}

// ListSensors returns sensors ordered by sort_order, optionally only the
// enabled ones.
func (d *DB) ListSensors(ctx context.Context, enabledOnly bool) ([]Sensor, error) {
	query := `SELECT id, sensor_id, name, unit, min_value, max_value, sensor_group, sort_order, enabled FROM sensors`
	if enabledOnly {
		query += ` WHERE enabled = 1`
	}
	query += ` ORDER BY sort_order, sensor_id`

	rows, err := d.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, storeErr(err, "list sensors")
	}
	defer rows.Close() //nolint:errcheck

	out := []Sensor{}
	for rows.Next() {
		var (
			s       Sensor
			enabled int
		)
		if err := rows.Scan(&s.ID, &s.SensorID, &s.Name, &s.Unit, &s.MinValue, &s.MaxValue, &s.Group, &s.SortOrder, &enabled); err != nil {
			return nil, storeErr(err, "scan sensor")
		}
		s.Enabled = enabled != 0
		out = append(out, s)
	}
	return out, rows.Err()
}

// GetSensor returns the sensor with the given sensor_id, or nil.
func (d *DB) GetSensor(ctx context.Context, sensorID string) (*Sensor, error) {
	var (
		s       Sensor
		enabled int
	)
	err := d.conn.QueryRowContext(ctx,
		`SELECT id, sensor_id, name, unit, min_value, max_value, sensor_group, sort_order, enabled FROM sensors WHERE sensor_id = ?`,
		sensorID,
	).Scan(&s.ID, &s.SensorID, &s.Name, &s.Unit, &s.MinValue, &s.MaxValue, &s.Group, &s.SortOrder, &enabled)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr(err, "get sensor")
	}
	s.Enabled = enabled != 0
	return &s, nil
}

// CreateSensor inserts a new sensor. A duplicate sensor_id is a Conflict.
func (d *DB) CreateSensor(ctx context.Context, s *Sensor) (*Sensor, error) {
	res, err := d.conn.ExecContext(ctx,
		`INSERT INTO sensors (sensor_id, name, unit, min_value, max_value, sensor_group, sort_order, enabled) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		s.SensorID, s.Name, s.Unit, s.MinValue, s.MaxValue, s.Group, s.SortOrder, boolToInt(s.Enabled))
	if err != nil {
		return nil, storeErr(err, "insert sensor")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, storeErr(err, "insert sensor")
	}
	out := *s
	out.ID = id
	return &out, nil
}

// UpdateSensor replaces a sensor's mutable fields.
func (d *DB) UpdateSensor(ctx context.Context, s *Sensor) error {
	res, err := d.conn.ExecContext(ctx,
		`UPDATE sensors SET name = ?, unit = ?, min_value = ?, max_value = ?, sensor_group = ?, sort_order = ?, enabled = ? WHERE sensor_id = ?`,
		s.Name, s.Unit, s.MinValue, s.MaxValue, s.Group, s.SortOrder, boolToInt(s.Enabled), s.SensorID)
	if err != nil {
		return storeErr(err, "update sensor")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.Newf(apperr.NotFound, "sensor %q not found", s.SensorID)
	}
	return nil
}

// DeleteSensor removes a sensor by sensor_id.
func (d *DB) DeleteSensor(ctx context.Context, sensorID string) error {
	res, err := d.conn.ExecContext(ctx, `DELETE FROM sensors WHERE sensor_id = ?`, sensorID)
	if err != nil {
		return storeErr(err, "delete sensor")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.Newf(apperr.NotFound, "sensor %q not found", sensorID)
	}
	return nil
}
