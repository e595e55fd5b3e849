// Package material records the stock currently loaded on each machine.
package material

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/abutsfit/cncbridge/internal/persistence/sqlite"
)

const schemaVersion = 1

const schema = `
CREATE TABLE IF NOT EXISTS machine_materials (
	machine_key      TEXT PRIMARY KEY,
	machine_id       TEXT NOT NULL,
	material_type    TEXT NOT NULL DEFAULT '',
	heat_no          TEXT NOT NULL DEFAULT '',
	diameter         REAL NOT NULL DEFAULT 0,
	diameter_group   TEXT NOT NULL DEFAULT '',
	remaining_length REAL NOT NULL DEFAULT 0,
	set_at           TEXT NOT NULL
);
`

var (
	ErrNotFound  = errors.New("material: no record for machine")
	ErrMachineID = errors.New("material: machine id is required")
)

// Item is the material loaded on one machine.
type Item struct {
	MachineID       string    `json:"machineId"`
	MaterialType    string    `json:"materialType"`
	HeatNo          string    `json:"heatNo"`
	Diameter        float64   `json:"diameter"`
	DiameterGroup   string    `json:"diameterGroup"`
	RemainingLength float64   `json:"remainingLength"`
	SetAt           time.Time `json:"setAtUtc"`
}

// Store persists one Item per machine. The last Upsert wins.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens or creates the material database at path.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sqlite.Open(path, sqlite.DefaultConfig())
	if err != nil {
		return nil, err
	}
	if err := sqlite.Migrate(ctx, db, schemaVersion, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("material store: migration failed: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

func machineKey(id string) string { return strings.ToLower(strings.TrimSpace(id)) }

// Upsert replaces the record for it.MachineID. A zero SetAt is stamped with
// the current time.
func (s *Store) Upsert(ctx context.Context, it Item) (Item, error) {
	it.MachineID = strings.TrimSpace(it.MachineID)
	if it.MachineID == "" {
		return Item{}, ErrMachineID
	}
	if it.SetAt.IsZero() {
		it.SetAt = s.now()
	}
	it.SetAt = it.SetAt.UTC()

	_, err := s.db.ExecContext(ctx, `
	INSERT INTO machine_materials (machine_key, machine_id, material_type, heat_no, diameter, diameter_group, remaining_length, set_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(machine_key) DO UPDATE SET
		machine_id = excluded.machine_id,
		material_type = excluded.material_type,
		heat_no = excluded.heat_no,
		diameter = excluded.diameter,
		diameter_group = excluded.diameter_group,
		remaining_length = excluded.remaining_length,
		set_at = excluded.set_at`,
		machineKey(it.MachineID), it.MachineID, it.MaterialType, it.HeatNo, it.Diameter,
		it.DiameterGroup, it.RemainingLength, it.SetAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return Item{}, fmt.Errorf("material: upsert %s: %w", it.MachineID, err)
	}
	return it, nil
}

const selectCols = `SELECT machine_id, material_type, heat_no, diameter, diameter_group, remaining_length, set_at FROM machine_materials`

type scanner interface{ Scan(dest ...any) error }

func scanItem(row scanner) (Item, error) {
	var it Item
	var setAt string
	if err := row.Scan(&it.MachineID, &it.MaterialType, &it.HeatNo, &it.Diameter, &it.DiameterGroup, &it.RemainingLength, &setAt); err != nil {
		return Item{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, setAt)
	if err != nil {
		return Item{}, fmt.Errorf("material: bad set_at %q: %w", setAt, err)
	}
	it.SetAt = t
	return it, nil
}

// Get returns the record for machineID.
func (s *Store) Get(ctx context.Context, machineID string) (Item, error) {
	it, err := scanItem(s.db.QueryRowContext(ctx, selectCols+` WHERE machine_key = ?`, machineKey(machineID)))
	if errors.Is(err, sql.ErrNoRows) {
		return Item{}, ErrNotFound
	}
	return it, err
}

// List returns every record ordered by machine id.
func (s *Store) List(ctx context.Context) ([]Item, error) {
	rows, err := s.db.QueryContext(ctx, selectCols+` ORDER BY machine_key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := []Item{}
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// Delete removes the record for machineID. Missing records are not an error.
func (s *Store) Delete(ctx context.Context, machineID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM machine_materials WHERE machine_key = ?`, machineKey(machineID))
	return err
}

// Ping checks the database is usable.
func (s *Store) Ping(ctx context.Context) error {
	issues, err := sqlite.QuickCheck(ctx, s.db)
	if err != nil {
		return err
	}
	if len(issues) > 0 {
		return fmt.Errorf("material: integrity check: %s", strings.Join(issues, "; "))
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
