package bridge

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lucafoss/smarther-mqtt-bridge/internal/smarther"
)

// TopologyRepository caches the cloud topology so the bridge can come up
// (subscribe to command topics, register webhooks) while the cloud is
// unreachable.
type TopologyRepository interface {
	// Save replaces the cached topology.
	Save(ctx context.Context, plants []smarther.PlantDetail) error

	// Load returns the cached topology. An empty cache yields an empty
	// slice, not an error.
	Load(ctx context.Context) ([]smarther.PlantDetail, error)
}

// SQLiteTopologyRepository implements TopologyRepository on the plants
// and modules tables.
type SQLiteTopologyRepository struct {
	db *sql.DB
}

// NewSQLiteTopologyRepository creates a SQLite-backed topology cache.
func NewSQLiteTopologyRepository(db *sql.DB) *SQLiteTopologyRepository {
	return &SQLiteTopologyRepository{db: db}
}

// Save replaces the cached topology in one transaction.
func (r *SQLiteTopologyRepository) Save(ctx context.Context, plants []smarther.PlantDetail) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning topology save: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // No-op after commit

	// Full replace: the cloud list is authoritative.
	if _, err := tx.ExecContext(ctx, `DELETE FROM modules`); err != nil {
		return fmt.Errorf("clearing modules: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM plants`); err != nil {
		return fmt.Errorf("clearing plants: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	for _, plant := range plants {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO plants (id, name, updated_at) VALUES (?, ?, ?)`,
			plant.ID, plant.Name, now,
		); err != nil {
			return fmt.Errorf("inserting plant %s: %w", plant.ID, err)
		}

		for _, module := range plant.Modules {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO modules (id, plant_id, name, device, updated_at)
				 VALUES (?, ?, ?, ?, ?)`,
				module.ID, plant.ID, module.Name, module.Device, now,
			); err != nil {
				return fmt.Errorf("inserting module %s: %w", module.ID, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing topology save: %w", err)
	}
	return nil
}

// Load returns the cached topology.
func (r *SQLiteTopologyRepository) Load(ctx context.Context) ([]smarther.PlantDetail, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, name FROM plants ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("loading plants: %w", err)
	}
	defer rows.Close() //nolint:errcheck // Read-only rows

	var plants []smarther.PlantDetail
	for rows.Next() {
		var p smarther.PlantDetail
		if err := rows.Scan(&p.ID, &p.Name); err != nil {
			return nil, fmt.Errorf("scanning plant: %w", err)
		}
		plants = append(plants, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating plants: %w", err)
	}

	for i := range plants {
		modules, err := r.loadModules(ctx, plants[i].ID)
		if err != nil {
			return nil, err
		}
		plants[i].Modules = modules
	}
	return plants, nil
}

func (r *SQLiteTopologyRepository) loadModules(ctx context.Context, plantID string) ([]smarther.ModuleRef, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, name, device FROM modules WHERE plant_id = ? ORDER BY id`, plantID)
	if err != nil {
		return nil, fmt.Errorf("loading modules for plant %s: %w", plantID, err)
	}
	defer rows.Close() //nolint:errcheck // Read-only rows

	var modules []smarther.ModuleRef
	for rows.Next() {
		var m smarther.ModuleRef
		if err := rows.Scan(&m.ID, &m.Name, &m.Device); err != nil {
			return nil, fmt.Errorf("scanning module: %w", err)
		}
		modules = append(modules, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating modules: %w", err)
	}
	return modules, nil
}

// DevicesFromTopology flattens a plant list into the reconciler's device
// list.
func DevicesFromTopology(plants []smarther.PlantDetail) []Device {
	var devices []Device
	for _, plant := range plants {
		for _, module := range plant.Modules {
			devices = append(devices, Device{
				ModuleID: module.ID,
				PlantID:  plant.ID,
				Name:     module.Name,
			})
		}
	}
	return devices
}
