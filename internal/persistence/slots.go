package persistence

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
)

// Binding is the persisted state of one (slot, backend) pair.
type Binding struct {
	Slot           int       `db:"slot" json:"slot"`
	Backend        string    `db:"backend" json:"backend"`
	ProjectID      string    `db:"project_id" json:"projectId"`
	ProjectRoot    string    `db:"project_root" json:"projectRoot"`
	SessionID      string    `db:"session_id" json:"sessionId"`
	PermissionMode string    `db:"permission_mode" json:"permissionMode"`
	UpdatedAt      time.Time `db:"updated_at" json:"updatedAt"`
}

// SlotStore reads and writes slot bindings.
type SlotStore struct {
	db *sqlx.DB
}

// NewSlotStore wraps a database handle.
func NewSlotStore(db *sqlx.DB) *SlotStore {
	return &SlotStore{db: db}
}

// Save upserts a binding.
func (s *SlotStore) Save(ctx context.Context, b Binding) error {
	b.UpdatedAt = time.Now().UTC()
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO slot_bindings
			(slot, backend, project_id, project_root, session_id, permission_mode, updated_at)
		VALUES
			(:slot, :backend, :project_id, :project_root, :session_id, :permission_mode, :updated_at)
		ON CONFLICT (slot, backend) DO UPDATE SET
			project_id = excluded.project_id,
			project_root = excluded.project_root,
			session_id = excluded.session_id,
			permission_mode = excluded.permission_mode,
			updated_at = excluded.updated_at`, b)
	return err
}

// Get returns the binding for a pair, or nil when none is stored.
func (s *SlotStore) Get(ctx context.Context, slot int, backend string) (*Binding, error) {
	var b Binding
	err := s.db.GetContext(ctx, &b,
		`SELECT * FROM slot_bindings WHERE slot = ? AND backend = ?`, slot, backend)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// List returns every stored binding ordered by slot.
func (s *SlotStore) List(ctx context.Context) ([]Binding, error) {
	var bindings []Binding
	err := s.db.SelectContext(ctx, &bindings,
		`SELECT * FROM slot_bindings ORDER BY slot, backend`)
	return bindings, err
}

// Delete removes a pair's binding. Missing rows are not an error.
func (s *SlotStore) Delete(ctx context.Context, slot int, backend string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM slot_bindings WHERE slot = ? AND backend = ?`, slot, backend)
	return err
}
