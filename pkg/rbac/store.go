package rbac

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// Store persists the permission catalog, roles and role-permission edges.
// Every mutation increments the policy version atomically with the change.
type Store interface {
	CreatePermission(ctx context.Context, perm *Permission) error
	DeletePermission(ctx context.Context, key PermissionKey) error
	ListPermissions(ctx context.Context) ([]Permission, error)

	CreateRole(ctx context.Context, rec *RoleRecord) error
	UpdateRole(ctx context.Context, rec *RoleRecord) error
	GetRole(ctx context.Context, id string) (*RoleRecord, error)
	GetRoleByKey(ctx context.Context, key string) (*RoleRecord, error)
	ListRoles(ctx context.Context) ([]RoleRecord, error)

	AddRolePermission(ctx context.Context, roleID string, key PermissionKey) error
	RemoveRolePermission(ctx context.Context, roleID string, key PermissionKey) error
	SetRolePermissions(ctx context.Context, roleID string, keys []PermissionKey) error
	ListRolePermissions(ctx context.Context) ([]RolePermission, error)

	PolicyVersion(ctx context.Context) (int64, error)
}

// SQLStore is the database/sql implementation of Store
type SQLStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLStore creates a new catalog store
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db, now: time.Now}
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func (s *SQLStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *SQLStore) bumpVersion(ctx context.Context, tx *sql.Tx) error {
	res, err := tx.ExecContext(ctx,
		"UPDATE policy_versions SET version = version + 1, updated_at = $1 WHERE id = 1",
		s.now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to bump policy version: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("failed to bump policy version: policy_versions row missing")
	}
	return nil
}

func exists(ctx context.Context, tx *sql.Tx, query string, args ...interface{}) (bool, error) {
	var n int
	if err := tx.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

// CreatePermission inserts a new catalog entry
func (s *SQLStore) CreatePermission(ctx context.Context, perm *Permission) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		found, err := exists(ctx, tx, "SELECT COUNT(*) FROM permissions WHERE key = $1", string(perm.Key))
		if err != nil {
			return fmt.Errorf("failed to check permission: %w", err)
		}
		if found {
			return fmt.Errorf("%w: permission %s", ErrConflict, perm.Key)
		}

		now := s.now().UTC()
		_, err = tx.ExecContext(ctx,
			"INSERT INTO permissions (key, description, created_at) VALUES ($1, $2, $3)",
			string(perm.Key), perm.Description, now,
		)
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: permission %s", ErrConflict, perm.Key)
		}
		if err != nil {
			return fmt.Errorf("failed to create permission: %w", err)
		}
		perm.CreatedAt = now
		return s.bumpVersion(ctx, tx)
	})
}

// DeletePermission removes an unreferenced catalog entry
func (s *SQLStore) DeletePermission(ctx context.Context, key PermissionKey) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		inUse, err := exists(ctx, tx, "SELECT COUNT(*) FROM role_permissions WHERE permission_key = $1", string(key))
		if err != nil {
			return fmt.Errorf("failed to check permission references: %w", err)
		}
		if inUse {
			return fmt.Errorf("%w: %s", ErrPermissionInUse, key)
		}

		res, err := tx.ExecContext(ctx, "DELETE FROM permissions WHERE key = $1", string(key))
		if err != nil {
			return fmt.Errorf("failed to delete permission: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: permission %s", ErrNotFound, key)
		}
		return s.bumpVersion(ctx, tx)
	})
}

// ListPermissions returns the catalog ordered by key
func (s *SQLStore) ListPermissions(ctx context.Context) ([]Permission, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT key, description, created_at FROM permissions ORDER BY key")
	if err != nil {
		return nil, fmt.Errorf("failed to list permissions: %w", err)
	}
	defer rows.Close()

	var perms []Permission
	for rows.Next() {
		var p Permission
		var key string
		if err := rows.Scan(&key, &p.Description, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan permission: %w", err)
		}
		p.Key = PermissionKey(key)
		perms = append(perms, p)
	}
	return perms, rows.Err()
}

// CreateRole inserts a role. The caller assigns the ID.
func (s *SQLStore) CreateRole(ctx context.Context, rec *RoleRecord) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		found, err := exists(ctx, tx, "SELECT COUNT(*) FROM roles WHERE key = $1", rec.Key)
		if err != nil {
			return fmt.Errorf("failed to check role: %w", err)
		}
		if found {
			return fmt.Errorf("%w: role %s", ErrConflict, rec.Key)
		}

		now := s.now().UTC()
		_, err = tx.ExecContext(ctx, `
			INSERT INTO roles (id, key, label, scope, description, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, rec.ID, rec.Key, rec.Label, string(rec.Scope), rec.Description, now, now)
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: role %s", ErrConflict, rec.Key)
		}
		if err != nil {
			return fmt.Errorf("failed to create role: %w", err)
		}
		rec.CreatedAt = now
		rec.UpdatedAt = now
		return s.bumpVersion(ctx, tx)
	})
}

// UpdateRole updates the label and description. The scope column is never
// written; a record whose scope differs from the stored one is rejected.
func (s *SQLStore) UpdateRole(ctx context.Context, rec *RoleRecord) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var scope string
		err := tx.QueryRowContext(ctx, "SELECT scope FROM roles WHERE id = $1", rec.ID).Scan(&scope)
		if err == sql.ErrNoRows {
			return fmt.Errorf("%w: role %s", ErrNotFound, rec.ID)
		}
		if err != nil {
			return fmt.Errorf("failed to get role scope: %w", err)
		}
		if Scope(scope) != rec.Scope {
			return fmt.Errorf("%w: role %s is %s", ErrImmutableScope, rec.ID, scope)
		}

		now := s.now().UTC()
		if _, err := tx.ExecContext(ctx,
			"UPDATE roles SET label = $1, description = $2, updated_at = $3 WHERE id = $4",
			rec.Label, rec.Description, now, rec.ID,
		); err != nil {
			return fmt.Errorf("failed to update role: %w", err)
		}
		rec.UpdatedAt = now
		return s.bumpVersion(ctx, tx)
	})
}

const roleColumns = "id, key, label, scope, description, created_at, updated_at"

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRole(row rowScanner) (*RoleRecord, error) {
	var rec RoleRecord
	var scope string
	var description sql.NullString
	if err := row.Scan(&rec.ID, &rec.Key, &rec.Label, &scope, &description, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	rec.Scope = Scope(scope)
	rec.Description = description.String
	return &rec, nil
}

// GetRole retrieves a role by ID
func (s *SQLStore) GetRole(ctx context.Context, id string) (*RoleRecord, error) {
	rec, err := scanRole(s.db.QueryRowContext(ctx, "SELECT "+roleColumns+" FROM roles WHERE id = $1", id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: role %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get role: %w", err)
	}
	return rec, nil
}

// GetRoleByKey retrieves a role by its unique key
func (s *SQLStore) GetRoleByKey(ctx context.Context, key string) (*RoleRecord, error) {
	rec, err := scanRole(s.db.QueryRowContext(ctx, "SELECT "+roleColumns+" FROM roles WHERE key = $1", key))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: role %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get role: %w", err)
	}
	return rec, nil
}

// ListRoles returns all roles ordered by key
func (s *SQLStore) ListRoles(ctx context.Context) ([]RoleRecord, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+roleColumns+" FROM roles ORDER BY key")
	if err != nil {
		return nil, fmt.Errorf("failed to list roles: %w", err)
	}
	defer rows.Close()

	var roles []RoleRecord
	for rows.Next() {
		rec, err := scanRole(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan role: %w", err)
		}
		roles = append(roles, *rec)
	}
	return roles, rows.Err()
}

func (s *SQLStore) checkEdge(ctx context.Context, tx *sql.Tx, roleID string, key PermissionKey) error {
	found, err := exists(ctx, tx, "SELECT COUNT(*) FROM roles WHERE id = $1", roleID)
	if err != nil {
		return fmt.Errorf("failed to check role: %w", err)
	}
	if !found {
		return fmt.Errorf("%w: role %s", ErrNotFound, roleID)
	}
	found, err = exists(ctx, tx, "SELECT COUNT(*) FROM permissions WHERE key = $1", string(key))
	if err != nil {
		return fmt.Errorf("failed to check permission: %w", err)
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrUnknownPermission, key)
	}
	return nil
}

// AddRolePermission links key to the role. Linking an existing edge is a no-op
// and leaves the policy version untouched.
func (s *SQLStore) AddRolePermission(ctx context.Context, roleID string, key PermissionKey) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.checkEdge(ctx, tx, roleID, key); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx,
			"INSERT INTO role_permissions (role_id, permission_key) VALUES ($1, $2) ON CONFLICT DO NOTHING",
			roleID, string(key),
		)
		if err != nil {
			return fmt.Errorf("failed to add role permission: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		return s.bumpVersion(ctx, tx)
	})
}

// RemoveRolePermission unlinks key from the role
func (s *SQLStore) RemoveRolePermission(ctx context.Context, roleID string, key PermissionKey) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			"DELETE FROM role_permissions WHERE role_id = $1 AND permission_key = $2",
			roleID, string(key),
		)
		if err != nil {
			return fmt.Errorf("failed to remove role permission: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: role %s has no permission %s", ErrNotFound, roleID, key)
		}
		return s.bumpVersion(ctx, tx)
	})
}

// SetRolePermissions replaces every edge of the role with keys
func (s *SQLStore) SetRolePermissions(ctx context.Context, roleID string, keys []PermissionKey) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		found, err := exists(ctx, tx, "SELECT COUNT(*) FROM roles WHERE id = $1", roleID)
		if err != nil {
			return fmt.Errorf("failed to check role: %w", err)
		}
		if !found {
			return fmt.Errorf("%w: role %s", ErrNotFound, roleID)
		}

		if _, err := tx.ExecContext(ctx, "DELETE FROM role_permissions WHERE role_id = $1", roleID); err != nil {
			return fmt.Errorf("failed to clear role permissions: %w", err)
		}
		for _, key := range keys {
			if err := s.checkEdge(ctx, tx, roleID, key); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO role_permissions (role_id, permission_key) VALUES ($1, $2) ON CONFLICT DO NOTHING",
				roleID, string(key),
			); err != nil {
				return fmt.Errorf("failed to insert role permission: %w", err)
			}
		}
		return s.bumpVersion(ctx, tx)
	})
}

// ListRolePermissions returns every role-permission edge
func (s *SQLStore) ListRolePermissions(ctx context.Context) ([]RolePermission, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT role_id, permission_key FROM role_permissions ORDER BY role_id, permission_key")
	if err != nil {
		return nil, fmt.Errorf("failed to list role permissions: %w", err)
	}
	defer rows.Close()

	var edges []RolePermission
	for rows.Next() {
		var e RolePermission
		var key string
		if err := rows.Scan(&e.RoleID, &key); err != nil {
			return nil, fmt.Errorf("failed to scan role permission: %w", err)
		}
		e.PermissionKey = PermissionKey(key)
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

// PolicyVersion returns the current catalog version
func (s *SQLStore) PolicyVersion(ctx context.Context) (int64, error) {
	var version int64
	err := s.db.QueryRowContext(ctx, "SELECT version FROM policy_versions WHERE id = 1").Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to read policy version: %w", err)
	}
	return version, nil
}
