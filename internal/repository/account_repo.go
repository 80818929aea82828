package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/wakala/settlement/internal/domain"
)

// AccountRepo manages clients, staff, admin accounts and the client-staff
// assignments that drive staff commission.
type AccountRepo struct {
	db *DB
}

func NewAccountRepo(db *DB) *AccountRepo {
	return &AccountRepo{db: db}
}

func (r *AccountRepo) CreateClient(ctx context.Context, c *domain.Client) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx,
		"INSERT INTO clients (id, name, balance, updated_at) VALUES (?,?,?,?)",
		c.ID, c.Name, c.Balance, formatTime(c.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert client: %w", err)
	}
	return nil
}

func (r *AccountRepo) GetClient(ctx context.Context, id string) (*domain.Client, error) {
	return getClient(ctx, r.db, id, "")
}

func (r *AccountRepo) ListClients(ctx context.Context) ([]domain.Client, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT id, name, balance, updated_at FROM clients ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var clients []domain.Client
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, err
		}
		clients = append(clients, *c)
	}
	return clients, rows.Err()
}

func (r *AccountRepo) CreateStaff(ctx context.Context, s *domain.Staff) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	now := formatTime(time.Now())
	return r.db.WithTx(ctx, func(tx *Tx) error {
		if _, err := tx.exec(ctx,
			"INSERT INTO staff (id, name, active) VALUES (?,?,?)",
			s.ID, s.Name, boolToInt(s.Active),
		); err != nil {
			return fmt.Errorf("insert staff: %w", err)
		}
		if _, err := tx.exec(ctx,
			"INSERT INTO staff_balances (staff_id, balance, updated_at) VALUES (?,?,?)",
			s.ID, decimal.Zero, now,
		); err != nil {
			return fmt.Errorf("insert staff balance: %w", err)
		}
		return nil
	})
}

func (r *AccountRepo) GetStaffBalance(ctx context.Context, staffID string) (*domain.StaffBalance, error) {
	return getStaffBalance(ctx, r.db, staffID, "")
}

// AssignStaff makes staffID the active staff member for clientID, replacing
// any previous assignment.
func (r *AccountRepo) AssignStaff(ctx context.Context, clientID, staffID string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO client_assignments (client_id, staff_id, active, assigned_at)
		VALUES (?,?,1,?)
		ON CONFLICT (client_id) DO UPDATE SET staff_id = excluded.staff_id,
			active = 1, assigned_at = excluded.assigned_at`,
		clientID, staffID, formatTime(at),
	)
	if err != nil {
		return fmt.Errorf("assign staff: %w", err)
	}
	return nil
}

// Unassign deactivates the client's staff assignment, if any.
func (r *AccountRepo) Unassign(ctx context.Context, clientID string) error {
	_, err := r.db.ExecContext(ctx, "UPDATE client_assignments SET active = 0 WHERE client_id = ?", clientID)
	return err
}

// ActiveStaff returns the staff id actively assigned to the client. ok is
// false when the client has no active assignment or the staff member is
// inactive.
func (r *AccountRepo) ActiveStaff(ctx context.Context, clientID string) (staffID string, ok bool, err error) {
	err = r.db.QueryRowContext(ctx,
		`SELECT a.staff_id FROM client_assignments a
		JOIN staff s ON s.id = a.staff_id
		WHERE a.client_id = ? AND a.active = 1 AND s.active = 1`,
		clientID,
	).Scan(&staffID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("active staff: %w", err)
	}
	return staffID, true, nil
}

func (r *AccountRepo) CreateAdmin(ctx context.Context, a *domain.AdminAccount) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx,
		"INSERT INTO admin_accounts (id, name, active, balance, updated_at) VALUES (?,?,?,?,?)",
		a.ID, a.Name, boolToInt(a.Active), a.Balance, formatTime(a.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert admin: %w", err)
	}
	return nil
}

func (r *AccountRepo) SetAdminActive(ctx context.Context, id string, active bool) error {
	_, err := r.db.ExecContext(ctx, "UPDATE admin_accounts SET active = ? WHERE id = ?", boolToInt(active), id)
	return err
}

// ListAdmins returns every admin account ordered by id.
func (r *AccountRepo) ListAdmins(ctx context.Context) ([]domain.AdminAccount, error) {
	return listAdmins(ctx, r.db, false, "")
}

// --- helpers ---

const clientColumns = "id, name, balance, updated_at"

func getClient(ctx context.Context, q querier, id, suffix string) (*domain.Client, error) {
	row := q.QueryRowContext(ctx, "SELECT "+clientColumns+" FROM clients WHERE id = ?"+suffix, id)
	c, err := scanClient(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("client %s: %w", id, domain.ErrNotFound)
	}
	return c, err
}

func scanClient(row rowScanner) (*domain.Client, error) {
	var c domain.Client
	var updatedAt string
	if err := row.Scan(&c.ID, &c.Name, &c.Balance, &updatedAt); err != nil {
		return nil, err
	}
	c.UpdatedAt = parseTime(updatedAt)
	return &c, nil
}

func getStaffBalance(ctx context.Context, q querier, staffID, suffix string) (*domain.StaffBalance, error) {
	var b domain.StaffBalance
	var updatedAt string
	err := q.QueryRowContext(ctx,
		"SELECT staff_id, balance, updated_at FROM staff_balances WHERE staff_id = ?"+suffix, staffID,
	).Scan(&b.StaffID, &b.Balance, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("staff balance %s: %w", staffID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	b.UpdatedAt = parseTime(updatedAt)
	return &b, nil
}

func listAdmins(ctx context.Context, q querier, activeOnly bool, suffix string) ([]domain.AdminAccount, error) {
	query := "SELECT id, name, active, balance, updated_at FROM admin_accounts"
	if activeOnly {
		query += " WHERE active = 1"
	}
	query += " ORDER BY id" + suffix

	rows, err := q.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var admins []domain.AdminAccount
	for rows.Next() {
		var a domain.AdminAccount
		var active int
		var updatedAt string
		if err := rows.Scan(&a.ID, &a.Name, &active, &a.Balance, &updatedAt); err != nil {
			return nil, err
		}
		a.Active = active == 1
		a.UpdatedAt = parseTime(updatedAt)
		admins = append(admins, a)
	}
	return admins, rows.Err()
}
