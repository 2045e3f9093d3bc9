package repo

import (
	"context"
	"database/sql"
	"errors"

	"stageline/internal/domain"
)

func (r Repo) InsertContact(ctx context.Context, tx *sql.Tx, c domain.Contact) error {
	if c.ID == "" || c.Name == "" {
		return errors.New("contact id and name required")
	}
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO contacts(id,name,email,active,created_at) VALUES (?,?,?,?,?)`,
		c.ID, c.Name, nullable(c.Email), boolInt(c.Active), c.CreatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (r Repo) GetContact(ctx context.Context, tx *sql.Tx, id string) (domain.Contact, error) {
	var (
		c      domain.Contact
		active int
	)
	err := r.q(tx).QueryRowContext(ctx, `SELECT id,name,COALESCE(email,''),active,created_at FROM contacts WHERE id=?`, id).
		Scan(&c.ID, &c.Name, &c.Email, &active, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	c.Active = active != 0
	return c, err
}

func (r Repo) ListContacts(ctx context.Context, includeInactive bool) ([]domain.Contact, error) {
	query := `SELECT id,name,COALESCE(email,''),active,created_at FROM contacts`
	if !includeInactive {
		query += ` WHERE active=1`
	}
	query += ` ORDER BY name, id`
	rows, err := r.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Contact
	for rows.Next() {
		var (
			c      domain.Contact
			active int
		)
		if err := rows.Scan(&c.ID, &c.Name, &c.Email, &active, &c.CreatedAt); err != nil {
			return nil, err
		}
		c.Active = active != 0
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r Repo) SetContactActive(ctx context.Context, id string, active bool) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE contacts SET active=? WHERE id=?`, boolInt(active), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
