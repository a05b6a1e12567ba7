package process

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/k1networth/dispatch-relay/internal/shared/events"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const processColumns = `id, tenant_id, plate, service, customer_name, status, created_by, created_at, updated_at`

func scanProcess(row interface{ Scan(...any) error }) (Process, error) {
	var p Process
	err := row.Scan(&p.ID, &p.TenantID, &p.Plate, &p.Service, &p.CustomerName, &p.Status, &p.CreatedBy, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Process{}, ErrNotFound
	}
	return p, err
}

func (s *PostgresStore) Create(ctx context.Context, p Process) (Process, error) {
	if p.ID == "" {
		p.ID = events.NewID()
	}
	q := `
INSERT INTO processes (` + processColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
RETURNING ` + processColumns + `;
`
	out, err := scanProcess(s.db.QueryRowContext(ctx, q,
		p.ID, p.TenantID, p.Plate, p.Service, p.CustomerName, p.Status, p.CreatedBy, p.CreatedAt, p.UpdatedAt))
	if err != nil {
		return Process{}, fmt.Errorf("insert process: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Get(ctx context.Context, tenantID, id string) (Process, error) {
	q := `SELECT ` + processColumns + ` FROM processes WHERE tenant_id = $1 AND id = $2;`
	return scanProcess(s.db.QueryRowContext(ctx, q, tenantID, id))
}

func (s *PostgresStore) UpdateStatus(ctx context.Context, tenantID, id string, status Status, at time.Time) (Process, error) {
	q := `
UPDATE processes
SET status = $3, updated_at = $4
WHERE tenant_id = $1 AND id = $2
RETURNING ` + processColumns + `;
`
	return scanProcess(s.db.QueryRowContext(ctx, q, tenantID, id, status, at))
}
