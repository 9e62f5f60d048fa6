package management

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"hookrelay/internal/constants"
	"hookrelay/internal/router"
	pkgerrors "hookrelay/pkg/errors"
	"hookrelay/pkg/metrics"
)

const routeColumns = `id, name, priority, enabled, handler_id, filter, guaranteed, delivery_mode, version, created_at, updated_at`

type PostgresRepository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) Repository {
	return &PostgresRepository{db: db}
}

func observe(op string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.IncDatabaseQuery(constants.ServiceName, "postgres", op, status)
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "duplicate key") || strings.Contains(err.Error(), "unique constraint")
}

func (r *PostgresRepository) CreateRoute(ctx context.Context, def *router.Definition) (err error) {
	defer func() { observe("insert_route", err) }()

	now := time.Now().UTC()
	def.CreatedAt = now
	def.UpdatedAt = now
	if def.Version == 0 {
		def.Version = 1
	}

	filter, err := json.Marshal(def.Filter)
	if err != nil {
		return fmt.Errorf("failed to marshal route filter: %w", err)
	}

	query := `
		INSERT INTO route_definitions (` + routeColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err = r.db.ExecContext(ctx, query,
		def.ID, def.Name, def.Priority, def.Enabled, def.HandlerID, filter,
		def.Guaranteed, def.DeliveryMode, def.Version, def.CreatedAt, def.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return pkgerrors.ErrConflict.WithCause(err).
				WithDetail("message", fmt.Sprintf("route '%s' already exists", def.ID))
		}
		return fmt.Errorf("failed to create route: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDefinition(row scanner) (*router.Definition, error) {
	var def router.Definition
	var filter []byte
	if err := row.Scan(
		&def.ID, &def.Name, &def.Priority, &def.Enabled, &def.HandlerID, &filter,
		&def.Guaranteed, &def.DeliveryMode, &def.Version, &def.CreatedAt, &def.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if len(filter) > 0 {
		if err := json.Unmarshal(filter, &def.Filter); err != nil {
			return nil, fmt.Errorf("failed to decode filter of route %s: %w", def.ID, err)
		}
	}
	return &def, nil
}

func (r *PostgresRepository) GetRoute(ctx context.Context, id string) (_ *router.Definition, err error) {
	defer func() { observe("select_route", err) }()

	query := `SELECT ` + routeColumns + ` FROM route_definitions WHERE id = $1`
	def, err := scanDefinition(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, pkgerrors.ErrNotFound.WithDetail("id", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get route: %w", err)
	}
	return def, nil
}

func (r *PostgresRepository) ListRoutes(ctx context.Context) (_ []router.Definition, err error) {
	defer func() { observe("list_routes", err) }()

	query := `SELECT ` + routeColumns + ` FROM route_definitions ORDER BY priority DESC, created_at ASC`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list routes: %w", err)
	}
	defer rows.Close()

	var defs []router.Definition
	for rows.Next() {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("context cancelled: %w", ctx.Err())
		default:
		}

		def, err := scanDefinition(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan route: %w", err)
		}
		defs = append(defs, *def)
	}
	return defs, rows.Err()
}

func (r *PostgresRepository) UpdateRoute(ctx context.Context, def *router.Definition) (err error) {
	defer func() { observe("update_route", err) }()

	def.UpdatedAt = time.Now().UTC()
	filter, err := json.Marshal(def.Filter)
	if err != nil {
		return fmt.Errorf("failed to marshal route filter: %w", err)
	}

	query := `
		UPDATE route_definitions
		SET name = $1, priority = $2, enabled = $3, handler_id = $4, filter = $5,
		    guaranteed = $6, delivery_mode = $7, version = $8, updated_at = $9
		WHERE id = $10
	`
	res, err := r.db.ExecContext(ctx, query,
		def.Name, def.Priority, def.Enabled, def.HandlerID, filter,
		def.Guaranteed, def.DeliveryMode, def.Version, def.UpdatedAt, def.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update route: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return pkgerrors.ErrNotFound.WithDetail("id", def.ID)
	}
	return nil
}

func (r *PostgresRepository) DeleteRoute(ctx context.Context, id string) (err error) {
	defer func() { observe("delete_route", err) }()

	res, err := r.db.ExecContext(ctx, `DELETE FROM route_definitions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete route: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return pkgerrors.ErrNotFound.WithDetail("id", id)
	}
	return nil
}
