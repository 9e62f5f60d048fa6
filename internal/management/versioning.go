package management

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type postgresVersionRepository struct {
	db *sql.DB
}

func NewVersionRepository(db *sql.DB) VersionRepository {
	return &postgresVersionRepository{db: db}
}

func (r *postgresVersionRepository) CreateVersion(ctx context.Context, version *RouteVersion) (err error) {
	defer func() { observe("insert_route_version", err) }()

	if version.ID == "" {
		version.ID = uuid.New().String()
	}
	if version.CreatedAt.IsZero() {
		version.CreatedAt = time.Now().UTC()
	}

	definition, err := json.Marshal(version.Definition)
	if err != nil {
		return fmt.Errorf("failed to marshal route definition: %w", err)
	}

	query := `
		INSERT INTO route_versions (id, route_id, version, action, definition, changed_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err = r.db.ExecContext(ctx, query,
		version.ID, version.RouteID, version.Version, version.Action,
		definition, version.ChangedBy, version.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("version %d of route %s already recorded: %w", version.Version, version.RouteID, err)
		}
		return fmt.Errorf("failed to create route version: %w", err)
	}
	return nil
}

func (r *postgresVersionRepository) GetVersions(ctx context.Context, routeID string) (_ []RouteVersion, err error) {
	defer func() { observe("list_route_versions", err) }()

	query := `
		SELECT id, route_id, version, action, definition, changed_by, created_at
		FROM route_versions
		WHERE route_id = $1
		ORDER BY version DESC
	`
	rows, err := r.db.QueryContext(ctx, query, routeID)
	if err != nil {
		return nil, fmt.Errorf("failed to query versions: %w", err)
	}
	defer rows.Close()

	var versions []RouteVersion
	for rows.Next() {
		var v RouteVersion
		var definition []byte
		if err := rows.Scan(&v.ID, &v.RouteID, &v.Version, &v.Action, &definition, &v.ChangedBy, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan version: %w", err)
		}
		if err := json.Unmarshal(definition, &v.Definition); err != nil {
			return nil, fmt.Errorf("failed to decode version %d of route %s: %w", v.Version, v.RouteID, err)
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}
