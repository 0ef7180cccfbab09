package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/couchcryptid/storm-alert-service/internal/domain"
)

// Directory reads recipients and incidents.
type Directory struct {
	db *DB
}

func NewDirectory(db *DB) *Directory {
	return &Directory{db: db}
}

// ListRecipients returns a snapshot of the recipient directory ordered by
// user ID.
func (d *Directory) ListRecipients(ctx context.Context) ([]domain.Recipient, error) {
	rows, err := d.db.Pool.Query(ctx,
		`SELECT user_id, COALESCE(push_token, ''), last_lon, last_lat FROM recipients ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("query recipients: %w", err)
	}
	defer rows.Close()

	var out []domain.Recipient
	for rows.Next() {
		var (
			r        domain.Recipient
			lon, lat *float64
		)
		if err := rows.Scan(&r.UserID, &r.PushToken, &lon, &lat); err != nil {
			return nil, fmt.Errorf("scan recipient: %w", err)
		}
		r.LastKnownLocation = pointOf(lon, lat)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate recipients: %w", err)
	}
	return out, nil
}

// ClearPushTokens removes tokens the gateway reported as unregistered and
// returns how many recipients were updated.
func (d *Directory) ClearPushTokens(ctx context.Context, tokens []string) (int64, error) {
	if len(tokens) == 0 {
		return 0, nil
	}
	tag, err := d.db.Pool.Exec(ctx,
		`UPDATE recipients SET push_token = NULL, updated_at = now() WHERE push_token = ANY($1)`, tokens)
	if err != nil {
		return 0, fmt.Errorf("clear push tokens: %w", err)
	}
	return tag.RowsAffected(), nil
}

// GetIncident loads an incident report, returning domain.ErrNotFound when
// absent.
func (d *Directory) GetIncident(ctx context.Context, id string) (domain.Incident, error) {
	var inc domain.Incident
	err := d.db.Pool.QueryRow(ctx,
		`SELECT id, type, description, lon, lat, verified, reported_at FROM incidents WHERE id = $1`, id,
	).Scan(&inc.ID, &inc.Type, &inc.Description, &inc.Location.Lon, &inc.Location.Lat, &inc.Verified, &inc.ReportedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Incident{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Incident{}, fmt.Errorf("select incident %s: %w", id, err)
	}
	return inc, nil
}

// pointOf returns nil unless both coordinates are present.
func pointOf(lon, lat *float64) *domain.Point {
	if lon == nil || lat == nil {
		return nil
	}
	return &domain.Point{Lon: *lon, Lat: *lat}
}
