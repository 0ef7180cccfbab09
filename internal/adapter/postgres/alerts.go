package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/couchcryptid/storm-alert-service/internal/domain"
)

const insertAlertSQL = `
INSERT INTO alerts (
    id, level, type, title, message, advice, affected_area, sent_at, expires_at,
    is_automatic, source_data, station_id, created_by, incident_id,
    sent_count, failed_count, delivery_status
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
ON CONFLICT (id) DO UPDATE SET
    sent_count = EXCLUDED.sent_count,
    failed_count = EXCLUDED.failed_count,
    delivery_status = EXCLUDED.delivery_status`

const selectAlertSQL = `
SELECT id, level, type, title, message, advice, affected_area, sent_at, expires_at,
       is_automatic, source_data, station_id, created_by, incident_id,
       sent_count, failed_count, delivery_status
FROM alerts WHERE id = $1`

// AlertStore records finalized alerts.
type AlertStore struct {
	db *DB
}

func NewAlertStore(db *DB) *AlertStore {
	return &AlertStore{db: db}
}

// SaveAlert inserts an alert. Saving an existing ID overwrites only its
// delivery counts and status.
func (s *AlertStore) SaveAlert(ctx context.Context, a domain.Alert) error {
	area, err := encodeArea(a.AffectedArea)
	if err != nil {
		return err
	}
	source, err := encodeSourceData(a.SourceData)
	if err != nil {
		return err
	}
	_, err = s.db.Pool.Exec(ctx, insertAlertSQL,
		a.ID, a.Level, a.Type, a.Title, a.Message, a.Advice, area, a.SentAt, a.ExpiresAt,
		a.IsAutomatic, source, a.StationID, a.CreatedBy, a.IncidentID,
		a.SentCount, a.FailedCount, a.DeliveryStatus,
	)
	if err != nil {
		return fmt.Errorf("insert alert %s: %w", a.ID, err)
	}
	return nil
}

// UpdateDelivery overwrites the delivery outcome of a stored alert.
func (s *AlertStore) UpdateDelivery(ctx context.Context, a domain.Alert) error {
	tag, err := s.db.Pool.Exec(ctx,
		`UPDATE alerts SET sent_count = $2, failed_count = $3, delivery_status = $4 WHERE id = $1`,
		a.ID, a.SentCount, a.FailedCount, a.DeliveryStatus,
	)
	if err != nil {
		return fmt.Errorf("update alert %s: %w", a.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// GetAlert loads an alert by ID, returning domain.ErrNotFound when absent.
func (s *AlertStore) GetAlert(ctx context.Context, id string) (domain.Alert, error) {
	if _, err := uuid.Parse(id); err != nil {
		return domain.Alert{}, domain.ErrNotFound
	}
	var (
		a      domain.Alert
		area   []byte
		source []byte
	)
	err := s.db.Pool.QueryRow(ctx, selectAlertSQL, id).Scan(
		&a.ID, &a.Level, &a.Type, &a.Title, &a.Message, &a.Advice, &area, &a.SentAt, &a.ExpiresAt,
		&a.IsAutomatic, &source, &a.StationID, &a.CreatedBy, &a.IncidentID,
		&a.SentCount, &a.FailedCount, &a.DeliveryStatus,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Alert{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Alert{}, fmt.Errorf("select alert %s: %w", id, err)
	}
	if a.AffectedArea, err = decodeArea(area); err != nil {
		return domain.Alert{}, err
	}
	if a.SourceData, err = decodeSourceData(source); err != nil {
		return domain.Alert{}, err
	}
	a.SentAt = a.SentAt.UTC()
	return a, nil
}

// encodeArea returns nil for an empty polygon so the column stays NULL.
func encodeArea(p domain.Polygon) ([]byte, error) {
	if len(p) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode affected area: %w", err)
	}
	return b, nil
}

func decodeArea(b []byte) (domain.Polygon, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var p domain.Polygon
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, fmt.Errorf("decode affected area: %w", err)
	}
	return p, nil
}

func encodeSourceData(s *domain.SourceData) ([]byte, error) {
	if s == nil {
		return nil, nil
	}
	b, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode source data: %w", err)
	}
	return b, nil
}

func decodeSourceData(b []byte) (*domain.SourceData, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var s domain.SourceData
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("decode source data: %w", err)
	}
	return &s, nil
}
