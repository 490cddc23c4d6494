package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"smart_bays/internal/domain"
	"smart_bays/internal/repository"
)

func (r *queries) PutSensorSnapshot(ctx context.Context, snap *domain.SensorSnapshot) error {
	bays, err := json.Marshal(snap.Bays)
	if err != nil {
		return fmt.Errorf("SensorSnapshotRepository.Put: marshal bays: %w", err)
	}
	query := `INSERT INTO sensor_snapshots (device_id, bays, observed_at, received_at, battery, rssi)
	           VALUES ($1, $2, $3, CURRENT_TIMESTAMP, $4, $5)
	           ON CONFLICT (device_id) DO UPDATE
	           SET bays = EXCLUDED.bays, observed_at = EXCLUDED.observed_at,
	               received_at = EXCLUDED.received_at, battery = EXCLUDED.battery, rssi = EXCLUDED.rssi
	           RETURNING received_at`
	err = r.db.QueryRowContext(ctx, query, snap.DeviceID, bays, snap.ObservedAt, snap.Battery, snap.RSSI).
		Scan(&snap.ReceivedAt)
	if err != nil {
		return fmt.Errorf("SensorSnapshotRepository.Put: %w", classify(err))
	}
	snap.ReceivedAt = snap.ReceivedAt.In(time.UTC)
	return nil
}

func (r *queries) LatestSnapshot(ctx context.Context) (*domain.SensorSnapshot, error) {
	snap := &domain.SensorSnapshot{}
	var bays []byte
	err := r.db.QueryRowContext(ctx,
		`SELECT device_id, bays, observed_at, received_at, battery, rssi
		   FROM sensor_snapshots ORDER BY observed_at DESC LIMIT 1`,
	).Scan(&snap.DeviceID, &bays, &snap.ObservedAt, &snap.ReceivedAt, &snap.Battery, &snap.RSSI)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("SensorSnapshotRepository.Latest: %w", classify(err))
	}
	if err := json.Unmarshal(bays, &snap.Bays); err != nil {
		return nil, fmt.Errorf("SensorSnapshotRepository.Latest: bays: %w", err)
	}
	snap.ObservedAt = snap.ObservedAt.In(time.UTC)
	snap.ReceivedAt = snap.ReceivedAt.In(time.UTC)
	return snap, nil
}
