package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"smart_bays/internal/domain"
	"smart_bays/internal/repository"
)

const bayColumns = `id, name, thing_name, slot_id, occupied, occupied_since, led_state, version, created_at, updated_at`

func scanBay(row interface{ Scan(...any) error }, bay *domain.Bay) error {
	err := row.Scan(&bay.ID, &bay.Name, &bay.ThingName, &bay.SlotID, &bay.Occupied, &bay.OccupiedSince,
		&bay.LedState, &bay.Version, &bay.CreatedAt, &bay.UpdatedAt)
	if err != nil {
		return err
	}
	bay.CreatedAt = bay.CreatedAt.In(time.UTC)
	bay.UpdatedAt = bay.UpdatedAt.In(time.UTC)
	if bay.OccupiedSince.Valid {
		bay.OccupiedSince.Time = bay.OccupiedSince.Time.In(time.UTC)
	}
	return nil
}

func (r *queries) CreateBay(ctx context.Context, bay *domain.Bay) (*domain.Bay, error) {
	if bay.LedState == "" {
		bay.LedState = domain.LedOff
	}
	query := `INSERT INTO bays (name, thing_name, slot_id, occupied, led_state, version, created_at, updated_at)
	           VALUES ($1, $2, $3, FALSE, $4, 1, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
	           RETURNING id, version, created_at, updated_at`
	err := r.db.QueryRowContext(ctx, query, bay.Name, bay.ThingName, bay.SlotID, bay.LedState).
		Scan(&bay.ID, &bay.Version, &bay.CreatedAt, &bay.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("BayRepository.CreateBay: %w", classify(err))
	}
	bay.CreatedAt = bay.CreatedAt.In(time.UTC)
	bay.UpdatedAt = bay.UpdatedAt.In(time.UTC)
	return bay, nil
}

func (r *queries) BayByName(ctx context.Context, name string) (*domain.Bay, error) {
	bay := &domain.Bay{}
	err := scanBay(r.db.QueryRowContext(ctx, `SELECT `+bayColumns+` FROM bays WHERE name = $1`, name), bay)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("BayRepository.BayByName: %w", classify(err))
	}
	return bay, nil
}

func (r *queries) BayByID(ctx context.Context, id int) (*domain.Bay, error) {
	bay := &domain.Bay{}
	err := scanBay(r.db.QueryRowContext(ctx, `SELECT `+bayColumns+` FROM bays WHERE id = $1`, id), bay)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("BayRepository.BayByID: %w", classify(err))
	}
	return bay, nil
}

func (r *queries) ListBays(ctx context.Context) ([]domain.Bay, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+bayColumns+` FROM bays ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("BayRepository.ListBays: %w", classify(err))
	}
	defer rows.Close()

	var bays []domain.Bay
	for rows.Next() {
		var bay domain.Bay
		if err := scanBay(rows, &bay); err != nil {
			return nil, fmt.Errorf("BayRepository.ListBays: scan: %w", err)
		}
		bays = append(bays, bay)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("BayRepository.ListBays: %w", classify(err))
	}
	return bays, nil
}

func (r *queries) UpdateBay(ctx context.Context, bay *domain.Bay) error {
	query := `UPDATE bays
	           SET occupied = $2, occupied_since = $3, led_state = $4,
	               version = version + 1, updated_at = CURRENT_TIMESTAMP
	           WHERE id = $1 AND version = $5
	           RETURNING version, updated_at`
	err := r.db.QueryRowContext(ctx, query, bay.ID, bay.Occupied, bay.OccupiedSince, bay.LedState, bay.Version).
		Scan(&bay.Version, &bay.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("BayRepository.UpdateBay: bay %d at version %d: %w", bay.ID, bay.Version, repository.ErrConflict)
		}
		return fmt.Errorf("BayRepository.UpdateBay: %w", classify(err))
	}
	bay.UpdatedAt = bay.UpdatedAt.In(time.UTC)
	return nil
}
