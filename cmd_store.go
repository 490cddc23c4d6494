package main

import (
	"context"
	"errors"
	"fmt"
	"log"

	"smart_bays/internal/config"
	"smart_bays/internal/domain"
	"smart_bays/internal/repository"
	"smart_bays/internal/repository/memory"
	"smart_bays/internal/repository/postgresql"
)

type storeHandle struct {
	store  repository.Store
	events repository.DeviceEventsLogRepository
	close  func()
}

func openStore(cfg *config.Config) (*storeHandle, error) {
	switch cfg.StoreDriver {
	case "memory":
		st := memory.New()
		return &storeHandle{store: st, events: st, close: func() {}}, nil
	case "postgres":
		db, err := postgresql.NewDB(cfg)
		if err != nil {
			return nil, err
		}
		log.Printf("Store: connected to postgres %s:%d/%s via %s", cfg.DBHost, cfg.DBPort, cfg.DBName, cfg.DBDriver)
		return &storeHandle{
			store:  postgresql.NewStore(db),
			events: postgresql.NewPgDeviceEventsLogRepository(db),
			close:  func() { db.Close() },
		}, nil
	}
	return nil, fmt.Errorf("unknown STORE_DRIVER %q (want memory or postgres)", cfg.StoreDriver)
}

// seedBays provisions every catalog bay that does not exist yet. It returns
// the number created.
func seedBays(ctx context.Context, bays repository.BayRepository, catalog *config.Catalog) (int, error) {
	created := 0
	for _, entry := range catalog.Bays {
		_, err := bays.CreateBay(ctx, &domain.Bay{
			Name:      entry.Name,
			ThingName: entry.ThingName,
			SlotID:    entry.SlotID,
			LedState:  domain.LedOff,
		})
		if errors.Is(err, repository.ErrDuplicateEntry) {
			continue
		}
		if err != nil {
			return created, fmt.Errorf("seed bay %q: %w", entry.Name, err)
		}
		created++
	}
	return created, nil
}
