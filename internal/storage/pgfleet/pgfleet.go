package pgfleet

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

type Storage struct {
	db *pgxpool.Pool

	// capability-таблица: какие опциональные колонки реально есть у бэкенда.
	// Старые схемы не знают про speed/heading/altitude — пишем без них,
	// а не падаем.
	sessionCols    map[string]bool
	hasDisplayName bool
}

func New(connString string) (*Storage, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, errors.Wrap(err, "parse pg config")
	}

	db, err := pgxpool.NewWithConfig(context.Background(), cfg)
	if err != nil {
		return nil, errors.Wrap(err, "connect pg")
	}

	s := &Storage{db: db}
	if err := s.initSchema(context.Background()); err != nil {
		return nil, err
	}
	if err := s.probeCapabilities(context.Background()); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *Storage) Close() {
	if s.db != nil {
		s.db.Close()
	}
}

func (s *Storage) probeCapabilities(ctx context.Context) error {
	rows, err := s.db.Query(ctx, `
SELECT table_name, column_name
FROM information_schema.columns
WHERE table_schema = current_schema()
  AND table_name IN ('tracking_sessions', 'devices')
`)
	if err != nil {
		return errors.Wrap(err, "probe capabilities")
	}
	defer rows.Close()

	s.sessionCols = map[string]bool{}
	for rows.Next() {
		var table, col string
		if err := rows.Scan(&table, &col); err != nil {
			return errors.Wrap(err, "scan capability row")
		}
		switch table {
		case "tracking_sessions":
			s.sessionCols[col] = true
		case "devices":
			if col == "display_name" {
				s.hasDisplayName = true
			}
		}
	}
	return errors.Wrap(rows.Err(), "rows")
}

// SupportsSessionColumn сообщает, знает ли текущая схема данную колонку.
func (s *Storage) SupportsSessionColumn(col string) bool {
	return s.sessionCols[col]
}
