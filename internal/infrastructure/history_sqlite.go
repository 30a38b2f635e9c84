package infrastructure

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"sync"

	_ "modernc.org/sqlite"

	"xpinn-pbe/internal/domain"
)

// SQLiteHistoryStore пишет журнал обучения в файл SQLite. Rows are keyed by
// run id, so one database may hold several runs; re-recording an iteration
// after a resume replaces the earlier row.
type SQLiteHistoryStore struct {
	path  string
	runID string

	mu sync.RWMutex
	db *sql.DB
}

func NewSQLiteHistoryStore(path, runID string) *SQLiteHistoryStore {
	return &SQLiteHistoryStore{path: path, runID: runID}
}

func (s *SQLiteHistoryStore) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.path == "" {
		return errors.New("sqlite path is required")
	}
	if s.db != nil {
		return nil
	}

	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return err
	}
	if err := createHistoryTables(ctx, db); err != nil {
		_ = db.Close()
		return err
	}

	s.db = db
	return nil
}

func (s *SQLiteHistoryStore) RunID() string {
	return s.runID
}

func (s *SQLiteHistoryStore) AppendLoss(ctx context.Context, record domain.HistoryRecord) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var validation sql.NullFloat64
	if record.HasValidation {
		validation = sql.NullFloat64{Float64: record.Validation, Valid: true}
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO losses (run_id, iteration, domain, phase, total, validation)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, iteration, domain) DO UPDATE SET
			phase = excluded.phase,
			total = excluded.total,
			validation = excluded.validation
	`, s.runID, record.Iteration, record.Domain.String(), record.Phase.String(), record.Total, validation); err != nil {
		return fmt.Errorf("insert loss %d/%s: %w", record.Iteration, record.Domain, err)
	}

	for _, tag := range domain.SortedTags(record.Losses) {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO loss_terms (run_id, iteration, domain, tag, loss, weight)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(run_id, iteration, domain, tag) DO UPDATE SET
				loss = excluded.loss,
				weight = excluded.weight
		`, s.runID, record.Iteration, record.Domain.String(), string(tag), record.Losses[tag], record.Weights[tag]); err != nil {
			return fmt.Errorf("insert loss term %d/%s/%s: %w", record.Iteration, record.Domain, tag, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteHistoryStore) AppendEnergy(ctx context.Context, record domain.EnergyRecord) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO energies (run_id, iteration, energy, error)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(run_id, iteration) DO UPDATE SET
			energy = excluded.energy,
			error = excluded.error
	`, s.runID, record.Iteration, finiteOrNull(record.Energy), record.Err)
	return err
}

func (s *SQLiteHistoryStore) AppendEvent(ctx context.Context, event domain.Event) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO events (run_id, iteration, kind, message)
		VALUES (?, ?, ?, ?)
	`, s.runID, event.Iteration, string(event.Kind), event.Message)
	return err
}

func (s *SQLiteHistoryStore) Losses(ctx context.Context, d domain.Domain) ([]domain.HistoryRecord, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `
		SELECT iteration, phase, total, validation FROM losses
		WHERE run_id = ? AND domain = ?
		ORDER BY iteration
	`, s.runID, d.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []domain.HistoryRecord
	index := make(map[int]int)
	for rows.Next() {
		var (
			record     = domain.HistoryRecord{Domain: d, Losses: make(map[domain.Tag]float64), Weights: make(domain.WeightTable)}
			phase      string
			validation sql.NullFloat64
		)
		if err := rows.Scan(&record.Iteration, &phase, &record.Total, &validation); err != nil {
			return nil, err
		}
		if record.Phase, err = domain.ParsePhase(phase); err != nil {
			return nil, fmt.Errorf("loss row %d: %w", record.Iteration, err)
		}
		record.Validation, record.HasValidation = validation.Float64, validation.Valid
		index[record.Iteration] = len(records)
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	terms, err := db.QueryContext(ctx, `
		SELECT iteration, tag, loss, weight FROM loss_terms
		WHERE run_id = ? AND domain = ?
	`, s.runID, d.String())
	if err != nil {
		return nil, err
	}
	defer terms.Close()

	for terms.Next() {
		var (
			iteration    int
			tag          string
			loss, weight float64
		)
		if err := terms.Scan(&iteration, &tag, &loss, &weight); err != nil {
			return nil, err
		}
		i, ok := index[iteration]
		if !ok {
			continue
		}
		records[i].Losses[domain.Tag(tag)] = loss
		records[i].Weights[domain.Tag(tag)] = weight
	}
	return records, terms.Err()
}

func (s *SQLiteHistoryStore) Energies(ctx context.Context) ([]domain.EnergyRecord, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `
		SELECT iteration, energy, error FROM energies
		WHERE run_id = ?
		ORDER BY iteration
	`, s.runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.EnergyRecord
	for rows.Next() {
		var (
			record domain.EnergyRecord
			energy sql.NullFloat64
		)
		if err := rows.Scan(&record.Iteration, &energy, &record.Err); err != nil {
			return nil, err
		}
		record.Energy = math.NaN()
		if energy.Valid {
			record.Energy = energy.Float64
		}
		out = append(out, record)
	}
	return out, rows.Err()
}

func (s *SQLiteHistoryStore) Events(ctx context.Context) ([]domain.Event, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `
		SELECT iteration, kind, message FROM events
		WHERE run_id = ?
		ORDER BY seq
	`, s.runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Event
	for rows.Next() {
		var (
			event domain.Event
			kind  string
		)
		if err := rows.Scan(&event.Iteration, &kind, &event.Message); err != nil {
			return nil, err
		}
		event.Kind = domain.EventKind(kind)
		out = append(out, event)
	}
	return out, rows.Err()
}

func (s *SQLiteHistoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *SQLiteHistoryStore) getDB() (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return nil, errNotInitialized("sqlite")
	}
	return s.db, nil
}

func finiteOrNull(v float64) sql.NullFloat64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: v, Valid: true}
}

func createHistoryTables(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS losses (
			run_id TEXT NOT NULL,
			iteration INTEGER NOT NULL,
			domain TEXT NOT NULL,
			phase TEXT NOT NULL,
			total REAL NOT NULL,
			validation REAL,
			PRIMARY KEY (run_id, iteration, domain)
		);
		CREATE TABLE IF NOT EXISTS loss_terms (
			run_id TEXT NOT NULL,
			iteration INTEGER NOT NULL,
			domain TEXT NOT NULL,
			tag TEXT NOT NULL,
			loss REAL NOT NULL,
			weight REAL NOT NULL,
			PRIMARY KEY (run_id, iteration, domain, tag)
		);
		CREATE TABLE IF NOT EXISTS energies (
			run_id TEXT NOT NULL,
			iteration INTEGER NOT NULL,
			energy REAL,
			error TEXT NOT NULL,
			PRIMARY KEY (run_id, iteration)
		);
		CREATE TABLE IF NOT EXISTS events (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			iteration INTEGER NOT NULL,
			kind TEXT NOT NULL,
			message TEXT NOT NULL
		);
	`)
	return err
}
