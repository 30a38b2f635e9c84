package infrastructure

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"xpinn-pbe/internal/domain"
)

const (
	HistoryMemory = "memory"
	HistorySQLite = "sqlite"
)

// NewHistoryStore выбирает реализацию журнала по имени backend.
func NewHistoryStore(kind, sqlitePath, runID string) (domain.HistoryStore, error) {
	switch kind {
	case "", HistoryMemory:
		return NewMemoryHistoryStore(), nil
	case HistorySQLite:
		return NewSQLiteHistoryStore(sqlitePath, runID), nil
	default:
		return nil, domain.NewConfigurationError("history_backend", "unsupported backend %q", kind)
	}
}

// RunIDFor возвращает ключ журнала для запуска. A fresh run gets a new id;
// a run resumed from a checkpoint keeps the id stored in that checkpoint so
// its history continues the earlier records.
func RunIDFor(ctx context.Context, store domain.CheckpointStore, resumeFrom int, resume bool) (string, error) {
	if !resume {
		return uuid.NewString(), nil
	}
	cp, err := store.Load(ctx, resumeFrom)
	if err != nil {
		return "", err
	}
	if cp.RunID == "" {
		return uuid.NewString(), nil
	}
	return cp.RunID, nil
}

func CloseIfSupported(store domain.HistoryStore) error {
	closer, ok := store.(interface{ Close() error })
	if !ok {
		return nil
	}
	return closer.Close()
}

func errNotInitialized(store string) error {
	return fmt.Errorf("%s history store is not initialized", store)
}
