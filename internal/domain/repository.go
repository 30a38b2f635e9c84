package domain

import "context"

// ConfigReader интерфейс для чтения конфигурации
type ConfigReader interface {
	ReadConfig(path string) (*Config, error)
}

// SampleReader интерфейс для чтения наборов точек
type SampleReader interface {
	ReadSampleSet(tag Tag, filename string) (*SampleSet, error)
}

// ChargeReader интерфейс для чтения зарядов молекулы
type ChargeReader interface {
	ReadCharges(filename string) ([]Charge, error)
}

// CheckpointStore хранит снимки обучения. A checkpoint is either fully
// present or absent; Load never returns a partially written snapshot.
type CheckpointStore interface {
	Save(ctx context.Context, checkpoint Checkpoint) error
	Load(ctx context.Context, iteration int) (Checkpoint, error)
	Latest(ctx context.Context) (int, bool, error)
}

// HistoryStore журнал потерь, весов, энергии и событий обучения
type HistoryStore interface {
	Init(ctx context.Context) error
	AppendLoss(ctx context.Context, record HistoryRecord) error
	AppendEnergy(ctx context.Context, record EnergyRecord) error
	AppendEvent(ctx context.Context, event Event) error
	Losses(ctx context.Context, d Domain) ([]HistoryRecord, error)
	Energies(ctx context.Context) ([]EnergyRecord, error)
	Events(ctx context.Context) ([]Event, error)
}
