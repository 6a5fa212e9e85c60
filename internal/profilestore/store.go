// Package profilestore persists feedback-learner parameter profiles so a
// restarted learner resumes from its last tuned values.
package profilestore

import (
	"context"
	"fmt"
	"time"
)

// Record is the persisted state of one component's learning profile.
type Record struct {
	SchemaVersion  int                `json:"schema_version"`
	Component      string             `json:"component"`
	Parameters     map[string]float64 `json:"parameters"`
	Stability      float64            `json:"stability"`
	AdaptationRate float64            `json:"adaptation_rate"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

// Store persists profile records keyed by component.
type Store interface {
	Init(ctx context.Context) error
	SaveProfile(ctx context.Context, rec Record) error
	GetProfile(ctx context.Context, component string) (Record, bool, error)
	ListProfiles(ctx context.Context) ([]Record, error)
	Close() error
}

// Backend names accepted by NewStore.
const (
	BackendNone   = "none"
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
)

// NewStore builds an uninitialized store for the backend. The "none"
// backend (and the empty string) yields a nil Store and no error.
func NewStore(backend, sqlitePath string) (Store, error) {
	switch backend {
	case "", BackendNone:
		return nil, nil
	case BackendMemory:
		return NewMemoryStore(), nil
	case BackendSQLite:
		if sqlitePath == "" {
			return nil, fmt.Errorf("sqlite path is required")
		}
		return NewSQLiteStore(sqlitePath), nil
	default:
		return nil, fmt.Errorf("unsupported store backend: %s", backend)
	}
}

func cloneRecord(rec Record) Record {
	params := make(map[string]float64, len(rec.Parameters))
	for k, v := range rec.Parameters {
		params[k] = v
	}
	rec.Parameters = params
	return rec
}
