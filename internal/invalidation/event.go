// Package invalidation defines the layer republish events consumed from Kafka.
package invalidation

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mohammed-shakir/oceanview/internal/cache/keys"
)

type Op string

const (
	// OpLayer drops one (dataset, date) payload.
	OpLayer Op = "layer"
	// OpDataset drops every date of a dataset.
	OpDataset Op = "dataset"
	// OpAll drops the whole layer cache.
	OpAll Op = "all"
)

type Event struct {
	Version   uint64    `json:"version"`
	Op        Op        `json:"op"`
	DatasetID string    `json:"dataset_id,omitempty"`
	Date      string    `json:"date,omitempty"`
	TS        time.Time `json:"ts"`
	Source    string    `json:"source,omitempty"`
}

var ErrInvalid = errors.New("invalid invalidation event")

func (e Event) Validate() error {
	if e.Version == 0 {
		return fmt.Errorf("%w: version must be > 0", ErrInvalid)
	}
	switch e.Op {
	case OpAll:
		return nil
	case OpDataset:
		if strings.TrimSpace(e.DatasetID) == "" {
			return fmt.Errorf("%w: dataset_id is required", ErrInvalid)
		}
		return nil
	case OpLayer:
		if strings.TrimSpace(e.DatasetID) == "" {
			return fmt.Errorf("%w: dataset_id is required", ErrInvalid)
		}
		if strings.TrimSpace(e.Date) == "" {
			return fmt.Errorf("%w: date is required", ErrInvalid)
		}
		return nil
	default:
		return fmt.Errorf("%w: op must be layer|dataset|all", ErrInvalid)
	}
}

// Scope is the key versions are tracked under: the layer key for OpLayer,
// the dataset prefix for OpDataset and "*" for OpAll.
func (e Event) Scope() string {
	switch e.Op {
	case OpLayer:
		return keys.LayerKey(e.DatasetID, e.Date)
	case OpDataset:
		return keys.DatasetPrefix(e.DatasetID)
	default:
		return "*"
	}
}
