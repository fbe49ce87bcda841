package keyword

import (
	"fmt"

	"github.com/hyperjump/shirabe/internal/config"
)

// New opens the configured keyword backend.
func New(cfg config.KeywordConfig, storage config.StorageConfig) (Index, error) {
	switch cfg.Backend {
	case "bleve", "":
		return NewBleveIndex(storage.BleveIndexPath, SearchOptions{
			TitleBoost:   cfg.TitleBoost,
			PhraseBoost:  cfg.PhraseBoost,
			FuzzyEnabled: cfg.Fuzzy,
			Fuzziness:    cfg.Fuzziness,
		})
	case "bm25":
		return NewBM25Index(storage.BoltIndexPath, cfg.K1, cfg.B)
	default:
		return nil, fmt.Errorf("unknown keyword backend: %s (supported: bleve, bm25)", cfg.Backend)
	}
}
