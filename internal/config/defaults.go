package config

import (
	"runtime"
	"time"
)

// ApplyDefaults sets default values for any zero values in cfg.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Storage.DatabasePath == "" {
		cfg.Storage.DatabasePath = ".shirabe/shirabe.db"
	}
	if cfg.Storage.BleveIndexPath == "" {
		cfg.Storage.BleveIndexPath = ".shirabe/keyword.bleve"
	}
	if cfg.Storage.BoltIndexPath == "" {
		cfg.Storage.BoltIndexPath = ".shirabe/keyword.bolt"
	}
	if cfg.Storage.VectorIndexPath == "" {
		cfg.Storage.VectorIndexPath = ".shirabe/vectors.idx"
	}

	if cfg.Embedding.Backend == "" {
		cfg.Embedding.Backend = "auto"
	}
	if cfg.Embedding.Model == "" {
		cfg.Embedding.Model = "all-MiniLM-L6-v2"
	}
	if cfg.Embedding.APIKeyEnv == "" {
		cfg.Embedding.APIKeyEnv = "OPENAI_API_KEY"
	}
	if cfg.Embedding.Dimensions == 0 {
		cfg.Embedding.Dimensions = 384
	}
	if cfg.Embedding.MaxTokens == 0 {
		cfg.Embedding.MaxTokens = 256
	}
	if cfg.Embedding.CacheSize == 0 {
		cfg.Embedding.CacheSize = 10000
	}

	if cfg.Chunking.MaxWords == 0 {
		cfg.Chunking.MaxWords = 200
	}
	if cfg.Chunking.Overlap == 0 {
		cfg.Chunking.Overlap = 20
	}

	if cfg.Indexing.Workers == 0 {
		cfg.Indexing.Workers = min(runtime.NumCPU(), 8)
	}
	if cfg.Indexing.QueueDepth == 0 {
		cfg.Indexing.QueueDepth = 4
	}
	if cfg.Indexing.Exclude == nil {
		cfg.Indexing.Exclude = []string{"**/.git/**", "**/node_modules/**", "**/.shirabe/**", "**/vendor/**"}
	}
	if cfg.Indexing.Extensions == nil {
		cfg.Indexing.Extensions = []string{
			".txt", ".md", ".markdown", ".rst", ".go", ".py", ".js", ".ts", ".java", ".rs", ".c", ".h",
			".pdf", ".docx", ".xlsx", ".pptx", ".odp", ".ods",
		}
	}
	if cfg.Indexing.MaxFileBytes == 0 {
		cfg.Indexing.MaxFileBytes = 16 << 20
	}

	if cfg.Vector.IndexType == "" {
		cfg.Vector.IndexType = "ivf"
	}
	if cfg.Vector.MinClusters == 0 {
		cfg.Vector.MinClusters = 8
	}
	if cfg.Vector.MaxClusters == 0 {
		cfg.Vector.MaxClusters = 1024
	}
	if cfg.Vector.ProbeClusters == 0 {
		cfg.Vector.ProbeClusters = 8
	}
	if cfg.Vector.MaxClusterSize == 0 {
		cfg.Vector.MaxClusterSize = 2048
	}
	if cfg.Vector.MinClusterSize == 0 {
		cfg.Vector.MinClusterSize = 4
	}
	if cfg.Vector.GraphThreshold == 0 {
		cfg.Vector.GraphThreshold = 20000
	}
	if cfg.Vector.GraphMaxDelta == 0 {
		cfg.Vector.GraphMaxDelta = 2048
	}
	if cfg.Vector.GraphEfFactor == 0 {
		cfg.Vector.GraphEfFactor = 4
	}
	// Negative disables product quantization.
	if cfg.Vector.PQSubquantizers == 0 {
		for _, m := range []int{16, 8, 4} {
			if cfg.Embedding.Dimensions%m == 0 {
				cfg.Vector.PQSubquantizers = m
				break
			}
		}
	}
	if cfg.Vector.PQTrainThreshold == 0 {
		cfg.Vector.PQTrainThreshold = 50000
	}
	if cfg.Vector.PQRetrainThreshold == 0 {
		cfg.Vector.PQRetrainThreshold = 100000
	}

	if cfg.Keyword.Backend == "" {
		cfg.Keyword.Backend = "bleve"
	}
	if cfg.Keyword.K1 == 0 {
		cfg.Keyword.K1 = 1.2
	}
	if cfg.Keyword.B == 0 {
		cfg.Keyword.B = 0.75
	}
	if cfg.Keyword.TitleBoost == 0 {
		cfg.Keyword.TitleBoost = 2.0
	}
	if cfg.Keyword.PhraseBoost == 0 {
		cfg.Keyword.PhraseBoost = 1.5
	}
	if cfg.Keyword.Fuzziness == 0 {
		cfg.Keyword.Fuzziness = 1
	}

	if cfg.Search.DefaultLimit == 0 {
		cfg.Search.DefaultLimit = 10
	}
	if cfg.Search.MaxLimit == 0 {
		cfg.Search.MaxLimit = 100
	}
	if cfg.Search.Candidates == 0 {
		cfg.Search.Candidates = 50
	}
	if cfg.Search.RRFConstant == 0 {
		cfg.Search.RRFConstant = 60
	}
	if cfg.Search.FilenameBoost == 0 {
		cfg.Search.FilenameBoost = 1.2
	}
	if cfg.Search.SnippetLength == 0 {
		cfg.Search.SnippetLength = 240
	}
	if cfg.Search.QueryCacheSize == 0 {
		cfg.Search.QueryCacheSize = 512
	}

	if cfg.Optimizer.Interval == 0 {
		cfg.Optimizer.Interval = 5 * time.Minute
	}
	if cfg.Optimizer.IdleAfter == 0 {
		cfg.Optimizer.IdleAfter = 30 * time.Second
	}
	if cfg.Optimizer.MaxIterations == 0 {
		cfg.Optimizer.MaxIterations = 10
	}

	if cfg.Watch.Debounce == 0 {
		cfg.Watch.Debounce = 500 * time.Millisecond
	}
	// Recursive defaults to true when unset (nil).
	if len(cfg.Watch.Directories) > 0 && cfg.Watch.Recursive == nil {
		t := true
		cfg.Watch.Recursive = &t
	}
}
