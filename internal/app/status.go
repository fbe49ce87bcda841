package app

import (
	"context"

	"github.com/hyperjump/shirabe/internal/storage"
	"github.com/hyperjump/shirabe/internal/vector"
)

// Status summarizes what is indexed and where it lives.
type Status struct {
	Documents      int64        `json:"documents"`
	Chunks         int64        `json:"chunks"`
	Embeddings     int64        `json:"embeddings"`
	KeywordDocs    uint64       `json:"keyword_docs"`
	Vectors        vector.Stats `json:"vectors"`
	Model          string       `json:"model"`
	Backend        string       `json:"backend"`
	KeywordBackend string       `json:"keyword_backend"`
	DiskUsageBytes int64        `json:"disk_usage_bytes"`
	Paths          StatusPaths  `json:"paths"`
}

// StatusPaths lists the on-disk locations of the store and indexes.
type StatusPaths struct {
	Database string `json:"database"`
	Keyword  string `json:"keyword"`
	Vector   string `json:"vector"`
}

// Status collects counts, index statistics and disk usage.
func (a *App) Status(ctx context.Context) (*Status, error) {
	st := &Status{
		Vectors:        a.Vectors.Stats(),
		Model:          a.Embedder.Model(),
		Backend:        a.Embedder.Kind().String(),
		KeywordBackend: a.Config.Keyword.Backend,
		Paths: StatusPaths{
			Database: a.Config.Storage.DatabasePath,
			Keyword:  a.keywordPath(),
			Vector:   a.Config.Storage.VectorIndexPath,
		},
	}
	var err error
	if st.Documents, err = a.Store.CountDocuments(ctx); err != nil {
		return nil, err
	}
	if st.Chunks, err = a.Store.CountChunks(ctx); err != nil {
		return nil, err
	}
	if st.Embeddings, err = a.Store.CountEmbeddings(ctx); err != nil {
		return nil, err
	}
	if st.KeywordDocs, err = a.Keywords.DocCount(); err != nil {
		return nil, err
	}
	if st.DiskUsageBytes, err = storage.DiskUsageBytes(st.Paths.Database, st.Paths.Keyword, st.Paths.Vector); err != nil {
		return nil, err
	}
	return st, nil
}

func (a *App) keywordPath() string {
	if a.Config.Keyword.Backend == "bm25" {
		return a.Config.Storage.BoltIndexPath
	}
	return a.Config.Storage.BleveIndexPath
}
