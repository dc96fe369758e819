package main

import (
	"log"
	"path/filepath"

	"voxelguard.ai/internal/blockprops"
	"voxelguard.ai/internal/config"
	"voxelguard.ai/internal/persistence/indexdb"
	persistlog "voxelguard.ai/internal/persistence/log"
)

// indexBackends are the secondary audit destinations. Either may be nil.
type indexBackends struct {
	sqlite *indexdb.SQLiteIndex
	d1     *indexdb.D1Index
}

func openIndexBackends(dataDir string, ix config.Index, cat *blockprops.Catalog, logger *log.Logger) (*indexBackends, error) {
	b := &indexBackends{}
	if ix.SQLite() {
		idx, err := indexdb.OpenSQLite(filepath.Join(dataDir, "index", "audit.sqlite"))
		if err != nil {
			return nil, err
		}
		if cat != nil {
			if err := idx.UpsertCatalog(cat); err != nil {
				logger.Printf("upsert catalog: %v", err)
			}
		}
		b.sqlite = idx
	}
	if ix.D1() {
		idx, err := indexdb.OpenD1(indexdb.D1Config{
			Endpoint:      ix.D1URL,
			Token:         ix.D1Token,
			Node:          ix.Node,
			BatchSize:     ix.D1Batch,
			FlushInterval: ix.D1Flush,
			Logger:        logger,
		})
		if err != nil {
			b.Close()
			return nil, err
		}
		b.d1 = idx
	}
	return b, nil
}

func (b *indexBackends) writers() []persistlog.EntryWriter {
	var out []persistlog.EntryWriter
	if b.sqlite != nil {
		out = append(out, b.sqlite)
	}
	if b.d1 != nil {
		out = append(out, b.d1)
	}
	return out
}

func (b *indexBackends) Close() {
	if b.sqlite != nil {
		_ = b.sqlite.Close()
	}
	if b.d1 != nil {
		_ = b.d1.Close()
	}
}
