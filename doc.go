// Package memtier is an embedded, tiered semantic memory for agents.
//
// Text is embedded once, stored durably in one of three tiers and found
// again by meaning. Records start in Interact, the working set, and are
// promoted to Insights and then Assets as they age and are recalled; stale
// low-value records expire.
//
// # Quick Start
//
//	ctx := context.Background()
//	mem, err := memtier.Open(ctx, "./memory", memtier.WithEmbedder(embedder.NewHash(256)))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer mem.Close()
//
//	id, _ := mem.Remember(ctx, "the deploy key lives in vault", memtier.Interact)
//	hits, _ := mem.Recall(ctx, "where is the deploy key?", memtier.RecallOptions{Limit: 5})
//	for _, h := range hits {
//	    fmt.Println(h.Record.ID, h.Score, h.Record.Text)
//	}
//	_ = mem.Forget(ctx, id)
//
// # Layout
//
// Each tier keeps its records in a SQLite database and its HNSW graph in
// memory, snapshotted to disk on Close. Embeddings are cached in an
// append-only log so the provider is called once per distinct text:
//
//	dir/interact.db   dir/insights.db   dir/assets.db
//	dir/interact.hnsw dir/insights.hnsw dir/assets.hnsw
//	dir/embeddings.wal
//
// A snapshot that disagrees with its database is discarded and the index
// rebuilt; a torn cache log is truncated at the last valid record.
//
// # Background Work
//
// Open starts three loops unless WithoutBackground is given: the promotion
// cycle (hourly by default), the memory budget refresh and the cache TTL
// sweep. All of them share the resource controller's worker slots and IO
// limit, and Close stops them.
//
// # Backups
//
//	id, err := mem.Backup(ctx, blobstore.NewLocalStore("/backups"))
//
// Backups go to any blobstore.BlobStore, including S3 (blobstore/s3) and
// MinIO (blobstore/minio); see package backup for restore and pruning.
package memtier
