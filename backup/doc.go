// Package backup copies a memory directory to a blob store and back.
//
// A backup is a set of zstd-compressed blobs under "<id>/" plus a JSON
// manifest at "<id>/manifest.json" holding the size and SHA-256 of every
// file. The blob "CURRENT" names the newest complete backup; it is
// written last, so a failed backup never becomes current.
//
//	store := blobstore.NewLocalStore("/var/backups/memtier")
//	m, err := mem.Backup(ctx, store)
//	...
//	_, err = backup.Restore(ctx, store, m.ID, "/var/lib/memtier-restored")
//
// Any blobstore.BlobStore works as a target, including blobstore/s3 (with
// an optional DynamoDB-backed CURRENT) and blobstore/minio.
package backup
