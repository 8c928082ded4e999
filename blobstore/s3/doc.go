// Package s3 provides Amazon S3 implementations of blobstore.BlobStore.
//
// # Usage
//
//	store, err := s3.New(ctx, "my-bucket", "memtier/backups")
//	manifest, err := mem.Backup(ctx, store)
//
// Uploads stream through the SDK's multipart uploader, so a backup never
// needs to fit in memory. Small blobs are written with a single PutObject
// carrying a CRC32C checksum.
//
// DDBCommitStore adds a DynamoDB table that versions the CURRENT pointer
// with conditional writes, so concurrent writers cannot silently
// overwrite each other's latest backup.
package s3
