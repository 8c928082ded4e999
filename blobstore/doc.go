// Package blobstore is the storage abstraction backups are written to.
//
// # Built-in Implementations
//
//   - LocalStore: a directory on the local file system
//   - MemoryStore: in-process, for tests
//   - s3.Store: Amazon S3 with multipart streaming uploads
//   - s3.DDBCommitStore: S3 plus a DynamoDB-versioned CURRENT pointer
//   - minio.Store: MinIO and other S3-compatible services
//
// # Custom Implementations
//
//	type BlobStore interface {
//	    Open(ctx, name) (Blob, error)
//	    Create(ctx, name) (WritableBlob, error)
//	    Put(ctx, name, data) error
//	    Delete(ctx, name) error
//	    List(ctx, prefix) ([]string, error)
//	}
//
// Writes through Create become visible only on a successful Close, so a
// reader never sees a partial blob.
package blobstore
