// Package minio stores memtier backups on MinIO or any other S3-compatible
// server (Ceph, Garage, SeaweedFS) through the minio-go client.
//
//	store, err := minio.New(ctx, minio.Config{
//	    Endpoint:     "localhost:9000",
//	    AccessKey:    "minioadmin",
//	    SecretKey:    "minioadmin",
//	    Bucket:       "memtier",
//	    Prefix:       "backups",
//	    CreateBucket: true,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	id, err := mem.Backup(ctx, store)
//
// No AWS SDK is required, which suits air-gapped deployments.
package minio
