// Package s3 provides an S3 implementation of blobstore.Store.
//
// # Usage
//
//	bs, err := s3.NewFromEnv(ctx, "my-bucket", func(o *s3.Options) {
//	    o.Prefix = "blobs/db1"
//	})
//	st, err := objstore.Open(ctx, bs, size, func(o *objstore.Options) {
//	    o.Sequencer = s3.NewDDBSequencer(ddb, "admem-seq", "blobs/db1")
//	})
//
// # Features
//
//   - Ranged GETs for partial reads
//   - CRC32C checksums on upload, multipart uploads for large objects
//   - Automatic pagination for listing
//   - DynamoDB-backed sequence numbers for multi-writer safety
package s3
