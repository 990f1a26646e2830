// Package minio mirrors cache entries to MinIO or any S3-compatible bucket.
//
// Objects live under <prefix>/<fp[:2]>/<fp>/ with the same entry.json commit
// marker as the local store. Lookups download the objects into a local
// staging directory so callers always receive local file paths.
package minio
