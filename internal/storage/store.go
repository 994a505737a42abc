// Package storage is the persistent index under <cache>/index: install
// records and run history, keyed by bucket.
package storage

import "errors"

var ErrNotFound = errors.New("not found")

const (
	BucketInstalls = "installs"
	BucketRuns     = "runs"
)

type Store interface {
	Put(bucket, key string, value []byte) error
	Get(bucket, key string) ([]byte, error)
	ForEach(bucket string, fn func(key, value []byte) error) error
	Delete(bucket, key string) error
	Close() error
}
