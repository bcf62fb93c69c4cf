// Package store is the durable key-value collaborator backing credential and
// provider-record persistence. Consistency is last-write-wins; the gateway
// deliberately avoids distributed coordination over key state.
package store

import "context"

type Store interface {
	// Get returns the value for key and whether it was present.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	// List returns every key with the given prefix.
	List(ctx context.Context, prefix string) ([]string, error)
}
