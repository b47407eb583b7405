// Package store defines the primitives of a simple key/value storage.
package store

// Readable is the interface for a readable store.
type Readable interface {
	// Get returns the value of the key, or nil if it is not set.
	Get(key []byte) ([]byte, error)
}

// Writable is the interface for a writable store.
type Writable interface {
	Set(key []byte, value []byte) error

	Delete(key []byte) error
}

// Snapshot is a state of the store that can be read and written
// independently.
type Snapshot interface {
	Readable
	Writable
}
