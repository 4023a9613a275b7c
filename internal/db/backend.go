package db

import "time"

// Backend is the contract both the snapshot engine and the relational
// (SQL) engine implement. Every operation is a method on a connected
// backend, and operations may be called from concurrent goroutines. The
// snapshot engine serializes every operation behind one mutex per
// connected backend; the SQL engine has no mutex of its own and leaves
// concurrent access to database/sql's connection pool and SQLite's
// locking (busy timeout), with only SaveFunction, SaveExternalFiles and
// DeleteCall grouped into transactions.
type Backend interface {
	// Connect opens or creates the backing store at path.
	Connect(path string) error

	// Close flushes the store and releases it. Close must not be
	// interruptible by the process-wide cancel signal, so the driver
	// always completes a save once it has started one.
	Close() error

	// FindFunction returns the previously recorded digest for name, or
	// ("", false) if no record exists.
	FindFunction(name string) (digest string, found bool, err error)

	// SaveFunction overwrites the function's digest. If the new digest
	// differs from the previously recorded one, every call, call-file,
	// and external-deps record for this function-name is deleted as
	// part of the same operation (the cascade invalidation spec.md §3
	// requires).
	SaveFunction(name, digest string) error

	// FindCall returns the call-id and previously recorded result for
	// (name, bound), or (NoCallID, nil, false) if absent.
	FindCall(name, bound string) (callID int64, result []byte, found bool, err error)

	// SaveCall inserts or updates the call record, returning the final
	// call-id (a new id is minted when priorCallID is NoCallID).
	SaveCall(name string, priorCallID int64, bound string, result []byte) (callID int64, err error)

	// FindCallFile returns the previously recorded digest of path for
	// the given call, or (nil, false) if absent.
	FindCallFile(callID int64, name, path string) (digest []byte, found bool, err error)

	// SaveCallFile inserts or updates a call-file record.
	SaveCallFile(callID int64, name, path string, digest []byte) error

	// FindExternalSrcs and FindExternalDsts return the set of paths
	// discovered during a call's execution (as opposed to those present
	// in its declared argument list).
	FindExternalSrcs(callID int64, name string) ([]string, error)
	FindExternalDsts(callID int64, name string) ([]string, error)

	// SaveExternalFiles records the external sources, destinations, and
	// their digests discovered during a call's execution.
	SaveExternalFiles(name string, callID int64, srcs, dsts []string, digests map[string][]byte) error

	// FindFile and SaveFile implement table A (file-digest records) so
	// that the snapshot engine can serialize them alongside the other
	// four tables.
	FindFile(path string) (mtime time.Time, digest []byte, found bool, err error)
	SaveFile(path string, mtime time.Time, digest []byte) error

	// DumpCalls returns every recorded call, keyed by function name and
	// then by bound-argument string, for the driver's --config-dump/
	// --config-query/--config-remove surface (spec.md §6): the call
	// table is the closest thing this engine has to a nested
	// configuration tree, with the function name as the first path
	// segment and the bound arguments as the second.
	DumpCalls() (map[string]map[string][]byte, error)

	// DeleteCall removes exactly one call record (and its call-files and
	// external-deps), leaving every other function's and every sibling
	// call's records untouched.
	DeleteCall(name, bound string) error
}
