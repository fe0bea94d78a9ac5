package memory

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by every tier. Callers match with errors.Is.
var (
	// ErrIntegrity reports a checksum mismatch on a stored record.
	ErrIntegrity = errors.New("memory: integrity check failed")

	// ErrCorruption reports a record that could not be recovered from any backup.
	ErrCorruption = errors.New("memory: record corrupted and unrecoverable")

	ErrCapacityExceeded = errors.New("memory: capacity exceeded")
	ErrSerialization    = errors.New("memory: serialization failed")
	ErrBackup           = errors.New("memory: backup failed")
	ErrNotInitialized   = errors.New("memory: engine not initialized")
	ErrSchemaMigration  = errors.New("memory: schema migration failed")

	ErrNotFound = errors.New("memory: not found")
	ErrShutdown = errors.New("memory: engine shut down")
)

// MigrationError is returned when a schema migration step fails.
// LastVersion is the last version that was fully applied.
type MigrationError struct {
	LastVersion int
	Step        int
	Err         error
}

func (e *MigrationError) Error() string {
	return fmt.Sprintf("memory: schema migration to v%d failed (last applied v%d): %v",
		e.Step, e.LastVersion, e.Err)
}

// Unwrap exposes both the taxonomy kind and the underlying cause.
func (e *MigrationError) Unwrap() []error {
	return []error{ErrSchemaMigration, e.Err}
}
