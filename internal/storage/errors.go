package storage

import "errors"

var (
	ErrDatabaseDirInUse = errors.New("storage: data directory is locked by another process")
	ErrColumnCollision  = errors.New("storage: column prefix collision")
	ErrForeignColumn    = errors.New("storage: column belongs to a different engine")
	ErrEngineClosed     = errors.New("storage: engine is closed")
)
