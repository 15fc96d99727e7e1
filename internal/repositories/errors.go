package repositories

import "errors"

// ErrNotFound is returned by repository methods when the requested record
// does not exist. Callers check with errors.Is to distinguish missing records
// from other database errors.
var ErrNotFound = errors.New("record not found")

// ErrConflict is returned when an insert violates a unique constraint, for
// example a duplicate filter record for the same content item.
var ErrConflict = errors.New("record already exists")

// ErrLockHeld is returned by LockRepository.Acquire when another holder owns
// an unexpired lease on the lock name.
var ErrLockHeld = errors.New("lock held by another holder")

// ErrConfigNotFound is returned by the settings loaders when none of the
// requested keys exist, meaning the channel is simply not configured.
var ErrConfigNotFound = errors.New("configuration not found")
