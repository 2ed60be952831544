// Package hotfile detects files that change while a transfer is reading or
// writing them.
//
// Each path has a monotonic epoch. The Monitor watches the parent directory
// of every watched path with fsnotify and bumps the path's epoch once a burst
// of change events has been quiet for the debounce interval. Epochs are kept
// in an EpochStore so they survive restarts; resume checkpoints record the
// epoch they were taken under and are discarded when it moves.
//
// Guard protects a source file: it captures the epoch and a size/mtime/inode
// fingerprint when created and Check fails with ErrChanged as soon as either
// moves. A change event still inside its debounce window already fails
// Check. WriteGuard protects a file the caller itself is writing: Record
// after each own write, Verify before the next one.
package hotfile
