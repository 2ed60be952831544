// Package resume persists partial-transfer progress so an interrupted
// transfer can continue where it stopped.
//
// A Checkpoint records which chunks of a file the receiver has verified and
// written, together with the hot-file epoch of the destination at the time.
// Checkpoints live one per (path, whole-file hash) in a directory, named
//
//	<xxhash64(path) as 16 hex digits>-<file hash as 16 hex digits>.ckpt
//
// and are written with temp file, fsync, rename and directory fsync, so a
// crash leaves either the previous checkpoint or the new one.
//
// Controller.Lookup only returns a checkpoint whose epoch is still current
// and whose geometry matches the offered manifest; anything else is deleted.
package resume
