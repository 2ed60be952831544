// Package file implements lanxfer's transfer sessions and the manager that
// owns them.
//
// A sender builds a Manifest (size, whole-file hash, chunk size and the hash
// of every chunk) and offers it over a Link. The receiver validates the
// path, the geometry and the free space, looks for a resumable checkpoint
// and answers with ManifestAccept carrying a bitmap of the chunks it
// already holds, or with a typed ManifestReject.
//
// Each session runs in its own goroutine and moves through
//
//	Negotiating -> Transferring -> Verifying -> Completed
//
// with Cancelled and Failed reachable from every non-terminal state. The
// sender keeps at most Window chunks in flight; an ack admits the next
// pending chunk, a nack or ack timeout puts the chunk back and counts a
// retry. Once every chunk is acked the receiver hashes the reassembled file,
// renames it into place and sends SessionComplete.
//
// The Manager holds the session registry and the per-peer link table. It
// enforces the concurrency limit, runs one read loop per link and routes
// messages to session inboxes. Sessions refer to their link by interface
// and to their peer by id only; the Manager is the single owner of both.
//
// Example:
//
//	mgr, err := file.NewManager(cfg, file.Deps{Pool: pool, Monitor: mon, Resume: rc})
//	if err != nil {
//	    return err
//	}
//	mgr.AddLink(channel)
//	s, err := mgr.SendFile(ctx, peerID, "/home/me/video.mkv", "video.mkv")
//	if err != nil {
//	    return err
//	}
//	err = s.Wait(ctx)
package file
