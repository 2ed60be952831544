// Package lanxfer implements secure, resumable file transfer between peers
// on a local network.
//
// Peers authenticate each other with a Noise XX handshake, then exchange
// files as integrity-checked chunks over the encrypted channel. Progress is
// checkpointed on the receiving side so an interrupted transfer continues
// where it stopped, and changes to a file during a transfer are detected
// and abort the session instead of producing a corrupted copy.
//
// # Getting Started
//
//	options := lanxfer.NewOptions()
//	options.DownloadDir = "/srv/incoming"
//
//	node, err := lanxfer.New(options)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer node.Close()
//
//	if err := node.Listen(""); err != nil {
//	    log.Fatal(err)
//	}
//
//	peer, _ := discovery.ParsePeer("bob@192.168.1.20:47810")
//	if err := node.Connect(ctx, peer); err != nil {
//	    log.Fatal(err)
//	}
//
//	session, err := node.SendFile(ctx, peer.ID, "/home/alice/video.mkv", "video.mkv")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	err = session.Wait(ctx)
//
// # Core Types
//
//   - [Node]: owns the identity, listener and session manager
//   - [Options]: configuration, with defaults from [NewOptions]
//
// # Subsystems
//
// The node wires together the packages that do the work:
//
//   - transport and noise: the encrypted channel and its handshake
//   - wire: the binary message codec and framing
//   - file: manifests, chunk tables, and the sender and receiver state machines
//   - resume: checkpoints of acknowledged chunks
//   - hotfile: change detection on files being sent or written
//   - catalog: durable change epochs and transfer history
//   - metrics: Prometheus collectors
//
// Peer discovery is consumed through [discovery.Source]; see [Node.Watch].
package lanxfer
