package file

import (
	"context"

	"github.com/google/uuid"

	"github.com/opd-ai/lanxfer/wire"
)

// Link is an established, authenticated message channel to one peer.
// *transport.Channel satisfies it. Sessions use a Link without owning it.
type Link interface {
	ID() uuid.UUID
	PeerID() string
	Send(ctx context.Context, m wire.Message) error
	Receive(ctx context.Context) (wire.Message, error)
	Close() error
	Done() <-chan struct{}
}
