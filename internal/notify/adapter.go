package notify

import "context"

// Adapter delivers rendered content to one destination on one channel.
// Implementations must signal permanent failures (invalid address, dead
// push endpoint, unrecoverable provider rejection) with a *SendError
// whose Permanent field is set; any other error is treated as transient.
type Adapter interface {
	// Channel returns the channel this adapter serves.
	Channel() Channel

	// Send delivers content and returns the provider-assigned reference.
	Send(ctx context.Context, dest Destination, content RenderedContent) (providerRef string, err error)

	// Provider names the underlying provider for the attempt ledger.
	Provider() string
}
