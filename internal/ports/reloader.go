package ports

import "context"

// Reloader tells the web server to re-read its configuration.
//
// Implementations:
//   - reload.CommandReloader: arbitrary operator command
//   - reload.ContainerReloader: `docker exec <name> nginx -s reload`
//   - reload.DiscoveryReloader: first running container of an image
//
// Any failure MUST unwrap to domain.ErrReloadFailure. Reload is never
// called while the deny-list lock is held.
type Reloader interface {
	Reload(ctx context.Context) error

	// Mechanism names the selected mechanism for logs and metrics.
	Mechanism() string
}
