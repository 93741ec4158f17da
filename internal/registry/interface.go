package registry

import "context"

// Registry records which server instances serve which rooms.
type Registry interface {
	AddRoom(ctx context.Context, roomID string) error
	RemoveRoom(ctx context.Context, roomID string) error
	Instances(ctx context.Context, roomID string) ([]string, error)
	StartHeartbeat(ctx context.Context) error
	StopHeartbeat()
	Close() error
}
