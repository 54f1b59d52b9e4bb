package test

import (
	"context"
	"sync"

	"github.com/brocaar/chirpstack-api/go/v3/as/integration"
)

// ApplicationBackend is a test application backend.
type ApplicationBackend struct {
	sync.Mutex

	UplinkEvents []integration.UplinkEvent
	JoinEvents   []integration.JoinEvent

	SendUplinkEventErr error
}

// NewApplicationBackend returns a new ApplicationBackend.
func NewApplicationBackend() *ApplicationBackend {
	return &ApplicationBackend{}
}

// SendUplinkEvent method.
func (b *ApplicationBackend) SendUplinkEvent(ctx context.Context, pl integration.UplinkEvent) error {
	b.Lock()
	defer b.Unlock()
	b.UplinkEvents = append(b.UplinkEvents, pl)
	return b.SendUplinkEventErr
}

// SendJoinEvent method.
func (b *ApplicationBackend) SendJoinEvent(ctx context.Context, pl integration.JoinEvent) error {
	b.Lock()
	defer b.Unlock()
	b.JoinEvents = append(b.JoinEvents, pl)
	return nil
}

// Close method.
func (b *ApplicationBackend) Close() error {
	return nil
}
