// Package application publishes the events of the paired device (joins and
// decrypted uplink payloads) to the application.
package application

import (
	"context"

	"github.com/brocaar/chirpstack-api/go/v3/as/integration"
)

// Backend is the interface of an application backend.
type Backend interface {
	SendUplinkEvent(ctx context.Context, pl integration.UplinkEvent) error
	SendJoinEvent(ctx context.Context, pl integration.JoinEvent) error
	Close() error
}

// NopBackend is used when no application integration is configured.
type NopBackend struct{}

// SendUplinkEvent does nothing.
func (n *NopBackend) SendUplinkEvent(ctx context.Context, pl integration.UplinkEvent) error {
	return nil
}

// SendJoinEvent does nothing.
func (n *NopBackend) SendJoinEvent(ctx context.Context, pl integration.JoinEvent) error {
	return nil
}

// Close does nothing.
func (n *NopBackend) Close() error {
	return nil
}
