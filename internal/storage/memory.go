package storage

import (
	"context"
	"sync"

	"github.com/brocaar/lorawan"
)

// MemoryBackend keeps the device-session records in memory. State is lost
// on restart.
type MemoryBackend struct {
	mu      sync.RWMutex
	records map[lorawan.EUI64]DeviceSessionRecord
}

// NewMemoryBackend creates a new MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		records: make(map[lorawan.EUI64]DeviceSessionRecord),
	}
}

// SaveDeviceSessionRecord implements Backend.
func (b *MemoryBackend) SaveDeviceSessionRecord(ctx context.Context, r DeviceSessionRecord) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	r.AppSKey = append([]byte{}, r.AppSKey...)
	r.NwkSKey = append([]byte{}, r.NwkSKey...)
	b.records[r.DevEUI] = r
	backendQueryCounter("memory", "save").Inc()

	return nil
}

// GetDeviceSessionRecord implements Backend.
func (b *MemoryBackend) GetDeviceSessionRecord(ctx context.Context, devEUI lorawan.EUI64) (DeviceSessionRecord, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	backendQueryCounter("memory", "get").Inc()

	r, ok := b.records[devEUI]
	if !ok {
		return DeviceSessionRecord{}, ErrDoesNotExist
	}

	return r, nil
}

// DeleteDeviceSessionRecord implements Backend.
func (b *MemoryBackend) DeleteDeviceSessionRecord(ctx context.Context, devEUI lorawan.EUI64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	backendQueryCounter("memory", "delete").Inc()

	if _, ok := b.records[devEUI]; !ok {
		return ErrDoesNotExist
	}
	delete(b.records, devEUI)

	return nil
}

// Ping implements Backend.
func (b *MemoryBackend) Ping(ctx context.Context) error {
	return nil
}

// Close implements Backend.
func (b *MemoryBackend) Close() error {
	return nil
}
