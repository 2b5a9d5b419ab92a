// Package device provides the stable identity this installation presents
// to the auth server. The id labels sessions; it is never a credential.
package device

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"github.com/alexjbarnes/sessionkeeper/internal/models"
	"github.com/alexjbarnes/sessionkeeper/internal/storage"
	"github.com/google/uuid"
)

// UserAgent is sent in device_info and as the HTTP User-Agent.
const UserAgent = "sessionkeeper/1.0"

// Identity lazily loads or creates the device id.
type Identity struct {
	kv   storage.Store
	name string

	mu sync.Mutex
	id string
}

// New returns an Identity persisted in kv. name is a human label for the
// device; an empty name falls back to the host platform.
func New(kv storage.Store, name string) *Identity {
	return &Identity{kv: kv, name: name}
}

// ID returns the device id, generating and persisting a random UUID the
// first time.
func (d *Identity) ID(ctx context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.id != "" {
		return d.id, nil
	}

	id, ok, err := storage.GetOne(ctx, d.kv, storage.KeyDeviceID)
	if err != nil {
		return "", fmt.Errorf("loading device id: %w", err)
	}

	if !ok || id == "" {
		id = uuid.NewString()
		if err := d.kv.Set(ctx, map[string]string{storage.KeyDeviceID: id}); err != nil {
			return "", fmt.Errorf("saving device id: %w", err)
		}
	}

	d.id = id

	return id, nil
}

// Info returns the device_info payload for session-creating requests.
func (d *Identity) Info(ctx context.Context) (models.DeviceInfo, error) {
	id, err := d.ID(ctx)
	if err != nil {
		return models.DeviceInfo{}, err
	}

	name := d.name
	if name == "" {
		name = runtime.GOOS + "/" + runtime.GOARCH
	}

	return models.DeviceInfo{
		DeviceID:  id,
		Name:      name,
		Platform:  runtime.GOOS,
		UserAgent: UserAgent,
	}, nil
}
