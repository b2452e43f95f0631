package vfs

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/S1riyS/vfs-switch/internal/pkg/kerrors"
	"github.com/S1riyS/vfs-switch/pkg/logging"
)

// MountFunc instantiates a filesystem from source. The returned device must
// have a unique ID.
type MountFunc func(ctx context.Context, source string, flags uint32) (*FSDevice, error)

// Driver is a registered filesystem type.
type Driver struct {
	Name  string
	Mount MountFunc
}

type driverRegistry struct {
	mu      sync.RWMutex
	drivers map[string]*Driver
}

func newDriverRegistry() *driverRegistry {
	return &driverRegistry{drivers: make(map[string]*Driver)}
}

// RegisterFS makes the filesystem type name available to Mount.
func (v *VFS) RegisterFS(ctx context.Context, name string, mount MountFunc) error {
	const op = "vfs.VFS.RegisterFS"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)

	v.drivers.mu.Lock()
	defer v.drivers.mu.Unlock()

	if _, ok := v.drivers.drivers[name]; ok {
		return kerrors.New(kerrors.EEXIST, fmt.Sprintf("filesystem type %q already registered", name))
	}
	v.drivers.drivers[name] = &Driver{Name: name, Mount: mount}

	logger.Debug("Registered filesystem driver", slog.String("fstype", name))
	return nil
}

func (v *VFS) getDriver(name string) (*Driver, error) {
	v.drivers.mu.RLock()
	defer v.drivers.mu.RUnlock()

	drv, ok := v.drivers.drivers[name]
	if !ok {
		return nil, kerrors.New(kerrors.ENODEV, fmt.Sprintf("unknown filesystem type %q", name))
	}
	return drv, nil
}

// FSTypes lists the registered filesystem type names.
func (v *VFS) FSTypes() []string {
	v.drivers.mu.RLock()
	defer v.drivers.mu.RUnlock()

	names := make([]string, 0, len(v.drivers.drivers))
	for name := range v.drivers.drivers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
