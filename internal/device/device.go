// Package device models the logical compute devices a model can be placed
// on. A Device owns its parameter allocations and counts every activation
// copy that crosses onto it, so placement and transfer behaviour stay
// observable. All copies are synchronous; there is no implicit movement.
package device

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"
)

var (
	// ErrNoDevices is returned when an operation requires at least one device.
	ErrNoDevices = errors.New("device: empty device list")
	// ErrOutOfMemory is returned when a reservation exceeds a device's capacity.
	ErrOutOfMemory = errors.New("device: out of memory")
)

// Device is a named logical compute slot. Parameters are reserved against
// its capacity; activation copies onto it are counted by CopyIn.
type Device struct {
	id       string
	index    int
	capacity int64 // bytes, 0 means unlimited

	mu          sync.Mutex
	reserved    int64
	transfersIn int64
	bytesIn     int64
}

// ID returns the device identifier, e.g. "cpu:1".
func (d *Device) ID() string { return d.id }

// Index returns the device's position in the host registry.
func (d *Device) Index() int { return d.index }

// Reserve accounts n bytes of parameter storage against the device.
// It fails with ErrOutOfMemory when the device has a capacity and the
// reservation would exceed it.
func (d *Device) Reserve(n int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.capacity > 0 && d.reserved+n > d.capacity {
		return fmt.Errorf("%w: %s holds %d bytes, cannot reserve %d more (capacity %d)",
			ErrOutOfMemory, d.id, d.reserved, n, d.capacity)
	}
	d.reserved += n
	return nil
}

// Release returns n bytes of parameter storage to the device.
func (d *Device) Release(n int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reserved -= n
	if d.reserved < 0 {
		d.reserved = 0
	}
}

// ReservedBytes reports the bytes currently reserved on the device.
func (d *Device) ReservedBytes() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reserved
}

// CopyIn copies x into fresh storage owned by the device and returns it.
// The copy is synchronous: the result is fully populated on return. The
// transfer is counted even when src already lives on this device's side of
// a boundary, since the caller decided a boundary was crossed.
func (d *Device) CopyIn(x []float32) []float32 {
	out := make([]float32, len(x))
	copy(out, x)
	d.mu.Lock()
	d.transfersIn++
	d.bytesIn += int64(len(x)) * 4
	d.mu.Unlock()
	return out
}

// TransfersIn reports how many CopyIn calls the device has received.
func (d *Device) TransfersIn() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.transfersIn
}

// BytesIn reports how many bytes have been copied onto the device.
func (d *Device) BytesIn() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.bytesIn
}

// Registry enumerates the devices available on this host.
type Registry struct {
	list []*Device
	byID map[string]*Device
}

// NewRegistry creates a registry of n devices named cpu:0 .. cpu:n-1 with
// unlimited capacity.
func NewRegistry(n int) *Registry {
	return NewRegistryWithCapacity(n, 0)
}

// NewRegistryWithCapacity creates a registry of n devices that each hold at
// most capacity bytes of parameters. capacity 0 means unlimited.
func NewRegistryWithCapacity(n int, capacity int64) *Registry {
	if n < 0 {
		n = 0
	}
	r := &Registry{byID: make(map[string]*Device, n)}
	for i := 0; i < n; i++ {
		d := &Device{
			id:       fmt.Sprintf("cpu:%d", i),
			index:    i,
			capacity: capacity,
		}
		r.list = append(r.list, d)
		r.byID[d.id] = d
	}
	return r
}

// Detect returns the host registry: one logical device per CPU.
func Detect() *Registry {
	return NewRegistry(runtime.NumCPU())
}

// List returns the registry's devices in index order.
func (r *Registry) List() []*Device {
	out := make([]*Device, len(r.list))
	copy(out, r.list)
	return out
}

// Resolve maps device identifiers to devices, in order. It fails on an
// empty list, on an identifier not present in the registry, and on a
// duplicated identifier.
func (r *Registry) Resolve(ids []string) ([]*Device, error) {
	if len(ids) == 0 {
		return nil, ErrNoDevices
	}
	seen := make(map[string]bool, len(ids))
	out := make([]*Device, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		d, ok := r.byID[id]
		if !ok {
			return nil, fmt.Errorf("device: unknown device %q (host has %d devices)", id, len(r.list))
		}
		if seen[id] {
			return nil, fmt.Errorf("device: duplicate device %q", id)
		}
		seen[id] = true
		out = append(out, d)
	}
	return out, nil
}

// ParseList splits a comma-separated device list like "cpu:0,cpu:1".
func ParseList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
