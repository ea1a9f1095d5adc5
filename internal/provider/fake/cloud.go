// Package fake provides an in-memory cloud for tests.
//
// Stop and Detach complete lazily: the instance or volume reports its
// transitional state for a configurable number of describe calls before
// settling, which exercises the pollers the same way the real API does.
package fake

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/yairfalse/fleetreaper/internal/provider"
	"github.com/yairfalse/fleetreaper/pkg/fleet"
)

// Cloud is an in-memory provider.Cloud.
type Cloud struct {
	*LogBackend

	mu        sync.Mutex
	region    string
	instances map[string]*fleet.Instance
	order     []string
	volumes   map[string]*fleet.Volume
	volOrder  []string
	pending   map[string]int
	failures  map[string]error
	calls     []string

	// StopDelay is how many DescribeInstance calls a stopping instance
	// reports "stopping" before it reports "stopped". Negative never stops.
	StopDelay int

	// DetachDelay is the same for volumes going from in-use to available.
	DetachDelay int
}

var _ provider.Cloud = (*Cloud)(nil)

// New creates an empty cloud for region.
func New(region string) *Cloud {
	return &Cloud{
		LogBackend: NewLogBackend(),
		region:     region,
		instances:  make(map[string]*fleet.Instance),
		volumes:    make(map[string]*fleet.Volume),
		pending:    make(map[string]int),
		failures:   make(map[string]error),
	}
}

// Region returns the region name.
func (c *Cloud) Region() string {
	return c.region
}

// AddInstance seeds an instance.
func (c *Cloud) AddInstance(inst fleet.Instance) {
	c.mu.Lock()
	defer c.mu.Unlock()
	inst.Region = c.region
	c.instances[inst.ID] = &inst
	c.order = append(c.order, inst.ID)
}

// AddVolume seeds a volume.
func (c *Cloud) AddVolume(v fleet.Volume) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.volumes[v.ID] = &v
	c.volOrder = append(c.volOrder, v.ID)
}

// FailOn makes the named operation return err. Operations are "list",
// "describe:<id>", "stop", "terminate", "volumes:<instance>",
// "describe-volume:<id>", "detach:<id>" and "delete:<id>".
func (c *Cloud) FailOn(op string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures[op] = err
}

// Instance returns the current snapshot of an instance.
func (c *Cloud) Instance(id string) fleet.Instance {
	c.mu.Lock()
	defer c.mu.Unlock()
	if inst, ok := c.instances[id]; ok {
		return *inst
	}
	return fleet.Instance{}
}

// Volume returns the current snapshot of a volume.
func (c *Cloud) Volume(id string) fleet.Volume {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.volumes[id]; ok {
		return *v
	}
	return fleet.Volume{}
}

// Calls returns the mutating calls in the order they were made, e.g.
// "stop:i-1,i-2" or "delete:vol-1".
func (c *Cloud) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

// CallIndex returns the position of call in Calls, or -1.
func (c *Cloud) CallIndex(call string) int {
	for i, got := range c.Calls() {
		if got == call {
			return i
		}
	}
	return -1
}

func (c *Cloud) fail(op string) error {
	return c.failures[op]
}

func (c *Cloud) record(call string) {
	c.calls = append(c.calls, call)
}

// ListInstances implements provider.Inventory.
func (c *Cloud) ListInstances(_ context.Context, tags map[string]string) ([]fleet.Instance, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fail("list"); err != nil {
		return nil, err
	}

	var out []fleet.Instance
	for _, id := range c.order {
		inst := c.instances[id]
		if !matchTags(inst.Tags, tags) {
			continue
		}
		out = append(out, *inst)
	}
	return out, nil
}

func matchTags(have, want map[string]string) bool {
	for k, v := range want {
		if got, ok := have[k]; !ok || got != v {
			return false
		}
	}
	return true
}

// DescribeInstance implements provider.Inventory and advances stopping
// instances towards stopped.
func (c *Cloud) DescribeInstance(_ context.Context, id string) (fleet.Instance, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fail("describe:" + id); err != nil {
		return fleet.Instance{}, err
	}

	inst, ok := c.instances[id]
	if !ok {
		return fleet.Instance{}, fmt.Errorf("describe %s: %w", id, fleet.ErrNotFound)
	}
	if inst.State == fleet.StateStopping && c.StopDelay >= 0 {
		if c.pending[id] <= 0 {
			inst.State = fleet.StateStopped
		} else {
			c.pending[id]--
		}
	}
	return *inst, nil
}

// Stop implements provider.Lifecycle.
func (c *Cloud) Stop(_ context.Context, ids []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fail("stop"); err != nil {
		return err
	}
	c.record("stop:" + strings.Join(ids, ","))

	for _, id := range ids {
		inst, ok := c.instances[id]
		if !ok {
			return fmt.Errorf("stop %s: %w", id, fleet.ErrNotFound)
		}
		if inst.State == fleet.StateRunning || inst.State == fleet.StatePending {
			inst.State = fleet.StateStopping
			c.pending[id] = c.StopDelay
		}
	}
	return nil
}

// Terminate implements provider.Lifecycle.
func (c *Cloud) Terminate(_ context.Context, ids []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fail("terminate"); err != nil {
		return err
	}
	c.record("terminate:" + strings.Join(ids, ","))

	for _, id := range ids {
		inst, ok := c.instances[id]
		if !ok {
			return fmt.Errorf("terminate %s: %w", id, fleet.ErrNotFound)
		}
		inst.State = fleet.StateTerminated
	}
	return nil
}

// SetState forces an instance into a state, simulating an outside actor.
func (c *Cloud) SetState(id string, state fleet.InstanceState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if inst, ok := c.instances[id]; ok {
		inst.State = state
	}
}

// ListAttached implements provider.Volumes.
func (c *Cloud) ListAttached(_ context.Context, instanceID string) ([]fleet.Volume, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fail("volumes:" + instanceID); err != nil {
		return nil, err
	}

	var out []fleet.Volume
	for _, id := range c.volOrder {
		v := c.volumes[id]
		if v.InstanceID == instanceID && v.Status != fleet.VolumeDeleted {
			out = append(out, *v)
		}
	}
	return out, nil
}

// DescribeVolume implements provider.Volumes and advances detaching
// volumes towards available.
func (c *Cloud) DescribeVolume(_ context.Context, id string) (fleet.Volume, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fail("describe-volume:" + id); err != nil {
		return fleet.Volume{}, err
	}

	v, ok := c.volumes[id]
	if !ok {
		return fleet.Volume{}, fmt.Errorf("describe volume %s: %w", id, fleet.ErrNotFound)
	}
	if left, detaching := c.pending[id]; detaching && c.DetachDelay >= 0 {
		if left <= 0 {
			v.Status = fleet.VolumeAvailable
			v.InstanceID = ""
			delete(c.pending, id)
		} else {
			c.pending[id]--
		}
	}
	return *v, nil
}

// Detach implements provider.Volumes.
func (c *Cloud) Detach(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fail("detach:" + id); err != nil {
		return err
	}
	c.record("detach:" + id)

	v, ok := c.volumes[id]
	if !ok {
		return fmt.Errorf("detach %s: %w", id, fleet.ErrNotFound)
	}
	if inst, ok := c.instances[v.InstanceID]; ok && inst.State != fleet.StateStopped {
		return fmt.Errorf("detach %s: instance %s is %s", id, inst.ID, inst.State)
	}
	c.pending[id] = c.DetachDelay
	return nil
}

// Delete implements provider.Volumes.
func (c *Cloud) Delete(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fail("delete:" + id); err != nil {
		return err
	}
	c.record("delete:" + id)

	v, ok := c.volumes[id]
	if !ok {
		return fmt.Errorf("delete %s: %w", id, fleet.ErrNotFound)
	}
	if v.Status != fleet.VolumeAvailable {
		return fmt.Errorf("delete %s: volume is %s", id, v.Status)
	}
	v.Status = fleet.VolumeDeleted
	return nil
}
