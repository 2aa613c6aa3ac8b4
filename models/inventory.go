package models

import "time"

// VMState mirrors the Hyper-V virtual machine state reported by the agent.
type VMState string

const (
	VMStateRunning  VMState = "Running"
	VMStateOff      VMState = "Off"
	VMStatePaused   VMState = "Paused"
	VMStateSaved    VMState = "Saved"
	VMStateStarting VMState = "Starting"
	VMStateStopping VMState = "Stopping"
	VMStateCreating VMState = "Creating"
	VMStateDeleting VMState = "Deleting"
	VMStateUnknown  VMState = "Unknown"
)

// ParseVMState normalizes an agent-reported state string, defaulting to
// Unknown for anything unrecognized.
func ParseVMState(s string) VMState {
	switch VMState(s) {
	case VMStateRunning, VMStateOff, VMStatePaused, VMStateSaved,
		VMStateStarting, VMStateStopping, VMStateCreating, VMStateDeleting:
		return VMState(s)
	default:
		return VMStateUnknown
	}
}

// VM is one virtual machine in the inventory, keyed by (hostname, name).
// The host reference is by name only; inventory ownership stays with the host.
type VM struct {
	Name     string  `json:"name"`
	Hostname string  `json:"hostname"`
	ID       string  `json:"id,omitempty"`
	State    VMState `json:"state"`
	CPUCount int     `json:"cpu_count,omitempty"`
	MemoryMB int64   `json:"memory_mb,omitempty"`
}

// HostResources carries host-local placement options discovered during
// inventory collection.
type HostResources struct {
	StoragePaths    []string `json:"storage_paths,omitempty"`
	VirtualSwitches []string `json:"virtual_switches,omitempty"`
}

// Host is one Hyper-V host in the fleet.
type Host struct {
	Hostname  string         `json:"hostname"`
	Cluster   string         `json:"cluster,omitempty"`
	Connected bool           `json:"connected"`
	LastSeen  time.Time      `json:"last_seen"`
	Error     string         `json:"error,omitempty"`
	Resources *HostResources `json:"resources,omitempty"`
}

// Cluster aggregates member hosts by cluster name. Membership is derived from
// host snapshots on every refresh; there is no standalone cluster discovery.
type Cluster struct {
	Name      string   `json:"name"`
	Hosts     []string `json:"hosts"`
	HostCount int      `json:"host_count"`
	VMCount   int      `json:"vm_count"`
}

// HostSnapshot is one inventory collection result for a single host. Epoch is
// a per-host monotonic counter assigned when the collection is scheduled; a
// snapshot older than the last applied one must be discarded.
type HostSnapshot struct {
	Hostname    string
	Cluster     string
	Connected   bool
	Error       string
	Resources   *HostResources
	VMs         []VM
	Epoch       uint64
	CollectedAt time.Time
}

// Inventory is a point-in-time read view over the whole fleet.
type Inventory struct {
	Hosts       []Host    `json:"hosts"`
	Clusters    []Cluster `json:"clusters"`
	VMs         []VM      `json:"vms"`
	LastRefresh time.Time `json:"last_refresh"`
}
