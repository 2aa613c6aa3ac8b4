package models

import (
	"fmt"
	"strings"
)

// ValidationError reports a rejected request field. Handlers map it to a 4xx
// response; no job record is created for an invalid request.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid request field %q: %s", e.Field, e.Reason)
}

// VMSpec describes the virtual machine to create.
type VMSpec struct {
	Name       string `json:"name"`
	CPUCount   int    `json:"cpu_count"`
	MemoryMB   int64  `json:"memory_mb"`
	Generation int    `json:"generation,omitempty"`
	SwitchName string `json:"switch_name,omitempty"`
}

// DiskSpec describes a virtual disk to create and attach.
type DiskSpec struct {
	Path   string `json:"path,omitempty"`
	SizeGB int64  `json:"size_gb"`
	Type   string `json:"type,omitempty"` // dynamic or fixed
}

// NICSpec describes a network adapter to create and attach.
type NICSpec struct {
	Name       string `json:"name,omitempty"`
	SwitchName string `json:"switch_name"`
	VLANID     int    `json:"vlan_id,omitempty"`
}

// CreateVMRequest submits a single vm.create round-trip.
type CreateVMRequest struct {
	TargetHost string `json:"target_host"`
	VM         VMSpec `json:"vm"`
}

// NewCreateVMRequest validates and returns a CreateVMRequest.
func NewCreateVMRequest(req CreateVMRequest) (*CreateVMRequest, error) {
	if req.TargetHost == "" {
		return nil, &ValidationError{Field: "target_host", Reason: "must not be empty"}
	}
	if req.VM.Name == "" {
		return nil, &ValidationError{Field: "vm.name", Reason: "must not be empty"}
	}
	if req.VM.CPUCount < 1 {
		return nil, &ValidationError{Field: "vm.cpu_count", Reason: "must be at least 1"}
	}
	if req.VM.MemoryMB < 1 {
		return nil, &ValidationError{Field: "vm.memory_mb", Reason: "must be at least 1"}
	}
	return &req, nil
}

// DeleteVMRequest submits a single vm.delete round-trip.
type DeleteVMRequest struct {
	TargetHost string `json:"target_host"`
	VMName     string `json:"vm_name"`
	VMID       string `json:"vm_id,omitempty"`
}

// NewDeleteVMRequest validates and returns a DeleteVMRequest.
func NewDeleteVMRequest(req DeleteVMRequest) (*DeleteVMRequest, error) {
	if req.TargetHost == "" {
		return nil, &ValidationError{Field: "target_host", Reason: "must not be empty"}
	}
	if req.VMName == "" && req.VMID == "" {
		return nil, &ValidationError{Field: "vm_name", Reason: "either vm_name or vm_id is required"}
	}
	return &req, nil
}

// NoopTestRequest submits a noop-test round-trip against a host's agent.
type NoopTestRequest struct {
	TargetHost    string                 `json:"target_host"`
	ResourceSpec  map[string]interface{} `json:"resource_spec,omitempty"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
}

// NewNoopTestRequest validates and returns a NoopTestRequest.
func NewNoopTestRequest(req NoopTestRequest) (*NoopTestRequest, error) {
	if req.TargetHost == "" {
		return nil, &ValidationError{Field: "target_host", Reason: "must not be empty"}
	}
	return &req, nil
}

// ManagedDeploymentRequest is the flat request for a managed deployment:
// VM creation plus optional disk, NIC, and guest OS initialization. The guest
// fields form named parameter sets with all-or-none cardinality, enforced
// here at ingestion rather than by the router.
type ManagedDeploymentRequest struct {
	TargetHost string    `json:"target_host"`
	VM         VMSpec    `json:"vm"`
	Disk       *DiskSpec `json:"disk,omitempty"`
	NIC        *NICSpec  `json:"nic,omitempty"`

	// Guest initialization. Present when GuestLAUID is non-empty.
	GuestLAUID string `json:"guest_la_uid,omitempty"`
	GuestLAPW  string `json:"guest_la_pw,omitempty"`

	// Domain-join parameter set, keyed on the target.
	GuestDomainJoinTarget string `json:"guest_domain_join_target,omitempty"`
	GuestDomainJoinUID    string `json:"guest_domain_join_uid,omitempty"`
	GuestDomainJoinPW     string `json:"guest_domain_join_pw,omitempty"`
	GuestDomainJoinOU     string `json:"guest_domain_join_ou,omitempty"`

	// Ansible bootstrap parameter set, keyed on the SSH user.
	GuestAnsibleSSHUser string `json:"guest_ansible_ssh_user,omitempty"`
	GuestAnsibleSSHKey  string `json:"guest_ansible_ssh_key,omitempty"`

	// Static IP parameter set, keyed on the address. DNS2 and the DNS suffix
	// are individually optional.
	GuestIPAddr     string `json:"guest_ip_addr,omitempty"`
	GuestCIDRPrefix int    `json:"guest_cidr_prefix,omitempty"`
	GuestDefaultGW  string `json:"guest_default_gw,omitempty"`
	GuestDNS1       string `json:"guest_dns1,omitempty"`
	GuestDNS2       string `json:"guest_dns2,omitempty"`
	GuestDNSSuffix  string `json:"guest_dns_suffix,omitempty"`
}

// HasGuestConfig reports whether the request carries a guest initialization
// step at all.
func (r *ManagedDeploymentRequest) HasGuestConfig() bool {
	return r.GuestLAUID != ""
}

// NewManagedDeploymentRequest validates the request, enforcing the
// all-or-none contract on every parameter set.
func NewManagedDeploymentRequest(req ManagedDeploymentRequest) (*ManagedDeploymentRequest, error) {
	if req.TargetHost == "" {
		return nil, &ValidationError{Field: "target_host", Reason: "must not be empty"}
	}
	if req.VM.Name == "" {
		return nil, &ValidationError{Field: "vm.name", Reason: "must not be empty"}
	}
	if req.VM.CPUCount < 1 {
		return nil, &ValidationError{Field: "vm.cpu_count", Reason: "must be at least 1"}
	}
	if req.VM.MemoryMB < 1 {
		return nil, &ValidationError{Field: "vm.memory_mb", Reason: "must be at least 1"}
	}
	if req.Disk != nil && req.Disk.SizeGB < 1 {
		return nil, &ValidationError{Field: "disk.size_gb", Reason: "must be at least 1"}
	}
	if req.NIC != nil && req.NIC.SwitchName == "" {
		return nil, &ValidationError{Field: "nic.switch_name", Reason: "must not be empty"}
	}

	if req.HasGuestConfig() {
		if req.GuestLAPW == "" {
			return nil, &ValidationError{Field: "guest_la_pw", Reason: "required when guest_la_uid is set"}
		}
	} else if anySet(req.GuestLAPW, req.GuestDomainJoinTarget, req.GuestAnsibleSSHUser, req.GuestIPAddr) {
		return nil, &ValidationError{Field: "guest_la_uid", Reason: "guest configuration requires guest_la_uid"}
	}

	if err := allOrNone("guest_domain_join", map[string]string{
		"guest_domain_join_target": req.GuestDomainJoinTarget,
		"guest_domain_join_uid":    req.GuestDomainJoinUID,
		"guest_domain_join_pw":     req.GuestDomainJoinPW,
		"guest_domain_join_ou":     req.GuestDomainJoinOU,
	}); err != nil {
		return nil, err
	}

	if err := allOrNone("guest_ansible", map[string]string{
		"guest_ansible_ssh_user": req.GuestAnsibleSSHUser,
		"guest_ansible_ssh_key":  req.GuestAnsibleSSHKey,
	}); err != nil {
		return nil, err
	}

	staticIP := map[string]string{
		"guest_ip_addr":    req.GuestIPAddr,
		"guest_default_gw": req.GuestDefaultGW,
		"guest_dns1":       req.GuestDNS1,
	}
	if req.GuestCIDRPrefix != 0 {
		staticIP["guest_cidr_prefix"] = fmt.Sprintf("%d", req.GuestCIDRPrefix)
	} else {
		staticIP["guest_cidr_prefix"] = ""
	}
	if err := allOrNone("guest_static_ip", staticIP); err != nil {
		return nil, err
	}
	if req.GuestIPAddr == "" && anySet(req.GuestDNS2, req.GuestDNSSuffix) {
		return nil, &ValidationError{Field: "guest_dns2", Reason: "optional DNS fields require the static IP set"}
	}

	return &req, nil
}

// allOrNone rejects a parameter set where some but not all members are set.
func allOrNone(set string, fields map[string]string) error {
	var present, missing []string
	for name, value := range fields {
		if value == "" {
			missing = append(missing, name)
		} else {
			present = append(present, name)
		}
	}
	if len(present) > 0 && len(missing) > 0 {
		return &ValidationError{
			Field:  set,
			Reason: fmt.Sprintf("parameter set is all-or-none, missing: %s", strings.Join(missing, ", ")),
		}
	}
	return nil
}

func anySet(values ...string) bool {
	for _, v := range values {
		if v != "" {
			return true
		}
	}
	return false
}
