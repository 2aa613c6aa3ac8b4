package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/hyperfleet/hyperfleet/envelope"
	"github.com/hyperfleet/hyperfleet/models"
	"github.com/hyperfleet/hyperfleet/scheduler"
)

const inventoryTopic = "inventory"

// InventoryCollector gathers one host snapshot. The production collector runs
// a host.inventory envelope round-trip through the scheduler; tests
// substitute fakes.
type InventoryCollector interface {
	Collect(ctx context.Context, hostname string, epoch uint64) (*models.HostSnapshot, error)
}

// InventoryConfig lists the fleet and the refresh cadence.
type InventoryConfig struct {
	Hosts           []string
	RefreshInterval time.Duration
	// StartupTimeout bounds how long Start blocks waiting for the first
	// refresh cycle.
	StartupTimeout time.Duration
}

func (c InventoryConfig) withDefaults() InventoryConfig {
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = 60 * time.Second
	}
	if c.StartupTimeout <= 0 {
		c.StartupTimeout = 30 * time.Second
	}
	return c
}

// hostState is one host's committed inventory. Snapshots apply under the
// per-host mutex with a monotonic epoch guard; distinct hosts commit
// concurrently.
type hostState struct {
	mu           sync.Mutex
	host         models.Host
	vms          []models.VM
	appliedEpoch uint64
}

// InventoryService owns the fleet inventory: host states, the VM set, and the
// derived cluster view. A ticker drives periodic refresh; hosts still
// refreshing are skipped for that cycle.
type InventoryService struct {
	cfg           InventoryConfig
	collector     InventoryCollector
	notifications *NotificationService
	hub           Broadcaster

	hosts map[string]*hostState

	clusterMu   sync.RWMutex
	clusters    []models.Cluster
	lastRefresh time.Time

	refreshMu  sync.Mutex
	refreshing map[string]bool
	epochs     map[string]uint64

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewInventoryService builds the service over a fixed host set. The host map
// never changes after construction; per-host state pointers are therefore
// safe to read without a global lock.
func NewInventoryService(cfg InventoryConfig, collector InventoryCollector, notifications *NotificationService, hub Broadcaster) *InventoryService {
	cfg = cfg.withDefaults()
	if hub == nil {
		hub = noopBroadcaster{}
	}
	hosts := make(map[string]*hostState, len(cfg.Hosts))
	for _, h := range cfg.Hosts {
		hosts[h] = &hostState{host: models.Host{Hostname: h}}
	}
	return &InventoryService{
		cfg:           cfg,
		collector:     collector,
		notifications: notifications,
		hub:           hub,
		hosts:         hosts,
		refreshing:    make(map[string]bool),
		epochs:        make(map[string]uint64),
		stopChan:      make(chan struct{}),
	}
}

// Start launches the refresh loop and blocks until the first cycle completes
// or the startup budget elapses, whichever comes first.
func (s *InventoryService) Start() {
	firstCycle := make(chan struct{})
	s.wg.Add(1)
	go s.loop(firstCycle)

	select {
	case <-firstCycle:
		log.WithField("hosts", len(s.hosts)).Info("🚀 Inventory service started, first refresh complete")
	case <-time.After(s.cfg.StartupTimeout):
		log.Warn("⚠️ Initial inventory refresh still running, continuing startup")
	}
}

// Stop halts the refresh loop and waits for in-flight collections.
func (s *InventoryService) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
	s.wg.Wait()
	log.Info("🛑 Inventory service stopped")
}

func (s *InventoryService) loop(firstCycle chan struct{}) {
	defer s.wg.Done()

	s.RefreshAll(context.Background())
	close(firstCycle)

	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.RefreshAll(context.Background())
		case <-s.stopChan:
			return
		}
	}
}

// RefreshAll runs one refresh wave. Hosts with a collection still in flight
// are skipped; the rest refresh concurrently. Cluster membership is rebuilt
// after every participating host has committed.
func (s *InventoryService) RefreshAll(ctx context.Context) {
	var wg sync.WaitGroup
	scheduled := 0
	for hostname := range s.hosts {
		epoch, ok := s.beginRefresh(hostname)
		if !ok {
			log.WithField("hostname", hostname).Debug("Refresh still in flight, skipping host this cycle")
			continue
		}
		scheduled++
		wg.Add(1)
		go func(hostname string, epoch uint64) {
			defer wg.Done()
			defer s.endRefresh(hostname)
			s.refreshHost(ctx, hostname, epoch)
		}(hostname, epoch)
	}
	wg.Wait()

	if scheduled == 0 {
		return
	}
	s.rebuildClusters()

	s.clusterMu.Lock()
	s.lastRefresh = time.Now()
	s.clusterMu.Unlock()

	s.hub.Broadcast(map[string]interface{}{
		"type":   "notification",
		"action": "inventory_refreshed",
		"data":   map[string]interface{}{"hosts": scheduled},
	}, inventoryTopic)
}

func (s *InventoryService) beginRefresh(hostname string) (uint64, bool) {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()
	if s.refreshing[hostname] {
		return 0, false
	}
	s.refreshing[hostname] = true
	s.epochs[hostname]++
	return s.epochs[hostname], true
}

func (s *InventoryService) endRefresh(hostname string) {
	s.refreshMu.Lock()
	delete(s.refreshing, hostname)
	s.refreshMu.Unlock()
}

func (s *InventoryService) refreshHost(ctx context.Context, hostname string, epoch uint64) {
	snap, err := s.collector.Collect(ctx, hostname, epoch)
	if err != nil {
		snap = &models.HostSnapshot{
			Hostname:    hostname,
			Connected:   false,
			Error:       err.Error(),
			Epoch:       epoch,
			CollectedAt: time.Now(),
		}
	}
	s.Apply(snap)
}

// Apply commits one host snapshot under the per-host lock. Snapshots with an
// epoch at or below the last applied one are discarded: a late-returning slow
// collection never overwrites a newer committed state. Disconnect keeps the
// last known VM set.
func (s *InventoryService) Apply(snap *models.HostSnapshot) {
	state, ok := s.hosts[snap.Hostname]
	if !ok {
		log.WithField("hostname", snap.Hostname).Warn("Snapshot for unknown host discarded")
		return
	}

	state.mu.Lock()
	if snap.Epoch <= state.appliedEpoch {
		state.mu.Unlock()
		log.WithFields(log.Fields{
			"hostname":       snap.Hostname,
			"snapshot_epoch": snap.Epoch,
			"applied_epoch":  state.appliedEpoch,
		}).Debug("Stale inventory snapshot discarded")
		return
	}
	state.appliedEpoch = snap.Epoch

	wasConnected := state.host.Connected
	hadContact := !state.host.LastSeen.IsZero()

	state.host.Connected = snap.Connected
	state.host.Error = snap.Error
	if snap.Connected {
		state.host.LastSeen = snap.CollectedAt
		state.host.Cluster = snap.Cluster
		state.host.Resources = snap.Resources
		vms := make([]models.VM, len(snap.VMs))
		copy(vms, snap.VMs)
		for i := range vms {
			vms[i].Hostname = snap.Hostname
		}
		state.vms = vms
	}
	state.mu.Unlock()

	if snap.Connected && !wasConnected && hadContact {
		s.hostReconnected(snap.Hostname)
	}
	if !snap.Connected && wasConnected {
		s.hostUnreachable(snap.Hostname, snap.Error)
	}
}

func (s *InventoryService) hostReconnected(hostname string) {
	log.WithField("hostname", hostname).Info("✅ Host reconnected")
	if s.notifications == nil {
		return
	}
	s.notifications.ClearSystem("host:" + hostname)
	s.notifications.Create(
		"Host reconnected",
		fmt.Sprintf("Host %s is reachable again", hostname),
		models.LevelInfo, models.CategorySystem, hostname, nil)
}

func (s *InventoryService) hostUnreachable(hostname, reason string) {
	log.WithFields(log.Fields{
		"hostname": hostname,
		"error":    reason,
	}).Warn("⚠️ Host unreachable")
	if s.notifications == nil {
		return
	}
	msg := fmt.Sprintf("Host %s is unreachable", hostname)
	if reason != "" {
		msg = fmt.Sprintf("Host %s is unreachable: %s", hostname, reason)
	}
	s.notifications.UpsertSystem("host:"+hostname, "Host unreachable", msg, models.LevelWarning, map[string]interface{}{
		"hostname": hostname,
	})
}

// rebuildClusters derives the cluster view from committed host states. It
// takes each per-host lock briefly, then swaps the cluster slice under the
// cluster lock.
func (s *InventoryService) rebuildClusters() {
	type agg struct {
		hosts []string
		vms   int
	}
	byName := make(map[string]*agg)
	for hostname, state := range s.hosts {
		state.mu.Lock()
		cluster := state.host.Cluster
		vmCount := len(state.vms)
		state.mu.Unlock()
		if cluster == "" {
			continue
		}
		a, ok := byName[cluster]
		if !ok {
			a = &agg{}
			byName[cluster] = a
		}
		a.hosts = append(a.hosts, hostname)
		a.vms += vmCount
	}

	clusters := make([]models.Cluster, 0, len(byName))
	for name, a := range byName {
		sort.Strings(a.hosts)
		clusters = append(clusters, models.Cluster{
			Name:      name,
			Hosts:     a.hosts,
			HostCount: len(a.hosts),
			VMCount:   a.vms,
		})
	}
	sort.Slice(clusters, func(i, j int) bool { return clusters[i].Name < clusters[j].Name })

	s.clusterMu.Lock()
	s.clusters = clusters
	s.clusterMu.Unlock()
}

// Ready reports whether at least one refresh cycle has completed.
func (s *InventoryService) Ready() bool {
	return !s.LastRefresh().IsZero()
}

// LastRefresh returns the completion time of the most recent refresh wave.
func (s *InventoryService) LastRefresh() time.Time {
	s.clusterMu.RLock()
	defer s.clusterMu.RUnlock()
	return s.lastRefresh
}

// Snapshot returns a point-in-time copy of the whole inventory.
func (s *InventoryService) Snapshot() models.Inventory {
	inv := models.Inventory{
		Hosts:       s.Hosts(),
		Clusters:    s.Clusters(),
		VMs:         s.VMs(),
		LastRefresh: s.LastRefresh(),
	}
	return inv
}

// Hosts returns copies of every host record, sorted by hostname.
func (s *InventoryService) Hosts() []models.Host {
	hosts := make([]models.Host, 0, len(s.hosts))
	for _, state := range s.hosts {
		state.mu.Lock()
		hosts = append(hosts, state.host)
		state.mu.Unlock()
	}
	sort.Slice(hosts, func(i, j int) bool { return hosts[i].Hostname < hosts[j].Hostname })
	return hosts
}

// GetHost returns one host record by name.
func (s *InventoryService) GetHost(hostname string) (models.Host, bool) {
	state, ok := s.hosts[hostname]
	if !ok {
		return models.Host{}, false
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	return state.host, true
}

// HostVMs returns the VM set of one host.
func (s *InventoryService) HostVMs(hostname string) ([]models.VM, bool) {
	state, ok := s.hosts[hostname]
	if !ok {
		return nil, false
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	vms := make([]models.VM, len(state.vms))
	copy(vms, state.vms)
	return vms, true
}

// VMs returns the fleet-wide VM set, sorted by hostname then name.
func (s *InventoryService) VMs() []models.VM {
	var vms []models.VM
	for _, state := range s.hosts {
		state.mu.Lock()
		vms = append(vms, state.vms...)
		state.mu.Unlock()
	}
	sort.Slice(vms, func(i, j int) bool {
		if vms[i].Hostname != vms[j].Hostname {
			return vms[i].Hostname < vms[j].Hostname
		}
		return vms[i].Name < vms[j].Name
	})
	return vms
}

// GetVM looks a VM up by its (hostname, name) key.
func (s *InventoryService) GetVM(hostname, name string) (models.VM, bool) {
	state, ok := s.hosts[hostname]
	if !ok {
		return models.VM{}, false
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	for _, vm := range state.vms {
		if vm.Name == name {
			return vm, true
		}
	}
	return models.VM{}, false
}

// GetVMByID looks a VM up by its agent-assigned ID across the fleet.
func (s *InventoryService) GetVMByID(id string) (models.VM, bool) {
	for _, state := range s.hosts {
		state.mu.Lock()
		for _, vm := range state.vms {
			if vm.ID == id {
				state.mu.Unlock()
				return vm, true
			}
		}
		state.mu.Unlock()
	}
	return models.VM{}, false
}

// Clusters returns the derived cluster view.
func (s *InventoryService) Clusters() []models.Cluster {
	s.clusterMu.RLock()
	defer s.clusterMu.RUnlock()
	clusters := make([]models.Cluster, len(s.clusters))
	copy(clusters, s.clusters)
	return clusters
}

// agentCollector runs host.inventory round-trips through the scheduler.
type agentCollector struct {
	sched    *scheduler.Scheduler
	sessions SessionProvider
}

// NewAgentCollector builds the production inventory collector.
func NewAgentCollector(sched *scheduler.Scheduler, sessions SessionProvider) InventoryCollector {
	return &agentCollector{sched: sched, sessions: sessions}
}

// inventoryPayload is the agent's host.inventory result data shape.
type inventoryPayload struct {
	Cluster         string   `json:"cluster"`
	StoragePaths    []string `json:"storage_paths"`
	VirtualSwitches []string `json:"virtual_switches"`
	VMs             []struct {
		Name     string `json:"name"`
		ID       string `json:"id"`
		State    string `json:"state"`
		CPUCount int    `json:"cpu_count"`
		MemoryMB int64  `json:"memory_mb"`
	} `json:"vms"`
}

func (c *agentCollector) Collect(ctx context.Context, hostname string, epoch uint64) (*models.HostSnapshot, error) {
	req := envelope.NewJobRequest(envelope.OpHostInventory, map[string]interface{}{})
	payload, err := req.Marshal()
	if err != nil {
		return nil, err
	}

	value, err := c.sched.Run(ctx, hostname, scheduler.CategoryInventory, "host.inventory", func(ctx context.Context) (interface{}, error) {
		session, err := c.sessions.GetSession(ctx, hostname)
		if err != nil {
			return nil, err
		}
		stdout, err := session.Execute(ctx, payload)
		if err != nil {
			return nil, err
		}
		return envelope.ParseJobResult(stdout)
	})
	if err != nil {
		return nil, err
	}

	env := value.(*envelope.JobResultEnvelope)
	if env.Status != envelope.StatusSuccess {
		return nil, &AgentError{Code: env.Code, Message: env.Message}
	}

	data, err := json.Marshal(env.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to re-encode inventory data: %w", err)
	}
	var parsed inventoryPayload
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("failed to decode inventory data: %w", err)
	}

	snap := &models.HostSnapshot{
		Hostname:    hostname,
		Cluster:     parsed.Cluster,
		Connected:   true,
		Epoch:       epoch,
		CollectedAt: time.Now(),
	}
	if len(parsed.StoragePaths) > 0 || len(parsed.VirtualSwitches) > 0 {
		snap.Resources = &models.HostResources{
			StoragePaths:    parsed.StoragePaths,
			VirtualSwitches: parsed.VirtualSwitches,
		}
	}
	for _, vm := range parsed.VMs {
		snap.VMs = append(snap.VMs, models.VM{
			Name:     vm.Name,
			Hostname: hostname,
			ID:       vm.ID,
			State:    models.ParseVMState(vm.State),
			CPUCount: vm.CPUCount,
			MemoryMB: vm.MemoryMB,
		})
	}
	return snap, nil
}
