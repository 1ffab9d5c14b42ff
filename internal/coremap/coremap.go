// Package coremap assigns CPU cores to data-plane and management roles once
// at process startup and exposes the resulting assignment as a read-only
// table for the rest of the engine.
package coremap

import (
	"fmt"
	"sort"
)

// Role is the function a core is assigned at startup.
type Role int

const (
	RoleIdle Role = iota
	RoleWorker
	RolePrimaryMgmt
	RoleTelemetry
	RoleCLI
	RoleWatchdog
)

func (r Role) String() string {
	switch r {
	case RoleWorker:
		return "worker"
	case RolePrimaryMgmt:
		return "primary-mgmt"
	case RoleTelemetry:
		return "telemetry"
	case RoleCLI:
		return "cli"
	case RoleWatchdog:
		return "watchdog"
	default:
		return "idle"
	}
}

// mgmtTier returns the management-core count and role order for N cores,
// per the tier table: 2-4->1, 5-16->1, 17-64->2, 65-128->3, >=129->4.
func mgmtTier(n int) []Role {
	switch {
	case n >= 129:
		return []Role{RolePrimaryMgmt, RoleTelemetry, RoleCLI, RoleWatchdog}
	case n >= 65:
		return []Role{RolePrimaryMgmt, RoleTelemetry, RoleCLI}
	case n >= 17:
		return []Role{RolePrimaryMgmt, RoleTelemetry}
	default:
		return []Role{RolePrimaryMgmt}
	}
}

// Core describes one CPU core's placement.
type Core struct {
	ID     int
	Socket int
}

// Port describes one NIC port's NUMA placement.
type Port struct {
	ID     int
	Socket int
}

// Map is the process-wide, read-only core-to-role assignment built once at
// init.
type Map struct {
	role        map[int]Role
	workers     []int
	mgmt        []int
	socketOf    map[int]int
	portSocket  map[int]int
	portWorkers map[int][]int
}

// Role returns the role assigned to coreID.
func (m *Map) Role(coreID int) Role { return m.role[coreID] }

// Workers returns the ordered list of worker core IDs.
func (m *Map) Workers() []int { return append([]int(nil), m.workers...) }

// Mgmt returns the ordered list of management core IDs.
func (m *Map) Mgmt() []int { return append([]int(nil), m.mgmt...) }

// SocketOf returns the NUMA socket of coreID.
func (m *Map) SocketOf(coreID int) int { return m.socketOf[coreID] }

// PortSocket returns the NUMA socket a port is attached to.
func (m *Map) PortSocket(portID int) int { return m.portSocket[portID] }

// PortWorkers returns the ordered list of worker core IDs local to a port's
// NUMA socket, falling back to every worker if none share the socket.
func (m *Map) PortWorkers(portID int) []int {
	return append([]int(nil), m.portWorkers[portID]...)
}

// Auto builds a Map from observed cores using the automatic tier policy:
// first pass fills management roles preferring socket 0, second pass fills
// any remaining management roles from any socket, third pass claims the
// remainder as workers.
func Auto(cores []Core, ports []Port) (*Map, error) {
	if len(cores) == 0 {
		return nil, fmt.Errorf("coremap: no cores observed")
	}
	sorted := append([]Core(nil), cores...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	wantRoles := mgmtTier(len(sorted))
	role := make(map[int]Role, len(sorted))
	socketOf := make(map[int]int, len(sorted))
	for _, c := range sorted {
		socketOf[c.ID] = c.Socket
		role[c.ID] = RoleIdle
	}

	assigned := 0
	assign := func(pred func(Core) bool) {
		for _, c := range sorted {
			if assigned >= len(wantRoles) {
				return
			}
			if role[c.ID] != RoleIdle {
				continue
			}
			if !pred(c) {
				continue
			}
			role[c.ID] = wantRoles[assigned]
			assigned++
		}
	}
	assign(func(c Core) bool { return c.Socket == 0 })
	assign(func(Core) bool { return true })
	if assigned < len(wantRoles) {
		return nil, fmt.Errorf("coremap: only %d cores available for %d management roles", assigned, len(wantRoles))
	}

	var mgmt, workers []int
	for _, c := range sorted {
		if role[c.ID] == RoleIdle {
			role[c.ID] = RoleWorker
			workers = append(workers, c.ID)
		} else {
			mgmt = append(mgmt, c.ID)
		}
	}
	if len(workers) == 0 {
		return nil, fmt.Errorf("coremap: no cores left for worker role")
	}

	return build(role, workers, mgmt, socketOf, ports), nil
}

// Manual builds a Map from an explicit worker/mgmt core split, failing if
// the split double-assigns a core or leaves either role empty.
func Manual(cores []Core, workerIDs, mgmtIDs []int, ports []Port) (*Map, error) {
	socketOf := make(map[int]int, len(cores))
	for _, c := range cores {
		socketOf[c.ID] = c.Socket
	}
	if len(workerIDs) == 0 {
		return nil, fmt.Errorf("coremap: manual mode requires at least one worker core")
	}
	if len(mgmtIDs) == 0 {
		return nil, fmt.Errorf("coremap: manual mode requires at least one management core")
	}
	role := make(map[int]Role, len(workerIDs)+len(mgmtIDs))
	for i, id := range mgmtIDs {
		if _, ok := socketOf[id]; !ok {
			return nil, fmt.Errorf("coremap: unknown management core %d", id)
		}
		if _, dup := role[id]; dup {
			return nil, fmt.Errorf("coremap: core %d assigned to more than one role", id)
		}
		roles := mgmtTier(len(workerIDs) + len(mgmtIDs))
		r := RolePrimaryMgmt
		if i < len(roles) {
			r = roles[i]
		}
		role[id] = r
	}
	for _, id := range workerIDs {
		if _, ok := socketOf[id]; !ok {
			return nil, fmt.Errorf("coremap: unknown worker core %d", id)
		}
		if _, dup := role[id]; dup {
			return nil, fmt.Errorf("coremap: core %d assigned to more than one role", id)
		}
		role[id] = RoleWorker
	}
	return build(role, append([]int(nil), workerIDs...), append([]int(nil), mgmtIDs...), socketOf, ports), nil
}

func build(role map[int]Role, workers, mgmt []int, socketOf map[int]int, ports []Port) *Map {
	portSocket := make(map[int]int, len(ports))
	portWorkers := make(map[int][]int, len(ports))
	for _, p := range ports {
		portSocket[p.ID] = p.Socket
		var local []int
		for _, w := range workers {
			if socketOf[w] == p.Socket {
				local = append(local, w)
			}
		}
		if len(local) == 0 {
			local = append([]int(nil), workers...)
		}
		portWorkers[p.ID] = local
	}
	return &Map{
		role:        role,
		workers:     workers,
		mgmt:        mgmt,
		socketOf:    socketOf,
		portSocket:  portSocket,
		portWorkers: portWorkers,
	}
}
