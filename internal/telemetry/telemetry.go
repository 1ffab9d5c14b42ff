// Package telemetry exports the data plane's running counters (component
// S): a Prometheus registry, served in exposition format by the REST
// `/api/v1/metrics` endpoint, and a plain JSON snapshot for the REST
// `/api/v1/stats` endpoint, so both surfaces read from the same underlying
// counters instead of keeping a second set of bookkeeping.
package telemetry

import (
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/jroosing/packetforge/internal/mgmt"
	"github.com/jroosing/packetforge/internal/worker"
)

// Registry holds every packetforge_* Prometheus metric plus a reference to
// the live worker/mgmt counters it reads from on each collection pass.
type Registry struct {
	reg *prometheus.Registry

	rxTotal    *prometheus.GaugeVec
	dropTotal  *prometheus.GaugeVec
	txSent     *prometheus.GaugeVec
	txDropped  *prometheus.GaugeVec
	tcbCount   prometheus.Gauge
	arpReplies *prometheus.GaugeVec
	icmpEchoes *prometheus.GaugeVec

	hostCPUPercent prometheus.Gauge
	hostMemPercent prometheus.Gauge
	hostMemUsedMB  prometheus.Gauge

	workers []namedWorkerCounters
	mgmts   []namedMgmtCounters
}

type namedWorkerCounters struct {
	idx string
	c   *worker.Counters
}

type namedMgmtCounters struct {
	port string
	c    *mgmt.Counters
}

// NewRegistry builds an empty Registry. Workers and management cores
// register their counters with Track/TrackMgmt once constructed.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Registry{
		reg: reg,
		rxTotal: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "packetforge_worker_rx_total",
			Help: "frames received by a worker core since start",
		}, []string{"worker"}),
		dropTotal: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "packetforge_worker_drop_total",
			Help: "frames dropped by a worker core, summed across all drop reasons",
		}, []string{"worker"}),
		txSent: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "packetforge_worker_tx_sent_total",
			Help: "frames successfully handed to a port's TX queue",
		}, []string{"worker"}),
		txDropped: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "packetforge_worker_tx_dropped_total",
			Help: "frames a worker built but the port's TX queue would not accept",
		}, []string{"worker"}),
		tcbCount: factory.NewGauge(prometheus.GaugeOpts{
			Name: "packetforge_tcb_active",
			Help: "active TCP control blocks across all workers at last collection",
		}),
		arpReplies: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "packetforge_mgmt_arp_replies_total",
			Help: "ARP replies sent by a management core since start",
		}, []string{"port"}),
		icmpEchoes: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "packetforge_mgmt_icmp_echo_replied_total",
			Help: "ICMP echo requests answered by a management core since start",
		}, []string{"port"}),
		hostCPUPercent: factory.NewGauge(prometheus.GaugeOpts{
			Name: "packetforge_host_cpu_used_percent",
			Help: "host CPU utilization sampled over a short window at last collection",
		}),
		hostMemPercent: factory.NewGauge(prometheus.GaugeOpts{
			Name: "packetforge_host_mem_used_percent",
			Help: "host memory utilization at last collection",
		}),
		hostMemUsedMB: factory.NewGauge(prometheus.GaugeOpts{
			Name: "packetforge_host_mem_used_mb",
			Help: "host memory used, in megabytes, at last collection",
		}),
	}
}

// Track registers a worker's counters under label idx (its Worker.Idx as
// a string), so Collect includes it in every scrape and snapshot.
func (r *Registry) Track(idx string, c *worker.Counters) {
	r.workers = append(r.workers, namedWorkerCounters{idx: idx, c: c})
}

// TrackMgmt registers a management core's counters under label port.
func (r *Registry) TrackMgmt(port string, c *mgmt.Counters) {
	r.mgmts = append(r.mgmts, namedMgmtCounters{port: port, c: c})
}

// Gatherer exposes the underlying Prometheus registry for an HTTP
// exposition handler (promhttp.HandlerFor).
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// WorkerSnapshot is one worker's counters at a point in time, suitable for
// JSON encoding.
type WorkerSnapshot struct {
	Worker string          `json:"worker"`
	Counts worker.Snapshot `json:"counts"`
}

// MgmtSnapshot is one management core's counters at a point in time.
type MgmtSnapshot struct {
	Port   string        `json:"port"`
	Counts mgmt.Counters `json:"counts"`
}

// HostStats is the host-level CPU/memory sample taken alongside the
// data-plane counters, reported via gopsutil.
type HostStats struct {
	NumCPU         int     `json:"num_cpu"`
	CPUUsedPercent float64 `json:"cpu_used_percent"`
	MemTotalMB     float64 `json:"mem_total_mb"`
	MemUsedMB      float64 `json:"mem_used_mb"`
	MemUsedPercent float64 `json:"mem_used_percent"`
}

// Snapshot is the JSON document served by /api/v1/stats.
type Snapshot struct {
	Workers  []WorkerSnapshot `json:"workers"`
	Mgmt     []MgmtSnapshot   `json:"mgmt"`
	TCBCount int              `json:"tcb_count"`
	Host     HostStats        `json:"host"`
}

// hostCPUSample is the window cpu.Percent blocks for on each collection;
// kept short since Collect runs on every /api/v1/stats request.
const hostCPUSample = 100 * time.Millisecond

// Collect refreshes every Prometheus gauge from the tracked counters and
// returns the same values as a JSON-ready Snapshot. tcbCount is supplied
// by the caller (summed across worker TCB stores) since telemetry has no
// direct reference to them.
func (r *Registry) Collect(tcbCount int) Snapshot {
	snap := Snapshot{TCBCount: tcbCount}
	r.tcbCount.Set(float64(tcbCount))

	for _, w := range r.workers {
		s := w.c.Snapshot()
		drops := s.DropMalformedEth + s.DropARPRingFull + s.DropIPv4 + s.DropICMPRingFull +
			s.DropUDPRingFull + s.DropUnknownProto + s.DropTCPParse + s.DropNoARP +
			s.DropTCBFull + s.DropTCPNoTCB + s.DropNoRoute
		r.rxTotal.WithLabelValues(w.idx).Set(float64(s.RxTotal))
		r.dropTotal.WithLabelValues(w.idx).Set(float64(drops))
		r.txSent.WithLabelValues(w.idx).Set(float64(s.TxSent))
		r.txDropped.WithLabelValues(w.idx).Set(float64(s.TxDropped))
		snap.Workers = append(snap.Workers, WorkerSnapshot{Worker: w.idx, Counts: s})
	}

	for _, m := range r.mgmts {
		r.arpReplies.WithLabelValues(m.port).Set(float64(m.c.ARPRepliesSent))
		r.icmpEchoes.WithLabelValues(m.port).Set(float64(m.c.ICMPEchoReplied))
		snap.Mgmt = append(snap.Mgmt, MgmtSnapshot{Port: m.port, Counts: *m.c})
	}

	snap.Host = r.collectHost()
	return snap
}

// collectHost samples host CPU/memory via gopsutil. Sampling errors
// leave the corresponding fields zeroed rather than failing the whole
// collection pass.
func (r *Registry) collectHost() HostStats {
	h := HostStats{NumCPU: runtime.NumCPU()}

	if pct, err := cpu.Percent(hostCPUSample, false); err == nil && len(pct) > 0 {
		h.CPUUsedPercent = pct[0]
		r.hostCPUPercent.Set(pct[0])
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		h.MemTotalMB = float64(vm.Total) / 1024 / 1024
		h.MemUsedMB = float64(vm.Used) / 1024 / 1024
		h.MemUsedPercent = vm.UsedPercent
		r.hostMemPercent.Set(vm.UsedPercent)
		r.hostMemUsedMB.Set(h.MemUsedMB)
	}

	return h
}
