// Package runtime holds the process-wide state internal/mgmt/cli and
// internal/mgmt/rest both need: the live configuration, the control bus
// used to arm/disarm traffic on every worker, the telemetry registry, the
// optional profile store, and the per-port trace recorders. Neither
// management surface owns a NIC queue or a worker tick, so every action
// they take is either read-only (stats, config) or routed through
// internal/controlbus the same way any other management command is:
// workers only ever act on what they drain off their own ring.
package runtime

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/jroosing/packetforge/internal/buffer"
	"github.com/jroosing/packetforge/internal/config"
	"github.com/jroosing/packetforge/internal/controlbus"
	"github.com/jroosing/packetforge/internal/flowrunner"
	"github.com/jroosing/packetforge/internal/mgmt"
	"github.com/jroosing/packetforge/internal/store"
	"github.com/jroosing/packetforge/internal/telemetry"
	"github.com/jroosing/packetforge/internal/txgen"
	"github.com/jroosing/packetforge/internal/wire"
	"github.com/jroosing/packetforge/internal/worker"
)

// ErrNoSuchPort is returned when a command names a port index outside the
// configured coremap.
var ErrNoSuchPort = errors.New("runtime: no such port")

// ParseIPv4 converts a dotted-quad string into the big-endian uint32 form
// every wire-layer type in this module uses, shared by the CLI and REST
// surfaces so neither reimplements it.
func ParseIPv4(s string) (uint32, error) {
	ip := net.ParseIP(s)
	if ip == nil {
		return 0, fmt.Errorf("runtime: invalid IPv4 address %q", s)
	}
	v4 := ip.To4()
	if v4 == nil {
		return 0, fmt.Errorf("runtime: %q is not an IPv4 address", s)
	}
	return binary.BigEndian.Uint32(v4), nil
}

// Runtime is the shared handle the CLI REPL and the REST server both
// close over. All of its state is either safe for concurrent use already
// (controlbus.Bus, telemetry.Registry) or guarded by mu.
type Runtime struct {
	mu  sync.RWMutex
	cfg config.Config

	Bus       *controlbus.Bus
	Telemetry *telemetry.Registry
	Store     *store.Store // nil if the process was started without --db

	workers  []*worker.Worker
	bindings []*worker.PortBinding
	cores    []*mgmt.Core
}

// New builds a Runtime over the already-constructed data-plane state.
// workers, bindings, and cores are indexed by the same coremap port
// ordering cmd/packetforge/main.go assigned them.
func New(cfg config.Config, bus *controlbus.Bus, tel *telemetry.Registry, st *store.Store,
	workers []*worker.Worker, bindings []*worker.PortBinding, cores []*mgmt.Core) *Runtime {
	return &Runtime{
		cfg:       cfg,
		Bus:       bus,
		Telemetry: tel,
		Store:     st,
		workers:   workers,
		bindings:  bindings,
		cores:     cores,
	}
}

// Config returns a copy of the live configuration.
func (r *Runtime) Config() config.Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg
}

// SetConfig validates and replaces the live configuration. It does not by
// itself arm or disarm traffic; callers issue an explicit start/stop
// afterward, keeping configuration changes and run state separate.
func (r *Runtime) SetConfig(cfg config.Config) error {
	if err := config.Validate(&cfg); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfg = cfg
	return nil
}

// SaveNamedConfig persists the live configuration as the next version of
// the named profile, for the CLI's `save <name>` and REST's profile
// surface. Returns ErrNoStore if the process was started without --db.
func (r *Runtime) SaveNamedConfig(name string) (int, error) {
	if r.Store == nil {
		return 0, ErrNoStore
	}
	cfg := r.Config()
	return r.Store.SaveProfile(name, &cfg)
}

// LoadNamedConfig loads the latest saved version of the named profile and
// makes it the live configuration.
func (r *Runtime) LoadNamedConfig(name string) (config.Config, error) {
	if r.Store == nil {
		return config.Config{}, ErrNoStore
	}
	p, err := r.Store.LoadProfile(name)
	if err != nil {
		return config.Config{}, err
	}
	if err := r.SetConfig(*p.Config); err != nil {
		return config.Config{}, err
	}
	return *p.Config, nil
}

// ErrNoStore is returned by the profile-backed methods when the process
// was started without a --db path.
var ErrNoStore = errors.New("runtime: no profile store configured")

// TCBCount sums the active TCP control block count across every worker,
// for telemetry.Registry.Collect's tcb_count field.
func (r *Runtime) TCBCount() int {
	total := 0
	for _, w := range r.workers {
		total += w.TCB.Count()
	}
	return total
}

// Snapshot refreshes and returns the full telemetry snapshot.
func (r *Runtime) Snapshot() telemetry.Snapshot {
	return r.Telemetry.Collect(r.TCBCount())
}

// StartTraffic arms every worker's TX generator with cfg by broadcasting a
// CmdStart control-bus envelope (the `flood`/REST-start surface);
// every worker owning the named port begins generating, the
// others silently ignore a PortID they don't bind.
//
// Callers (the CLI's `flood` and REST's /start) only ever supply the
// traffic shape: rate, duration, destination, payload size. StartTraffic
// fills in the port identity cfg.DstMAC/LocalMAC/SrcIP need, the way
// worker.resolveMAC fills them in for ordinary egress, since txgen.Config
// is a one-shot Arm snapshot with no later re-resolution (internal/txgen
// never looks the destination back up once armed).
func (r *Runtime) StartTraffic(cfg txgen.Config) error {
	if cfg.PortID < 0 || cfg.PortID >= len(r.bindings) {
		return fmt.Errorf("%w: %d", ErrNoSuchPort, cfg.PortID)
	}
	binding := r.bindings[cfg.PortID]

	cfg.SrcIP = binding.LocalIP
	cfg.LocalMAC = binding.LocalMAC
	cfg.ICMPID = 0xc000 | uint16(cfg.PortID)

	if mac, ok := binding.ARPCache.Lookup(cfg.DstIP); ok {
		cfg.DstMAC = mac
	} else {
		binding.ARPCache.Request(cfg.DstIP)
		cfg.DstMAC = wire.Broadcast
	}

	payload := worker.EncodeStartPayload(cfg)
	r.Bus.Broadcast(controlbus.Envelope{Cmd: controlbus.CmdStart, Payload: payload})
	return nil
}

// StartFlows arms the configured connection workload: it packs the live
// configuration's first flow descriptor, truncated to the envelope's
// payload size, plus the load shape into a CmdSetProfile broadcast. An
// icmp_ping flow routes to StartTraffic's
// ICMP generator instead, since that workload has no TCP connections to
// drive. durationS of 0 falls back to the configured duration_secs.
func (r *Runtime) StartFlows(durationS float64) error {
	cfg := r.Config()
	if len(cfg.Flows) == 0 {
		return errors.New("runtime: no flows configured")
	}
	flow := cfg.Flows[0]
	if durationS == 0 {
		durationS = float64(cfg.Load.DurationSecs)
	}

	dst, err := ParseIPv4(flow.DstIP)
	if err != nil {
		return err
	}

	var cps float64
	if cfg.Load.Mode == config.ModeConstant {
		cps = float64(cfg.Load.TargetCPS)
	}

	if flow.ICMPPing {
		return r.StartTraffic(txgen.Config{
			RatePPS:   cps,
			DurationS: durationS,
			DstIP:     dst,
		})
	}

	lo, err := ParseIPv4(flow.SrcIPLo)
	if err != nil {
		return err
	}
	hi, err := ParseIPv4(flow.SrcIPHi)
	if err != nil {
		return err
	}

	host := flow.HTTPHost
	if host == "" {
		host = flow.DstIP
	}
	url := flow.HTTPURL
	if url == "" {
		url = "/"
	}

	// max_concurrent bounds the whole process; each worker takes an equal
	// share of it.
	perWorker := cfg.Load.MaxConcurrent / uint32(max(len(r.workers), 1)) //nolint:gosec // worker count is small
	if perWorker == 0 {
		perWorker = 1
	}

	payload := flowrunner.EncodeProfilePayload(flowrunner.Profile{
		DstIP:         dst,
		DstPort:       flow.DstPort,
		SrcIPLo:       lo,
		SrcIPHi:       hi,
		EnableTLS:     flow.EnableTLS,
		SNI:           flow.SNI,
		Host:          host,
		URL:           url,
		BodyLen:       flow.HTTPBodyLen,
		TargetCPS:     cps,
		MaxConcurrent: perWorker,
		DurationS:     durationS,
	})
	r.Bus.Broadcast(controlbus.Envelope{Cmd: controlbus.CmdSetProfile, Payload: payload})
	return nil
}

// StopTraffic disarms every worker's TX generator and flow runner.
func (r *Runtime) StopTraffic() {
	r.Bus.Broadcast(controlbus.Envelope{Cmd: controlbus.CmdStop})
}

// SetRate re-paces every armed generator without a full re-arm.
func (r *Runtime) SetRate(ratePPS float64) {
	r.Bus.Broadcast(controlbus.Envelope{Cmd: controlbus.CmdSetRate, Payload: worker.EncodeRatePayload(ratePPS)})
}

// Shutdown broadcasts CmdShutdown, the signal every worker's drainControl
// treats as "stop calling Tick".
func (r *Runtime) Shutdown() {
	r.Bus.Shutdown()
}

// TraceStart arms the packet recorder on every bound port.
func (r *Runtime) TraceStart() {
	for _, b := range r.bindings {
		if b.Recorder != nil {
			b.Recorder.Start()
		}
	}
}

// TraceStop disarms every port's recorder, leaving its buffered packets
// available for TraceSave.
func (r *Runtime) TraceStop() {
	for _, b := range r.bindings {
		if b.Recorder != nil {
			b.Recorder.Stop()
		}
	}
}

// TraceSave writes the first bound port's recorder (tracing is a
// whole-process, single-file affair in this CLI; per-port pcapng files
// are not exposed) to path.
func (r *Runtime) TraceSave(path string) error {
	for _, b := range r.bindings {
		if b.Recorder != nil {
			return b.Recorder.Save(path)
		}
	}
	return fmt.Errorf("runtime: no port has a trace recorder attached")
}

// Ping resolves dstIP's MAC via the management core bound to portID and,
// if resolved, hands one ICMP echo request straight to that port's TX
// queue. Resolution failures (ARP still pending) are reported to the
// caller rather than retried, since a CLI/REST caller is better placed to
// decide whether to wait.
func (r *Runtime) Ping(portID int, dstIP uint32, payloadLen int) error {
	if portID < 0 || portID >= len(r.cores) {
		return fmt.Errorf("%w: %d", ErrNoSuchPort, portID)
	}
	core := r.cores[portID]
	buf, _, err := core.Ping(dstIP, payloadLen)
	if err != nil {
		return err
	}
	binding := r.bindings[portID]
	if sent := binding.Port.TxBurst(0, []*buffer.Buffer{buf}); sent == 0 {
		return fmt.Errorf("runtime: port %d rejected the echo request", portID)
	}
	return nil
}
