// Command packetforge assembles and runs the traffic-generator data
// plane: a core map, one worker per data-plane core, one management
// core per bound NIC port, and the CLI/REST management surfaces on top.
package main

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/jroosing/packetforge/internal/buffer"
	"github.com/jroosing/packetforge/internal/config"
	"github.com/jroosing/packetforge/internal/controlbus"
	"github.com/jroosing/packetforge/internal/coremap"
	"github.com/jroosing/packetforge/internal/flowrunner"
	"github.com/jroosing/packetforge/internal/logging"
	"github.com/jroosing/packetforge/internal/mgmt"
	"github.com/jroosing/packetforge/internal/mgmt/cli"
	mgmtruntime "github.com/jroosing/packetforge/internal/mgmt/runtime"
	"github.com/jroosing/packetforge/internal/mgmt/rest"
	"github.com/jroosing/packetforge/internal/nic"
	"github.com/jroosing/packetforge/internal/route"
	"github.com/jroosing/packetforge/internal/store"
	"github.com/jroosing/packetforge/internal/tcp/fsm"
	"github.com/jroosing/packetforge/internal/tcp/portpool"
	"github.com/jroosing/packetforge/internal/tcp/tcb"
	"github.com/jroosing/packetforge/internal/telemetry"
	"github.com/jroosing/packetforge/internal/timing"
	"github.com/jroosing/packetforge/internal/tlsengine"
	"github.com/jroosing/packetforge/internal/txgen"
	"github.com/jroosing/packetforge/internal/wire"
	"github.com/jroosing/packetforge/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

// cliFlags holds parsed command-line flag values.
type cliFlags struct {
	configPath string
	dbPath     string
	ifaces     string
	localIPs   string
	workers    int
	jsonLogs   bool
	debug      bool
}

func parseFlags() cliFlags {
	var f cliFlags
	flag.StringVar(&f.configPath, "config", "", "Path to the JSON run configuration (required)")
	flag.StringVar(&f.dbPath, "db", "", "Path to the SQLite profile store (disabled if empty)")
	flag.StringVar(&f.ifaces, "ifaces", "", "Comma-separated interface names to bind, one NIC port each (empty binds a single in-process loopback port)")
	flag.StringVar(&f.localIPs, "local-ips", "", "Comma-separated local IPv4 address per interface (an interface without one uses 10.0.0.1)")
	flag.IntVar(&f.workers, "workers", -1, "Clamp the core count observed for coremap.Auto (can only reduce; -1 means runtime.NumCPU())")
	flag.BoolVar(&f.jsonLogs, "json-logs", false, "Enable JSON structured logging")
	flag.BoolVar(&f.debug, "debug", false, "Enable debug logging")
	flag.Parse()
	return f
}

func run() error {
	flags := parseFlags()
	if strings.TrimSpace(flags.configPath) == "" {
		return fmt.Errorf("packetforge: -config is required")
	}

	cfg, err := config.LoadFile(flags.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := logging.Configure(logging.Config{
		Level:      levelOf(flags.debug),
		Structured: flags.jsonLogs,
	})
	logger.Info("packetforge starting",
		"config", flags.configPath,
		"flows", len(cfg.Flows),
		"max_concurrent", cfg.Load.MaxConcurrent,
		"rest_port", cfg.Mgmt.RESTPort,
	)

	var st *store.Store
	if flags.dbPath != "" {
		st, err = store.Open(flags.dbPath)
		if err != nil {
			return fmt.Errorf("failed to open profile store: %w", err)
		}
		defer st.Close()
	}

	ports, localIPs, localMACs, err := openPorts(flags)
	if err != nil {
		return fmt.Errorf("failed to open NIC ports: %w", err)
	}
	defer closePorts(ports)

	nCores := runtime.NumCPU()
	if flags.workers > 0 && flags.workers < nCores {
		nCores = flags.workers
	}
	if nCores < 2 {
		nCores = 2
	}
	cores := make([]coremap.Core, nCores)
	for i := range cores {
		cores[i] = coremap.Core{ID: i, Socket: 0}
	}
	cmPorts := make([]coremap.Port, len(ports))
	for i := range ports {
		cmPorts[i] = coremap.Port{ID: i, Socket: 0}
	}
	cm, err := coremap.Auto(cores, cmPorts)
	if err != nil {
		return fmt.Errorf("failed to assign cores: %w", err)
	}
	logger.Info("core map built", "cores", nCores, "workers", len(cm.Workers()), "mgmt", len(cm.Mgmt()))

	clock := timing.Calibrate()
	bus := controlbus.New(len(cm.Workers()), pipelineDepth(cfg))

	bindings := make([]*worker.PortBinding, len(ports))
	for i, p := range ports {
		bindings[i] = worker.NewPortBinding(i, p, localIPs[i], localMACs[i], clock)
	}

	rt := route.New()
	for _, flow := range cfg.Flows {
		dst, perr := mgmtruntime.ParseIPv4(flow.DstIP)
		if perr != nil {
			continue
		}
		_ = rt.Add(route.Route{Prefix: dst, PrefixLen: 32, EgressPort: 0})
	}

	tel := telemetry.NewRegistry()

	var tlsConf *tls.Config
	if len(cfg.Flows) > 0 && cfg.Flows[0].EnableTLS {
		tlsConf, err = tlsengine.ClientConfig(cfg.Flows[0], cfg.TLS)
		if err != nil {
			return fmt.Errorf("failed to build TLS client config: %w", err)
		}
	}

	bindingMap := make(map[int]*worker.PortBinding, len(bindings))
	for _, b := range bindings {
		bindingMap[b.ID] = b
	}
	owned := ownedQueues(ports)

	workers := make([]*worker.Worker, len(cm.Workers()))
	for wi, coreID := range cm.Workers() {
		pool, perr := buffer.NewPool(cm.SocketOf(coreID), buffer.Config{
			RXDescriptors:   128,
			TXDescriptors:   128,
			PipelineDepth:   pipelineDepth(cfg),
			QueuesPerWorker: max(len(owned), 1),
			DataRoom:        2176,
		})
		if perr != nil {
			return fmt.Errorf("failed to build buffer pool for worker %d: %w", wi, perr)
		}
		tcbStore := tcb.New(int(cfg.Load.MaxConcurrent))
		// Every port comes from the same openPorts factory, so one
		// capability record covers all of a worker's egress ports.
		engine := &fsm.Engine{Pool: pool, LocalMAC: localMACs[0], Clock: clock,
			PRNG: timing.NewPRNG(uint64(wi + 1)), Caps: ports[0].Capabilities()}
		gen := txgen.New(clock)

		w := worker.New(wi, clock, pool, bus.Worker(wi), tcbStore, portpool.New(), engine, gen, rt, bindingMap, owned)
		w.Flows = flowrunner.New(clock, engine, tcbStore, w.Ports)
		w.Flows.TLSConf = tlsConf
		workers[wi] = w
		tel.Track(fmt.Sprintf("%d", wi), w.Counters)
	}

	var mgmtCores []*mgmt.Core
	for pi, b := range bindings {
		c := mgmt.NewCore(b, clock, uint16(0xc000|pi)) //nolint:gosec // port index is small
		mgmtCores = append(mgmtCores, c)
		tel.TrackMgmt(fmt.Sprintf("%d", pi), &c.Counters)
	}

	rtm := mgmtruntime.New(*cfg, bus, tel, st, workers, bindings, mgmtCores)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	stopWorkers := runWorkers(workers)
	stopMgmt := runMgmtCores(ctx, mgmtCores)
	defer stopMgmt()

	var restSrv *rest.Server
	if cfg.Mgmt.RESTPort != 0 {
		restSrv = rest.New(rtm, logger)
		go func() {
			if serveErr := restSrv.ListenAndServe(); serveErr != nil && serveErr != http.ErrServerClosed {
				logger.Error("REST server error", "err", serveErr)
			}
		}()
		logger.Info("REST management surface listening", "addr", restSrv.Addr())
	}

	repl := cli.New(rtm, os.Stdin, os.Stdout, cfg.Mgmt.CLIPrompt)
	replDone := make(chan struct{})
	replErr := make(chan error, 1)
	go func() {
		replErr <- repl.Run(replDone)
	}()

	select {
	case <-ctx.Done():
	case rerr := <-replErr:
		if rerr != nil {
			logger.Error("CLI REPL exited with error", "err", rerr)
		}
	}
	close(replDone)

	rtm.Shutdown()
	<-stopWorkers

	if restSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = restSrv.Shutdown(shutdownCtx)
		shutdownCancel()
	}

	logger.Info("packetforge stopped")
	return nil
}

func levelOf(debug bool) string {
	if debug {
		return "DEBUG"
	}
	return "INFO"
}

func pipelineDepth(cfg *config.Config) int {
	if cfg.Load.MaxConcurrent == 0 {
		return 32
	}
	d := int(cfg.Load.MaxConcurrent / 32) //nolint:gosec // bounded by config validation
	if d < 8 {
		return 8
	}
	return d
}

// runWorkers spawns one goroutine per worker, ticking it until it reports
// shutdown. Returns a channel closed once every worker goroutine has
// exited, so the caller can wait for a clean stop before tearing down the
// management surfaces.
func runWorkers(workers []*worker.Worker) <-chan struct{} {
	done := make(chan struct{})
	remaining := len(workers)
	finished := make(chan struct{}, len(workers))
	for _, w := range workers {
		go func(w *worker.Worker) {
			// Each worker owns its OS thread for the life of the loop.
			runtime.LockOSThread()
			defer runtime.UnlockOSThread()
			for {
				if w.Tick() {
					finished <- struct{}{}
					return
				}
			}
		}(w)
	}
	go func() {
		for i := 0; i < remaining; i++ {
			<-finished
		}
		close(done)
	}()
	return done
}

// runMgmtCores spawns one ticking goroutine per management core and
// returns a function that stops them all.
func runMgmtCores(ctx context.Context, cores []*mgmt.Core) func() {
	stop := make(chan struct{})
	for _, c := range cores {
		go func(c *mgmt.Core) {
			ticker := time.NewTicker(time.Millisecond)
			defer ticker.Stop()
			for {
				select {
				case <-stop:
					return
				case <-ctx.Done():
					return
				case <-ticker.C:
					if out := c.Tick(); len(out) > 0 {
						c.Binding.Port.TxBurst(0, out)
					}
				}
			}
		}(c)
	}
	return func() { close(stop) }
}

// ownedQueues assigns every bound port's queue 0 to each worker; a real
// multi-queue deployment would split queues across coremap.Map's
// PortWorkers(port), but every provided NIC port (raw-socket or loopback)
// exposes one RX queue today.
func ownedQueues(ports []nic.Port) []worker.OwnedQueue {
	owned := make([]worker.OwnedQueue, len(ports))
	for i := range ports {
		owned[i] = worker.OwnedQueue{PortID: i, Queue: 0}
	}
	return owned
}

// openPorts opens one NIC port per interface named in flags.ifaces (or a
// single loopback port if none are named), along with the local
// IPv4/MAC identity each port answers as.
func openPorts(flags cliFlags) ([]nic.Port, []uint32, []wire.MAC, error) {
	var ifaceNames []string
	if strings.TrimSpace(flags.ifaces) != "" {
		ifaceNames = strings.Split(flags.ifaces, ",")
	} else {
		ifaceNames = []string{""}
	}

	var ipStrs []string
	if strings.TrimSpace(flags.localIPs) != "" {
		ipStrs = strings.Split(flags.localIPs, ",")
	}

	ports := make([]nic.Port, len(ifaceNames))
	ips := make([]uint32, len(ifaceNames))
	macs := make([]wire.MAC, len(ifaceNames))
	for i, name := range ifaceNames {
		p, err := nic.OpenPort(strings.TrimSpace(name), 1, 4096)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("interface %q: %w", name, err)
		}
		ports[i] = p

		var ipStr string
		if i < len(ipStrs) {
			ipStr = strings.TrimSpace(ipStrs[i])
		}
		if ipStr == "" {
			ipStr = "10.0.0.1"
		}
		ip, err := mgmtruntime.ParseIPv4(ipStr)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("local IP %q: %w", ipStr, err)
		}
		ips[i] = ip
		macs[i] = randomMAC()
	}
	return ports, ips, macs, nil
}

func closePorts(ports []nic.Port) {
	for _, p := range ports {
		_ = p.Close()
	}
}

// randomMAC returns a locally-administered, unicast MAC address, used
// when no hardware address is available (loopback and raw-socket ports
// both answer ARP with whatever MAC the process is configured to use,
// not a NIC-assigned one).
func randomMAC() wire.MAC {
	var mac wire.MAC
	_, _ = rand.Read(mac[:])
	mac[0] &^= 0x01 // unicast
	mac[0] |= 0x02  // locally administered
	return mac
}

