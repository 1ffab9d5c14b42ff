package cli_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jroosing/packetforge/internal/config"
	"github.com/jroosing/packetforge/internal/controlbus"
	"github.com/jroosing/packetforge/internal/mgmt/cli"
	"github.com/jroosing/packetforge/internal/mgmt/runtime"
	"github.com/jroosing/packetforge/internal/telemetry"
)

func testConfig() config.Config {
	return config.Config{
		Flows: []config.Flow{{DstIP: "10.0.0.1", DstPort: 80, SrcIPLo: "10.0.0.2", SrcIPHi: "10.0.0.2"}},
		Load:  config.Load{MaxConcurrent: 16, Mode: config.ModeUnlimited},
		Mgmt:  config.Mgmt{RESTPort: 8080, CLIPrompt: "pf> "},
	}
}

func newTestRuntime() *runtime.Runtime {
	bus := controlbus.New(1, 8)
	return runtime.New(testConfig(), bus, telemetry.NewRegistry(), nil, nil, nil, nil)
}

func run(t *testing.T, input string) string {
	t.Helper()
	rt := newTestRuntime()
	out := &bytes.Buffer{}
	r := cli.New(rt, strings.NewReader(input), out, "pf> ")
	require.NoError(t, r.Run(nil))
	return out.String()
}

func TestHelp(t *testing.T) {
	out := run(t, "help\nquit\n")
	assert.Contains(t, out, "commands:")
}

func TestStats(t *testing.T) {
	out := run(t, "stats\nquit\n")
	assert.Contains(t, out, "tcb_count=0")
}

func TestSetCPS(t *testing.T) {
	out := run(t, "set-cps 500\nquit\n")
	assert.Contains(t, out, "rate set to 500")
}

func TestStop(t *testing.T) {
	out := run(t, "stop\nquit\n")
	assert.Contains(t, out, "stopped")
}

func TestUnknownCommandReportsError(t *testing.T) {
	out := run(t, "bogus\nquit\n")
	assert.Contains(t, out, "error:")
}

func TestTraceStartStop(t *testing.T) {
	out := run(t, "trace start\ntrace stop\nquit\n")
	assert.Contains(t, out, "trace armed")
	assert.Contains(t, out, "trace disarmed")
}

func TestLoadWithoutStoreFails(t *testing.T) {
	out := run(t, "load myprofile\nquit\n")
	assert.Contains(t, out, "error:")
}

func TestEOFEndsREPL(t *testing.T) {
	out := run(t, "stats\n")
	assert.Contains(t, out, "tcb_count=0")
}
