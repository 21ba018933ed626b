package supervise

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/warden-sh/proxy-warden/internal/config"
	"github.com/warden-sh/proxy-warden/internal/proxyerr"
)

type staticResolver string

func (r staticResolver) CurrentBinaryPath() string { return string(r) }

func testProxyConfig() config.ProxyConfig {
	return config.ProxyConfig{
		BinaryName:         "cli-proxy-api",
		Port:               0,
		HealthPath:         "/health",
		StartupTimeout:     2 * time.Second,
		HealthInterval:     100 * time.Millisecond,
		StopGracePeriod:    time.Second,
		MaxHealthFailures:  3,
		AuthCommandTimeout: 200 * time.Millisecond,
	}
}

// writeScript drops an executable shell script into dir and returns its path.
func writeScript(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "cli-proxy-api")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func TestResolveGateResolvesExactlyOnce(t *testing.T) {
	gate := newResolveGate()

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		kind := ResolutionCompleted
		if i%2 == 0 {
			kind = ResolutionTimeout
		}
		go func(k string) {
			defer wg.Done()
			if gate.resolve(authResolution{kind: k}) {
				atomic.AddInt32(&wins, 1)
			}
		}(kind)
	}
	wg.Wait()

	require.Equal(t, int32(1), wins)
	<-gate.ch
	select {
	case <-gate.ch:
		t.Fatal("gate delivered a second resolution")
	default:
	}
}

func TestRunAuthCommandParsesTokenFromOutput(t *testing.T) {
	dir := t.TempDir()
	claims := base64.RawURLEncoding.EncodeToString([]byte(`{"email":"dev@example.com"}`))
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none","typ":"JWT"}`))
	jwtToken := header + "." + claims + "."

	script := writeScript(t, dir, fmt.Sprintf(
		`echo "logging in..."
echo '{"access_token":"%s","refresh_token":"r1","token_type":"Bearer","expires_in":3600}'`, jwtToken))

	s := NewSupervisor(testProxyConfig(), staticResolver(script))
	res, err := s.RunAuthCommand(nil, "--login")
	require.NoError(t, err)
	require.Equal(t, ResolutionCompleted, res.Resolution)
	require.NotNil(t, res.Token)
	require.Equal(t, jwtToken, res.Token.AccessToken)
	require.Equal(t, "r1", res.Token.RefreshToken)
	require.Equal(t, "dev@example.com", res.Account)
	require.Contains(t, res.Output, "logging in")
}

func TestRunAuthCommandTimesOutAndKills(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "echo started\nsleep 30")

	s := NewSupervisor(testProxyConfig(), staticResolver(script))
	start := time.Now()
	res, err := s.RunAuthCommand(nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "did not finish")
	require.Equal(t, ResolutionTimeout, res.Resolution)
	require.Less(t, time.Since(start), 5*time.Second)
	// Output written before the kill is fully drained before it is read.
	require.Contains(t, res.Output, "started")
}

func TestRunAuthCommandSurfacesFailure(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, `echo "invalid provider"; exit 2`)

	s := NewSupervisor(testProxyConfig(), staticResolver(script))
	res, err := s.RunAuthCommand(nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "invalid provider")
	require.Equal(t, ResolutionCompleted, res.Resolution)
}

func TestStartFailsWhenBinaryMissing(t *testing.T) {
	s := NewSupervisor(testProxyConfig(), staticResolver("/nonexistent/cli-proxy-api"))
	err := s.Start(context.Background())
	require.Error(t, err)
	require.Equal(t, proxyerr.CodeBinaryNotFound, proxyerr.CodeOf(err))
	require.Equal(t, StateStopped, s.State())
	require.Equal(t, err, s.LastError())
}

// runningSupervisor wires a started command into the supervisor as if start
// had launched it, optionally with the monitor loop attached.
func runningSupervisor(t *testing.T, cmd *exec.Cmd, monitor bool) (*Supervisor, *process) {
	t.Helper()
	require.NoError(t, cmd.Start())
	proc := newProcess(cmd)
	stopPing := make(chan struct{})

	s := NewSupervisor(testProxyConfig(), staticResolver("/nonexistent/cli-proxy-api"))
	s.mu.Lock()
	s.proc = proc
	s.stopPing = stopPing
	s.state = StateRunning
	s.mu.Unlock()
	if monitor {
		go s.superviseLoop(proc, stopPing, false)
	}
	return s, proc
}

func TestStopTerminatesLiveProcessPromptly(t *testing.T) {
	s, _ := runningSupervisor(t, exec.Command("sleep", "30"), true)

	start := time.Now()
	require.NoError(t, s.Stop(context.Background()))
	require.Less(t, time.Since(start), 3*time.Second)
	require.Equal(t, StateStopped, s.State())
}

func TestStopAfterProcessAlreadyExited(t *testing.T) {
	s, proc := runningSupervisor(t, exec.Command("true"), false)
	<-proc.exited

	start := time.Now()
	require.NoError(t, s.Stop(context.Background()))
	require.Less(t, time.Since(start), time.Second)
	require.Equal(t, StateStopped, s.State())

	// The exit broadcast stays observable however many waiters saw it.
	select {
	case <-proc.exited:
	default:
		t.Fatal("exit signal no longer observable")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	s := NewSupervisor(testProxyConfig(), staticResolver("/nonexistent/cli-proxy-api"))
	require.NoError(t, s.Stop(context.Background()))
	require.NoError(t, s.Stop(context.Background()))
	require.Equal(t, StateStopped, s.State())
}
