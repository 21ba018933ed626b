// Package supervise keeps the wrapped proxy binary alive: it launches the
// currently promoted version, gates readiness on health checks, watches the
// process, and performs one bounded recovery before surfacing a failure.
package supervise

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/warden-sh/proxy-warden/internal/config"
	"github.com/warden-sh/proxy-warden/internal/proxyerr"
	"gopkg.in/yaml.v3"
)

// State is the supervisor lifecycle state.
type State string

const (
	StateStopped    State = "stopped"
	StateStarting   State = "starting"
	StateRunning    State = "running"
	StateRecovering State = "recovering"
	StateStopping   State = "stopping"
	StateError      State = "error"
)

// BinaryResolver resolves the active binary path. The release manager's
// current symlink satisfies this.
type BinaryResolver interface {
	CurrentBinaryPath() string
}

// process is one running instance of the wrapped binary. A single watcher
// goroutine owns cmd.Wait; everyone else observes the exit through the
// closed exited channel, so any number of waiters can see it without
// contending for a one-shot value.
type process struct {
	cmd    *exec.Cmd
	exited chan struct{}
	err    error // exit status; valid only after exited is closed
}

// newProcess wraps a started command and spawns its exit watcher.
func newProcess(cmd *exec.Cmd) *process {
	p := &process{cmd: cmd, exited: make(chan struct{})}
	go func() {
		p.err = cmd.Wait()
		close(p.exited)
	}()
	return p
}

// Supervisor owns the wrapped proxy process. Public operations (Start, Stop,
// Restart, RunAuthCommand) serialize on opMu, so a promotion-triggered
// restart can never interleave with an operator stop.
type Supervisor struct {
	opMu sync.Mutex
	mu   sync.Mutex

	cfg     config.ProxyConfig
	resolve BinaryResolver
	client  *http.Client

	state    State
	lastErr  error
	proc     *process
	stopPing chan struct{}
}

// NewSupervisor creates a supervisor for the wrapped binary. It does not
// start anything.
func NewSupervisor(cfg config.ProxyConfig, resolve BinaryResolver) *Supervisor {
	return &Supervisor{
		cfg:     cfg,
		resolve: resolve,
		client:  &http.Client{Timeout: 3 * time.Second},
		state:   StateStopped,
	}
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastError returns the error behind the most recent failed transition.
func (s *Supervisor) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Endpoint is the base URL of the wrapped instance.
func (s *Supervisor) Endpoint() string {
	return fmt.Sprintf("http://127.0.0.1:%d", s.cfg.Port)
}

// Healthy probes the wrapped instance's health endpoint.
func (s *Supervisor) Healthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.Endpoint()+s.cfg.HealthPath, nil)
	if err != nil {
		return false
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// Start launches the promoted binary and blocks until it answers health
// checks or the startup window lapses. Calling Start while already running
// is a no-op.
func (s *Supervisor) Start(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.start(ctx, false)
}

// Stop shuts the wrapped process down: SIGTERM, a bounded grace period, then
// SIGKILL. Stopping an already stopped supervisor is a no-op.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.stop(ctx)
}

// Restart stops and starts the wrapped process as one serialized operation.
// Promotion and rollback go through here.
func (s *Supervisor) Restart(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	if err := s.stop(ctx); err != nil {
		return err
	}
	return s.start(ctx, false)
}

func (s *Supervisor) start(ctx context.Context, afterRecovery bool) error {
	s.mu.Lock()
	if s.state == StateRunning || s.state == StateStarting {
		s.mu.Unlock()
		return nil
	}
	s.state = StateStarting
	s.mu.Unlock()

	fail := func(err error) error {
		s.mu.Lock()
		s.state = StateStopped
		s.lastErr = err
		s.mu.Unlock()
		return err
	}

	binPath := s.resolve.CurrentBinaryPath()
	if _, err := os.Stat(binPath); err != nil {
		return fail(proxyerr.New(proxyerr.CodeBinaryNotFound, "no promoted binary at %s", binPath))
	}
	if portInUse(s.cfg.Port) {
		return fail(proxyerr.New(proxyerr.CodePortInUse, "port %d is already bound by another process", s.cfg.Port))
	}

	cfgPath, err := s.writeRuntimeConfig()
	if err != nil {
		return fail(err)
	}

	cmd := exec.Command(binPath, "--config", cfgPath)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return fail(proxyerr.Wrap(proxyerr.CodeProcessExited, err, "failed to launch %s", binPath))
	}
	log.Printf("🚀 Launched proxy binary (pid %d)", cmd.Process.Pid)

	proc := newProcess(cmd)

	if err := s.waitReady(ctx, proc); err != nil {
		cmd.Process.Kill()
		return fail(err)
	}

	stopPing := make(chan struct{})
	s.mu.Lock()
	s.proc = proc
	s.stopPing = stopPing
	s.state = StateRunning
	s.lastErr = nil
	s.mu.Unlock()

	log.Printf("🟢 Proxy is healthy on port %d", s.cfg.Port)
	go s.superviseLoop(proc, stopPing, afterRecovery)
	return nil
}

// waitReady polls the health endpoint until the startup window lapses or the
// process dies underneath us.
func (s *Supervisor) waitReady(ctx context.Context, proc *process) error {
	deadline := time.Now().Add(s.cfg.StartupTimeout)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-proc.exited:
			return proxyerr.New(proxyerr.CodeProcessExited, "proxy exited during startup: %v", proc.err)
		case <-time.After(300 * time.Millisecond):
		}
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		ok := s.Healthy(pingCtx)
		cancel()
		if ok {
			return nil
		}
	}
	return proxyerr.New(proxyerr.CodeHealthCheckTimeout, "proxy did not become healthy within %s", s.cfg.StartupTimeout)
}

func (s *Supervisor) stop(ctx context.Context) error {
	s.mu.Lock()
	proc := s.proc
	if proc == nil {
		if s.state != StateError {
			s.state = StateStopped
		}
		s.mu.Unlock()
		return nil
	}
	stopPing := s.stopPing
	s.state = StateStopping
	s.mu.Unlock()

	close(stopPing)
	proc.cmd.Process.Signal(syscall.SIGTERM)

	// Every wait here is bounded: the exited channel is a broadcast closed by
	// the process watcher, so observing it never races the monitor loop.
	select {
	case <-proc.exited:
	case <-ctx.Done():
		proc.cmd.Process.Kill()
		s.awaitExit(proc)
	case <-time.After(s.cfg.StopGracePeriod):
		log.Printf("⚠️ Proxy ignored SIGTERM, killing pid %d", proc.cmd.Process.Pid)
		proc.cmd.Process.Kill()
		s.awaitExit(proc)
	}

	s.mu.Lock()
	s.proc = nil
	s.stopPing = nil
	s.state = StateStopped
	s.mu.Unlock()
	log.Printf("🛑 Proxy stopped")
	return nil
}

// awaitExit waits for the exit broadcast after a SIGKILL, giving up after the
// grace period rather than hanging.
func (s *Supervisor) awaitExit(proc *process) {
	select {
	case <-proc.exited:
	case <-time.After(s.cfg.StopGracePeriod):
		log.Printf("⚠️ Proxy pid %d did not exit after SIGKILL", proc.cmd.Process.Pid)
	}
}

// superviseLoop watches the running process: periodic health checks plus the
// exit broadcast. A breach triggers exactly one recovery restart; a breach on
// the recovered process lands in StateError. Once stopPing is closed the loop
// stands down unconditionally, and no path in it blocks on a channel another
// goroutine could drain first.
func (s *Supervisor) superviseLoop(proc *process, stopPing chan struct{}, afterRecovery bool) {
	ticker := time.NewTicker(s.cfg.HealthInterval)
	defer ticker.Stop()
	failures := 0

	for {
		select {
		case <-stopPing:
			return
		case <-proc.exited:
			select {
			case <-stopPing:
				// Deliberate shutdown; stop() handles the exit.
				return
			default:
			}
			s.recoverOrFail(afterRecovery,
				proxyerr.New(proxyerr.CodeProcessExited, "proxy exited unexpectedly: %v", proc.err))
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			ok := s.Healthy(ctx)
			cancel()
			if ok {
				failures = 0
				continue
			}
			failures++
			log.Printf("⚠️ Proxy health check failed (%d/%d)", failures, s.cfg.MaxHealthFailures)
			if failures < s.cfg.MaxHealthFailures {
				continue
			}
			select {
			case <-stopPing:
				return
			default:
			}
			proc.cmd.Process.Kill()
			s.awaitExit(proc)
			s.recoverOrFail(afterRecovery,
				proxyerr.New(proxyerr.CodeHealthCheckTimeout, "proxy failed %d consecutive health checks", failures))
			return
		}
	}
}

func (s *Supervisor) recoverOrFail(afterRecovery bool, cause error) {
	s.mu.Lock()
	s.proc = nil
	s.stopPing = nil
	s.lastErr = cause
	if afterRecovery {
		s.state = StateError
		s.mu.Unlock()
		log.Printf("🔴 Proxy failed again after recovery, giving up: %v", cause)
		return
	}
	s.state = StateRecovering
	s.mu.Unlock()
	log.Printf("🔄 Proxy failed (%v), attempting one recovery restart", cause)

	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	if s.state != StateRecovering {
		// An operator got here first; respect whatever they did.
		s.mu.Unlock()
		return
	}
	s.state = StateStopped
	s.mu.Unlock()

	if err := s.start(context.Background(), true); err != nil {
		s.mu.Lock()
		s.state = StateError
		s.lastErr = err
		s.mu.Unlock()
		log.Printf("🔴 Recovery restart failed: %v", err)
	}
}

// CleanupOrphanProcesses kills leftover instances of the wrapped binary from
// a previous run. Called once before the first start.
func (s *Supervisor) CleanupOrphanProcesses() {
	out, err := exec.Command("pgrep", "-f", s.cfg.BinaryName).Output()
	if err != nil {
		// pgrep exits 1 when nothing matches.
		return
	}
	self := os.Getpid()
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		pid, err := strconv.Atoi(strings.TrimSpace(line))
		if err != nil || pid == self {
			continue
		}
		log.Printf("🧹 Killing orphan proxy process (pid %d)", pid)
		syscall.Kill(pid, syscall.SIGKILL)
	}
}

// writeRuntimeConfig renders the wrapped binary's config file under the
// versions root.
func (s *Supervisor) writeRuntimeConfig() (string, error) {
	if err := os.MkdirAll(s.cfg.VersionsRoot, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(s.cfg.VersionsRoot, "runtime-config.yaml")
	data, err := yaml.Marshal(map[string]interface{}{
		"host": "127.0.0.1",
		"port": s.cfg.Port,
	})
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func portInUse(port int) bool {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), 500*time.Millisecond)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
