// Package supervisor owns the sidecar child process's lifecycle: spawn,
// health-poll, graceful stop, restart, and crash-triggered auto-restart with
// a double-crash lockout. Only this package mutates the child handle; every
// lifecycle transition holds the supervisor mutex.
package supervisor

import (
	"bufio"
	"context"
	cryptorand "crypto/rand"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/worldline-go/klient"

	"github.com/rakunlabs/gatehouse/internal/config"
	"github.com/rakunlabs/gatehouse/internal/configgen"
	"github.com/rakunlabs/gatehouse/internal/store"
)

// Status is the point-in-time snapshot returned by Supervisor.Status.
type Status struct {
	Running     bool      `json:"running"`
	Port        string    `json:"port"`
	PID         int       `json:"pid,omitempty"`
	Endpoint    string    `json:"endpoint"`
	UptimeSec   float64   `json:"uptime_seconds,omitempty"`
	LastCrash   time.Time `json:"last_crash,omitempty"`
	AutoRestart bool      `json:"auto_restart_enabled"`
}

// Supervisor spawns and monitors the sidecar child process. Only Supervisor
// may mutate the child's lifecycle; callers ask it to Reload rather than
// touching the process directly.
type Supervisor struct {
	cfg    config.Sidecar
	store  store.ProviderStorer
	encKey []byte
	client *klient.Client

	mu          sync.Mutex
	cmd         *exec.Cmd
	startedAt   time.Time
	stopping    bool
	lastCrash   time.Time
	crashCount  int
	autoRestart bool

	reloadMu sync.Mutex
}

func New(cfg config.Sidecar, st store.ProviderStorer, encKey []byte) (*Supervisor, error) {
	c, err := klient.New(klient.WithDisableBaseURLCheck(true))
	if err != nil {
		return nil, fmt.Errorf("create sidecar http client: %w", err)
	}

	return &Supervisor{
		cfg:         cfg,
		store:       st,
		encKey:      encKey,
		client:      c,
		autoRestart: true,
	}, nil
}

func (s *Supervisor) endpoint() string {
	return "http://" + net.JoinHostPort(s.cfg.Host, s.cfg.Port)
}

// Start is idempotent: if a live child already answers health, it no-ops.
// A tracked child that fails health is stopped before a fresh spawn so two
// children never race for the port.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	hasChild := s.cmd != nil
	s.mu.Unlock()

	if hasChild {
		if s.healthy(ctx) {
			return nil
		}
		if err := s.Stop(ctx); err != nil {
			return err
		}
	}

	return s.start(ctx)
}

func (s *Supervisor) start(ctx context.Context) error {
	rendered, err := configgen.Render(ctx, s.endpoint(), s.store, s.encKey)
	if err != nil {
		return fmt.Errorf("render sidecar config: %w", err)
	}
	if err := configgen.WriteAtomic(s.cfg.ConfigPath, rendered); err != nil {
		return fmt.Errorf("write sidecar config: %w", err)
	}

	if s.cfg.BinaryPath == "" {
		return fmt.Errorf("sidecar.binary_path is not configured")
	}

	args := append([]string{"--config", s.cfg.ConfigPath}, s.cfg.Args...)
	cmd := exec.CommandContext(context.Background(), s.cfg.BinaryPath, args...)
	cmd.Env = append(os.Environ(),
		"SIDECAR_MANAGEMENT_ADDR="+s.endpoint(),
	)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("create sidecar stdout pipe: %w", err)
	}
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start sidecar: %w", err)
	}

	s.mu.Lock()
	s.cmd = cmd
	s.startedAt = time.Now()
	s.mu.Unlock()

	readyCh := make(chan bool, 1)
	go func() {
		scanner := bufio.NewScanner(stdout)
		for scanner.Scan() {
			if scanner.Text() == "SIDECAR_READY" {
				readyCh <- true
				return
			}
		}
		readyCh <- false
	}()

	select {
	case ready := <-readyCh:
		if !ready {
			_ = s.Stop(ctx)
			return fmt.Errorf("sidecar exited before signaling ready")
		}
	case <-time.After(s.cfg.ReadyTimeout):
		slog.Warn("sidecar did not print ready marker before timeout, polling health anyway")
	}

	deadline := time.Now().Add(s.cfg.ReadyTimeout)
	for time.Now().Before(deadline) {
		if s.healthy(ctx) {
			go s.monitor(cmd)
			return nil
		}
		time.Sleep(250 * time.Millisecond)
	}

	_ = s.Stop(ctx)
	return fmt.Errorf("sidecar health check timed out after %s", s.cfg.ReadyTimeout)
}

// monitor waits for the child to exit and, unless the exit was requested by
// Stop, records a crash and attempts one jittered auto-restart. A second
// crash within the restart delay window disables auto-restart.
func (s *Supervisor) monitor(cmd *exec.Cmd) {
	_ = cmd.Wait()

	s.mu.Lock()
	stopping := s.stopping
	s.stopping = false
	if s.cmd == cmd {
		s.cmd = nil
	}
	s.mu.Unlock()

	if stopping {
		return
	}

	s.mu.Lock()
	now := time.Now()
	recentCrash := !s.lastCrash.IsZero() && now.Sub(s.lastCrash) < s.cfg.RestartDelay*5
	s.lastCrash = now
	s.crashCount++
	if recentCrash {
		s.autoRestart = false
	}
	shouldRestart := s.autoRestart
	s.mu.Unlock()

	slog.Error("sidecar exited unexpectedly", "restarting", shouldRestart)

	if !shouldRestart {
		return
	}

	jitter := time.Duration(float64(s.cfg.RestartDelay) * (0.5 + 0.5*jitterFraction()))
	time.Sleep(jitter)

	if err := s.start(context.Background()); err != nil {
		slog.Error("sidecar auto-restart failed", "error", err)
	}
}

func jitterFraction() float64 {
	b := make([]byte, 1)
	if _, err := cryptorand.Read(b); err != nil {
		return 0.5
	}
	return float64(b[0]) / 255
}

// Stop sends a graceful termination signal and force-kills after the
// configured grace period.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopLocked(ctx)
}

func (s *Supervisor) stopLocked(ctx context.Context) error {
	if s.cmd == nil || s.cmd.Process == nil {
		return nil
	}

	s.stopping = true
	_ = s.cmd.Process.Signal(os.Interrupt)

	done := make(chan struct{})
	cmd := s.cmd
	go func() {
		_ = cmd.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(s.cfg.ShutdownTimeout):
		_ = cmd.Process.Kill()
		<-done
	}

	s.cmd = nil
	return nil
}

// Restart stops then starts the sidecar, preserving the configured port.
func (s *Supervisor) Restart(ctx context.Context) error {
	if err := s.Stop(ctx); err != nil {
		return err
	}
	return s.start(ctx)
}

// Reload regenerates the sidecar YAML and restarts only if the rendered
// config differs from what's currently on disk. reloadMu serializes
// concurrent provider edits into one reload per resulting state, so callers
// never need to coordinate among themselves.
func (s *Supervisor) Reload(ctx context.Context) error {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	rendered, err := configgen.Render(ctx, s.endpoint(), s.store, s.encKey)
	if err != nil {
		return fmt.Errorf("render sidecar config: %w", err)
	}

	changed, err := configgen.Diff(s.cfg.ConfigPath, rendered)
	if err != nil {
		return fmt.Errorf("diff sidecar config: %w", err)
	}
	if !changed {
		return nil
	}

	if err := configgen.WriteAtomic(s.cfg.ConfigPath, rendered); err != nil {
		return fmt.Errorf("write sidecar config: %w", err)
	}

	s.mu.Lock()
	running := s.cmd != nil
	s.mu.Unlock()
	if !running {
		return nil
	}

	return s.Restart(ctx)
}

func (s *Supervisor) healthy(ctx context.Context) bool {
	reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, s.endpoint()+"/healthz", nil)
	if err != nil {
		return false
	}

	ok := false
	if err := s.client.Do(req, func(r *http.Response) error {
		ok = r.StatusCode == http.StatusOK
		return nil
	}); err != nil {
		return false
	}

	return ok
}

// Status reports the current supervised-process snapshot.
func (s *Supervisor) Status(ctx context.Context) Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		Port:        s.cfg.Port,
		Endpoint:    s.endpoint(),
		LastCrash:   s.lastCrash,
		AutoRestart: s.autoRestart,
	}

	if s.cmd != nil && s.cmd.Process != nil {
		st.Running = true
		st.PID = s.cmd.Process.Pid
		st.UptimeSec = time.Since(s.startedAt).Seconds()
	}

	return st
}

// EnableAutoRestart re-arms auto-restart after an admin manually brings the
// sidecar back up following a double-crash lockout.
func (s *Supervisor) EnableAutoRestart() {
	s.mu.Lock()
	s.autoRestart = true
	s.mu.Unlock()
}
