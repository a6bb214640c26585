// Package serviceexec implements the service executor (component N): each
// configured service runs as an isolated child process reachable through its
// own unix-domain IPC socket, following the teacher's exec.Command-based
// subprocess pattern in contracts.go, generalized into a managed, connectable
// socket per service.
package serviceexec

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/edgemesh/node/pkg/utils"
)

// Config describes one service to spawn.
type Config struct {
	ID      string
	Command string
	Args    []string
	Env     []string
}

var (
	// ErrUnknownService is returned when Connect names a service never Spawned.
	ErrUnknownService = errors.New("serviceexec: unknown service id")
	// ErrAlreadyRunning is returned when Spawn is called twice for the same id.
	ErrAlreadyRunning = errors.New("serviceexec: service already running")
)

type managedService struct {
	cfg        Config
	cmd        *exec.Cmd
	socketPath string
}

// Manager spawns and supervises service processes, each bound to a unix
// socket under socketDir, and hands out connections to them via Connect,
// satisfying handshake.ServiceProvider.
type Manager struct {
	socketDir string

	mu       sync.Mutex
	services map[string]*managedService

	log *logrus.Entry
}

// New creates a Manager rooting every service's socket under socketDir.
func New(socketDir string) (*Manager, error) {
	if err := os.MkdirAll(socketDir, 0o755); err != nil {
		return nil, utils.Wrap(err, "create service socket directory")
	}
	return &Manager{
		socketDir: socketDir,
		services:  make(map[string]*managedService),
		log:       logrus.WithField("component", "serviceexec"),
	}, nil
}

// Spawn starts cfg's process, passing it the socket path to listen on via
// the SERVICE_SOCKET environment variable. The process is expected to have
// its listener bound by the time the first Connect call is made; Connect
// retries briefly to absorb that startup race.
func (m *Manager) Spawn(ctx context.Context, cfg Config) error {
	m.mu.Lock()
	if _, exists := m.services[cfg.ID]; exists {
		m.mu.Unlock()
		return ErrAlreadyRunning
	}
	m.mu.Unlock()

	socketPath := filepath.Join(m.socketDir, cfg.ID+".sock")
	os.Remove(socketPath)

	cmd := exec.CommandContext(ctx, cfg.Command, cfg.Args...)
	cmd.Env = append(append([]string{}, os.Environ()...), cfg.Env...)
	cmd.Env = append(cmd.Env, fmt.Sprintf("SERVICE_SOCKET=%s", socketPath))
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return utils.Wrap(err, "start service process")
	}

	m.mu.Lock()
	m.services[cfg.ID] = &managedService{cfg: cfg, cmd: cmd, socketPath: socketPath}
	m.mu.Unlock()

	m.log.WithField("service", cfg.ID).Info("spawned service process")
	return nil
}

// Connect opens a fresh connection to serviceID's unix socket, satisfying
// handshake.ServiceProvider.
func (m *Manager) Connect(serviceID string) (io.ReadWriteCloser, error) {
	m.mu.Lock()
	svc, ok := m.services[serviceID]
	m.mu.Unlock()
	if !ok {
		return nil, ErrUnknownService
	}

	var lastErr error
	for attempt := 0; attempt < 20; attempt++ {
		conn, err := net.Dial("unix", svc.socketPath)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		time.Sleep(50 * time.Millisecond)
	}
	return nil, utils.Wrap(lastErr, "connect to service socket")
}

// Stop signals serviceID's process to exit and waits for it.
func (m *Manager) Stop(serviceID string) error {
	m.mu.Lock()
	svc, ok := m.services[serviceID]
	if ok {
		delete(m.services, serviceID)
	}
	m.mu.Unlock()
	if !ok {
		return ErrUnknownService
	}

	if svc.cmd.Process != nil {
		svc.cmd.Process.Kill()
	}
	svc.cmd.Wait()
	os.Remove(svc.socketPath)
	return nil
}

// Shutdown stops every running service.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.services))
	for id := range m.services {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		if err := m.Stop(id); err != nil {
			m.log.WithError(err).WithField("service", id).Warn("failed to stop service cleanly")
		}
	}
}
