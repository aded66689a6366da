// Package sandbox composes the netns pool, the Firecracker API client, and
// the vsock transport into the sandbox lifecycle: create, start (cold boot
// or snapshot restore), exec, stop, destroy. It owns no policy about which
// CLI agent runs inside the guest or how often — that lives in the guest
// agent orchestrator on the other end of the vsock channel.
package sandbox

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/oriys/vm0-runner/internal/config"
	"github.com/oriys/vm0-runner/internal/firecracker"
	"github.com/oriys/vm0-runner/internal/logging"
	"github.com/oriys/vm0-runner/internal/netnspool"
	"github.com/oriys/vm0-runner/internal/resourcepool"
	"github.com/oriys/vm0-runner/internal/tracing"
)

// State is a sandbox's position in its own lifecycle.
type State int

const (
	StateCreated State = iota
	StateRunning
	StateStopped
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	case StateDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// cidRangeStart skips the reserved vsock CIDs (0 = hypervisor wildcard, 1 =
// local, 2 = host) so every sandbox gets a guest-unique context ID.
const cidRangeStart = 3

// Factory mints sandboxes against one Firecracker binary/kernel/rootfs
// configuration and one process-wide netns pool. The zero value is not
// usable; construct with NewFactory.
type Factory struct {
	cfg       *config.Config
	netnsPool *netnspool.Pool
	cidPool   *resourcepool.Pool[uint32]
}

// NewFactory returns a Factory backed by netnsPool, with a vsock CID free
// list sized generously above the netns pool's capacity (a sandbox can
// acquire a CID and fail to acquire a netns slot, or vice versa, so the two
// pools are sized independently rather than paired 1:1).
func NewFactory(cfg *config.Config, netnsPool *netnspool.Pool) *Factory {
	cidPool := resourcepool.New[uint32]()
	cids := make([]uint32, 0, netnsPool.Capacity()*4)
	for i := 0; i < netnsPool.Capacity()*4; i++ {
		cids = append(cids, uint32(cidRangeStart+i))
	}
	cidPool.Fill(cids)

	return &Factory{cfg: cfg, netnsPool: netnsPool, cidPool: cidPool}
}

// Sandbox is one ephemeral microVM: its workspace directory, its netns
// reservation, its Firecracker process, and (once started) its vsock
// channel. A Sandbox must progress Create -> Start -> zero or more Exec ->
// Stop -> Destroy; skipping Stop before Destroy is tolerated (Destroy
// stops first if still running).
type Sandbox struct {
	ID           string
	RunID        string
	WorkspaceDir string

	factory *Factory
	cid     uint32

	mu                sync.Mutex
	state             State
	netnsRes          *netnspool.Reservation
	fcClient          *firecracker.Client
	proc              *firecrackerProcess
	vsock             *vsockClient
	preserveCodeDrive bool
}

func (s *Sandbox) workspacePath(name string) string {
	return filepath.Join(s.WorkspaceDir, name)
}

func (s *Sandbox) apiSocketPath() string    { return s.workspacePath("api.sock") }
func (s *Sandbox) vsockUDSPath() string     { return s.workspacePath("vsock.sock") }
func (s *Sandbox) overlayImagePath() string { return s.workspacePath("overlay.ext4") }
func (s *Sandbox) firecrackerLogPath() string {
	return s.workspacePath("firecracker.log")
}

// Create mints a UUID, reserves a netns slot and a vsock CID, and creates
// the sandbox's workspace directory. The netns reservation and the
// directory creation run concurrently since neither depends on the other's
// result; a failure in either unwinds whatever the other side already
// acquired.
func (f *Factory) Create(ctx context.Context, runID string) (*Sandbox, error) {
	id := uuid.New().String()
	ctx, end := tracing.StartSpan(ctx, "sandbox.create", attribute.String("sandbox_id", id), attribute.String("run_id", runID))
	var err error
	defer func() { end(err) }()

	workspaceDir := filepath.Join(f.cfg.HomeDir, "sandboxes", id)

	sb := &Sandbox{
		ID:           id,
		RunID:        runID,
		WorkspaceDir: workspaceDir,
		factory:      f,
		state:        StateCreated,
	}

	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		res, acqErr := f.netnsPool.Acquire()
		if acqErr != nil {
			return fmt.Errorf("acquire netns slot: %w", acqErr)
		}
		sb.netnsRes = res
		return nil
	})
	g.Go(func() error {
		return os.MkdirAll(workspaceDir, 0700)
	})
	if waitErr := g.Wait(); waitErr != nil {
		if sb.netnsRes != nil {
			sb.netnsRes.Release()
		}
		os.RemoveAll(workspaceDir)
		err = waitErr
		return nil, err
	}

	cid, ok := f.cidPool.Acquire()
	if !ok {
		sb.netnsRes.Release()
		os.RemoveAll(workspaceDir)
		err = fmt.Errorf("sandbox: no vsock CID available")
		return nil, err
	}
	sb.cid = cid
	sb.fcClient = firecracker.New(sb.apiSocketPath())

	logOp(&logging.SandboxOp{RunID: runID, SandboxID: id, Name: "create", Success: true})
	return sb, nil
}

// Destroy releases the netns slot and vsock CID, stopping the VM first if
// it is still running, and removes the workspace directory unless
// CreateSnapshot was called on this sandbox. Every step is
// best-effort: a failure partway through still runs the remaining cleanup
// steps so a single stuck step never leaks the rest of the reservation.
func (s *Sandbox) Destroy(ctx context.Context) (err error) {
	ctx, end := tracing.StartSpan(ctx, "sandbox.destroy", attribute.String("sandbox_id", s.ID))
	defer func() { end(err) }()

	start := time.Now()

	s.mu.Lock()
	state := s.state
	s.mu.Unlock()

	if state == StateRunning {
		_ = s.Stop(ctx)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.netnsRes != nil {
		s.netnsRes.Release()
		s.netnsRes = nil
	}
	s.factory.cidPool.Release(s.cid)

	if !s.preserveCodeDrive {
		err = os.RemoveAll(s.WorkspaceDir)
	}

	s.state = StateDestroyed
	logOp(&logging.SandboxOp{
		RunID: s.RunID, SandboxID: s.ID, Name: "destroy",
		DurationMs: time.Since(start).Milliseconds(),
		Success:    err == nil,
		Error:      errString(err),
	})
	return err
}

func logOp(op *logging.SandboxOp) {
	logging.Default().Log(op)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
