package control

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/kirr/gitfs/internal/chase"
	"github.com/kirr/gitfs/internal/router"
)

// ChaseState mirrors spec.md §4.9's chase-handle lifecycle: Running ->
// Stopping -> Stopped.
type ChaseState int

const (
	ChaseRunning ChaseState = iota
	ChaseStopping
	ChaseStopped
)

// chaseHandle tracks one in-flight chase's executor and lifecycle state.
type chaseHandle struct {
	id       string
	repoID   uint16
	executor *chase.Executor

	mu    sync.Mutex
	state ChaseState
}

func (h *chaseHandle) setState(s ChaseState) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
}

func (h *chaseHandle) getState() ChaseState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Server serves spec.md §4.9's control socket for one mounted repository
// tree: RepoList/RepoDelete/Status against the router's global registry, and
// the chase-connect/chase/stop-chase lifecycle against internal/chase.
type Server struct {
	rt         *router.Router
	mountPoint string
	log        zerolog.Logger

	listener net.Listener

	mu     sync.Mutex
	chases map[string]*chaseHandle
}

// NewServer creates a control server bound to rt, reporting mountPoint in
// Status responses.
func NewServer(rt *router.Router, mountPoint string, log zerolog.Logger) *Server {
	return &Server{rt: rt, mountPoint: mountPoint, log: log, chases: make(map[string]*chaseHandle)}
}

// Listen binds the control socket at socketPath (spec.md §6:
// "~/.local/share/gitfs/control.sock" by default), removing a stale socket
// file left by a previous, no-longer-running instance the way
// original_source/src/internals/sock.rs's bind_socket does.
func (s *Server) Listen(socketPath string) error {
	if err := os.MkdirAll(filepath.Dir(socketPath), 0o755); err != nil {
		return fmt.Errorf("control: create socket directory: %w", err)
	}
	if _, err := os.Stat(socketPath); err == nil {
		if conn, dialErr := net.Dial("unix", socketPath); dialErr == nil {
			conn.Close()
			return fmt.Errorf("control: already running at %s", socketPath)
		}
		if err := os.Remove(socketPath); err != nil {
			return fmt.Errorf("control: remove stale socket: %w", err)
		}
	}

	l, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("control: listen %s: %w", socketPath, err)
	}
	if err := os.Chmod(socketPath, 0o600); err != nil {
		l.Close()
		return fmt.Errorf("control: chmod socket: %w", err)
	}
	s.listener = l
	return nil
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

// Serve accepts connections until the listener closes. Each connection runs
// in its own goroutine, mirroring the teacher's per-request-goroutine FUSE
// dispatch model.
func (s *Server) Serve(ctx context.Context) error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("control: accept: %w", err)
			}
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	fr := newFrameReader(conn)
	fw := newFrameWriter(conn)

	var req Request
	if err := fr.ReadValue(&req); err != nil {
		s.log.Debug().Err(err).Msg("control: read request")
		return
	}

	switch req.Cmd {
	case CmdRepoList:
		s.handleRepoList(fw)
	case CmdRepoDelete:
		s.handleRepoDelete(fw, req.Name)
	case CmdStatus:
		s.handleStatus(fw)
	case CmdChaseConnect:
		s.handleChaseConnect(ctx, fr, fw)
	case CmdStopChase:
		s.handleStopChase(fw, req.ID)
	default:
		fw.WriteValue(Response{Status: StatusError, Error: fmt.Sprintf("unrecognised cmd %q", req.Cmd)})
	}
}

func (s *Server) handleRepoList(fw *frameWriter) {
	names, err := s.rt.Root().List()
	if err != nil {
		fw.WriteValue(Response{Status: StatusError, Error: err.Error()})
		return
	}
	fw.WriteValue(Response{Status: StatusRepoList, Repos: names})
}

func (s *Server) handleRepoDelete(fw *frameWriter, name string) {
	id, ok, err := s.rt.Root().Lookup(name)
	if err != nil {
		fw.WriteValue(Response{Status: StatusError, Error: err.Error()})
		return
	}
	if !ok {
		fw.WriteValue(Response{Status: StatusOk}) // already gone: idempotent, matches sock.rs's handle_client
		return
	}
	if repo, ok := s.rt.RepoByID(id); ok {
		if err := os.RemoveAll(repo.Root); err != nil {
			fw.WriteValue(Response{Status: StatusError, Error: fmt.Sprintf("remove %s: %v", repo.Root, err)})
			return
		}
	}
	s.rt.UnregisterRepo(id)
	if err := s.rt.Root().Delete(name); err != nil {
		fw.WriteValue(Response{Status: StatusError, Error: err.Error()})
		return
	}
	fw.WriteValue(Response{Status: StatusOk})
}

func (s *Server) handleStatus(fw *frameWriter) {
	fw.WriteValue(Response{Status: StatusStatus, Running: true, MountPoint: s.mountPoint})
}

// handleChaseConnect implements spec.md §4.9's chase lifecycle steps 1-4 on
// a single connection: Accept{id}, then block reading the follow-up Chase
// request, then stream Update/Error frames until the runner finishes,
// finally closing the connection.
func (s *Server) handleChaseConnect(ctx context.Context, fr *frameReader, fw *frameWriter) {
	id := uuid.NewString()

	repoID, ok := s.soleMountedRepo()
	if !ok {
		fw.WriteValue(Response{Status: StatusError, Error: "no repo mounted"})
		return
	}

	exec := chase.NewExecutor(s.rt, repoID, s.log)
	handle := &chaseHandle{id: id, repoID: repoID, executor: exec, state: ChaseRunning}
	s.mu.Lock()
	s.chases[id] = handle
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.chases, id)
		s.mu.Unlock()
	}()

	if err := fw.WriteValue(Response{Status: StatusAccept, ChaseID: id}); err != nil {
		return
	}

	var chaseReq Request
	if err := fr.ReadValue(&chaseReq); err != nil || chaseReq.Cmd != CmdChase {
		fw.WriteValue(Response{Status: StatusError, Error: "expected chase request after chase_connect"})
		return
	}

	cfg, err := chase.LoadScript(chaseReq.ScriptPath)
	if err != nil {
		fw.WriteValue(Response{Status: StatusError, Error: err.Error()})
		return
	}

	report := &streamingReporter{fw: fw}
	runErr := exec.Run(ctx, cfg, report)
	handle.setState(ChaseStopped)

	if runErr != nil {
		fw.WriteValue(Response{Status: StatusError, Error: runErr.Error()})
		return
	}
	fw.WriteValue(Response{Status: StatusOk})
}

func (s *Server) handleStopChase(fw *frameWriter, id string) {
	s.mu.Lock()
	handle, ok := s.chases[id]
	s.mu.Unlock()
	if !ok {
		fw.WriteValue(Response{Status: StatusError, Error: fmt.Sprintf("no chase with id %q", id)})
		return
	}
	handle.setState(ChaseStopping)
	handle.executor.Stop()
	fw.WriteValue(Response{Status: StatusOk})
}

// soleMountedRepo resolves the single repo a Chase request targets. spec.md
// does not carry a repo identifier on Chase{script_path}, so — consistent
// with one gitfs process serving one mountpoint — the server targets
// whichever single repo is registered; ambiguity with more than one
// mounted repo is a configuration the CLI's mount step doesn't yet produce.
func (s *Server) soleMountedRepo() (uint16, bool) {
	names, err := s.rt.Root().List()
	if err != nil || len(names) != 1 {
		return 0, false
	}
	id, ok, err := s.rt.Root().Lookup(names[0])
	if err != nil || !ok {
		return 0, false
	}
	if _, ok := s.rt.RepoByID(id); !ok {
		return 0, false
	}
	return id, true
}

// streamingReporter adapts chase.Reporter onto the control connection's
// frame writer, implementing spec.md §4.8 phase 5 "Report".
type streamingReporter struct {
	fw *frameWriter
}

func (r *streamingReporter) Update(jobID string, commit plumbing.Hash, presentation string, transcript []string, exitCodes []int) {
	r.fw.WriteValue(Response{
		Status: StatusUpdate, JobID: jobID, Commit: commit.String(),
		Presentation: presentation, Transcript: transcript, ExitCodes: exitCodes,
	})
}

func (r *streamingReporter) Error(jobID string, commit plumbing.Hash, err error) {
	r.fw.WriteValue(Response{Status: StatusError, JobID: jobID, Commit: commit.String(), Error: err.Error()})
}
