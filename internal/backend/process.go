package backend

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"typemux-cc/internal/protocol"
)

// Process lifecycle errors.
var (
	ErrSpawnFailed       = fmt.Errorf("failed to spawn backend")
	ErrInitializeTimeout = fmt.Errorf("initialize handshake timed out")
	ErrInitializeFailed  = fmt.Errorf("initialize handshake failed")
)

const (
	initializeTimeout = 10 * time.Second
	shutdownTimeout   = 2 * time.Second
	exitGracePeriod   = 2 * time.Second
)

// Process is one running type-checker child wired to the framing codec.
// Stdout frames are consumed either directly (during the initialize
// handshake) or by the pump started with StartPump; stderr is drained into
// the log sink.
type Process struct {
	kind     Kind
	venvPath string
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	frames   *protocol.FrameReader
	writer   *protocol.FrameWriter
	log      *zap.Logger

	group    *errgroup.Group
	waitOnce sync.Once
	waitErr  error
	done     chan struct{}
}

// Spawn starts the configured type checker for venvPath. The child's
// environment is the parent's with VIRTUAL_ENV set and PATH prefixed by
// <venv>/bin; an empty venvPath spawns the checker against the ambient
// environment.
func Spawn(kind Kind, venvPath string, log *zap.Logger) (*Process, error) {
	name, args := kind.Command()
	cmd := exec.Command(name, args...)
	cmd.Env = childEnv(venvPath)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdin pipe: %v", ErrSpawnFailed, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("%w: stdout pipe: %v", ErrSpawnFailed, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("%w: stderr pipe: %v", ErrSpawnFailed, err)
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		return nil, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}

	log.Info("spawned backend",
		zap.String("backend", kind.String()),
		zap.String("venv", venvPath),
		zap.Int("pid", cmd.Process.Pid))

	p := &Process{
		kind:     kind,
		venvPath: venvPath,
		cmd:      cmd,
		stdin:    stdin,
		frames:   protocol.NewFrameReader(stdout),
		writer:   protocol.NewFrameWriter(stdin),
		log:      log,
		group:    &errgroup.Group{},
		done:     make(chan struct{}),
	}
	p.group.Go(func() error {
		p.forwardStderr(stderr)
		return nil
	})
	return p, nil
}

// childEnv extends the parent environment with the venv activation variables.
func childEnv(venvPath string) []string {
	env := os.Environ()
	if venvPath == "" {
		return env
	}

	binDir := filepath.Join(venvPath, "bin")
	out := make([]string, 0, len(env)+2)
	for _, kv := range env {
		switch {
		case strings.HasPrefix(kv, "PATH="):
			out = append(out, "PATH="+binDir+string(os.PathListSeparator)+strings.TrimPrefix(kv, "PATH="))
		case strings.HasPrefix(kv, "VIRTUAL_ENV="):
			// replaced below
		default:
			out = append(out, kv)
		}
	}
	out = append(out, "VIRTUAL_ENV="+venvPath)
	return out
}

// forwardStderr pumps the child's stderr lines into the log sink.
func (p *Process) forwardStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		p.log.Debug("backend stderr",
			zap.String("backend", p.kind.String()),
			zap.String("venv", p.venvPath),
			zap.String("line", scanner.Text()))
	}
}

// WriteFrame sends one payload to the child.
func (p *Process) WriteFrame(payload []byte) error {
	return p.writer.WriteFrame(payload)
}

// Done is closed once the child has been reaped.
func (p *Process) Done() <-chan struct{} { return p.done }

// WaitErr returns the child's exit error; valid only after Done is closed.
func (p *Process) WaitErr() error { return p.waitErr }

// reap waits for the child exactly once.
func (p *Process) reap() {
	p.waitOnce.Do(func() {
		p.waitErr = p.cmd.Wait()
		// Wait closes the stderr pipe, so the forwarder is about to finish.
		_ = p.group.Wait()
		close(p.done)
	})
}

// Kill force-terminates the child.
func (p *Process) Kill() {
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	go p.reap()
}

// Initialize performs the initialize request against the freshly spawned
// child using the client's recorded initialize params, then sends the
// initialized notification. It returns the raw initialize response payload.
// Notifications arriving before the response are dropped.
func (p *Process) Initialize(initParams json.RawMessage) (json.RawMessage, error) {
	req, err := protocol.MarshalRequest(protocol.NewNumberID(1), protocol.MethodInitialize, initParams)
	if err != nil {
		return nil, err
	}
	if err := p.WriteFrame(req); err != nil {
		return nil, fmt.Errorf("%w: writing initialize: %v", ErrInitializeFailed, err)
	}

	type frameResult struct {
		frame []byte
		err   error
	}
	results := make(chan frameResult)
	quit := make(chan struct{})
	defer close(quit)

	go func() {
		for {
			frame, err := p.frames.ReadFrame()
			select {
			case results <- frameResult{frame: frame, err: err}:
			case <-quit:
				return
			}
			if err != nil {
				return
			}
			info := protocol.Inspect(frame)
			if info.Kind == protocol.KindResponse && info.ID.Key() == "1" {
				return
			}
		}
	}()

	timer := time.NewTimer(initializeTimeout)
	defer timer.Stop()

	var response []byte
	for response == nil {
		select {
		case r := <-results:
			if r.err != nil {
				return nil, fmt.Errorf("%w: reading initialize response: %v", ErrInitializeFailed, r.err)
			}
			info := protocol.Inspect(r.frame)
			if info.Kind == protocol.KindResponse && info.ID.Key() == "1" {
				response = r.frame
				break
			}
			p.log.Debug("dropping frame received during initialize",
				zap.String("venv", p.venvPath),
				zap.String("method", info.Method))
		case <-timer.C:
			return nil, ErrInitializeTimeout
		}
	}

	var msg protocol.Message
	if err := json.Unmarshal(response, &msg); err != nil {
		return nil, fmt.Errorf("%w: decoding initialize response: %v", ErrInitializeFailed, err)
	}
	if msg.Error != nil {
		return nil, fmt.Errorf("%w: code=%d message=%s", ErrInitializeFailed, msg.Error.Code, msg.Error.Message)
	}

	initialized, err := protocol.MarshalNotification(protocol.MethodInitialized, json.RawMessage("{}"))
	if err != nil {
		return nil, err
	}
	if err := p.WriteFrame(initialized); err != nil {
		return nil, fmt.Errorf("%w: writing initialized: %v", ErrInitializeFailed, err)
	}

	p.log.Info("backend initialized", zap.String("venv", p.venvPath))
	return response, nil
}

// Shutdown runs the graceful termination handshake in the background:
// shutdown request, bounded wait, exit notification, stdin close, grace
// period, then kill. Safe to call on an already-dead child.
func (p *Process) Shutdown(shutdownID int64) {
	go func() {
		req, err := protocol.MarshalRequest(protocol.NewNumberID(shutdownID), protocol.MethodShutdown, nil)
		if err == nil {
			err = p.WriteFrame(req)
		}
		if err != nil {
			p.log.Warn("failed to send shutdown, killing directly",
				zap.String("venv", p.venvPath), zap.Error(err))
			p.Kill()
			return
		}

		select {
		case <-p.done:
			return
		case <-time.After(shutdownTimeout):
		}

		if exit, err := protocol.MarshalNotification(protocol.MethodExit, nil); err == nil {
			if err := p.WriteFrame(exit); err != nil {
				p.log.Debug("failed to send exit notification",
					zap.String("venv", p.venvPath), zap.Error(err))
			}
		}
		_ = p.stdin.Close()

		select {
		case <-p.done:
			p.log.Info("backend exited gracefully", zap.String("venv", p.venvPath))
		case <-time.After(exitGracePeriod):
			p.log.Warn("backend exit timeout, killing", zap.String("venv", p.venvPath))
			p.Kill()
		}
	}()
}
