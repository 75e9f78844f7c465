// Package proxy implements the multiplexing event loop between one LSP
// client on stdio and the venv-keyed backend pool.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap"

	"typemux-cc/internal/backend"
	"typemux-cc/internal/config"
	"typemux-cc/internal/document"
	"typemux-cc/internal/protocol"
	"typemux-cc/internal/venv"
)

const (
	ttlSweepInterval  = 60 * time.Second
	terminateDeadline = 3 * time.Second
	inboxBuffer       = 1024
)

// pendingClientRequest tracks a client request forwarded to (or queued for) a
// backend, keyed by the client's id. The session pins responses to the spawn
// that actually received the request.
type pendingClientRequest struct {
	session uint64
	key     string
	method  string
	queued  bool
}

// pendingBackendRequest tracks a backend-originated request forwarded to the
// client under a rewritten proxy id.
type pendingBackendRequest struct {
	originalID protocol.ID
	key        string
	session    uint64
}

type clientFrame struct {
	frame []byte
	err   error
}

// pendingInitialBackend is the fallback backend pre-spawned at startup,
// waiting for the client's initialize to complete its handshake.
type pendingInitialBackend struct {
	proc     *backend.Process
	venvPath string
}

// Proxy owns all routing state. Every field is mutated only from the Run
// loop; reader goroutines communicate exclusively through channels.
type Proxy struct {
	cfg      *config.Config
	log      *zap.Logger
	resolver *venv.Resolver
	docs     *document.Store
	pool     *backend.Pool

	reader *protocol.FrameReader
	client *protocol.FrameWriter

	clientFrames chan clientFrame
	inbox        chan backend.Envelope
	stop         chan struct{}

	initializeParams json.RawMessage
	pendingInitial   *pendingInitialBackend

	pendingClient  map[string]*pendingClientRequest
	pendingBackend map[string]*pendingBackendRequest
	nextProxyID    int64

	warmupTimer *time.Timer

	// spawn is the process factory; swapped out by tests.
	spawn func(venvPath string) (*backend.Process, error)
}

// New wires a proxy over the given client streams.
func New(cfg *config.Config, log *zap.Logger, stdin io.Reader, stdout io.Writer) (*Proxy, error) {
	kind, err := backend.KindFromConfig(cfg.Backend)
	if err != nil {
		return nil, err
	}

	p := &Proxy{
		cfg:            cfg,
		log:            log,
		docs:           document.NewStore(),
		pool:           backend.NewPool(cfg.MaxBackends, cfg.BackendTTL),
		reader:         protocol.NewFrameReader(stdin),
		client:         protocol.NewFrameWriter(stdout),
		clientFrames:   make(chan clientFrame),
		inbox:          make(chan backend.Envelope, inboxBuffer),
		stop:           make(chan struct{}),
		pendingClient:  make(map[string]*pendingClientRequest),
		pendingBackend: make(map[string]*pendingBackendRequest),
		nextProxyID:    -1,
	}
	p.spawn = func(venvPath string) (*backend.Process, error) {
		return backend.Spawn(kind, venvPath, log)
	}
	return p, nil
}

// Run drives the proxy until the client sends exit, the client stream ends,
// or a fatal error occurs.
func (p *Proxy) Run(ctx context.Context) error {
	defer close(p.stop)

	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("resolving working directory: %w", err)
	}

	top := venv.GitTopLevel(ctx, cwd, p.log)
	p.resolver = venv.NewResolver(top, p.log)

	p.log.Info("starting typemux-cc",
		zap.String("cwd", cwd),
		zap.String("backend", p.cfg.Backend),
		zap.Int("max_backends", p.cfg.MaxBackends),
		zap.Duration("backend_ttl", p.cfg.BackendTTL),
		zap.Duration("warmup_timeout", p.cfg.WarmupTimeout))

	// Pre-spawn the fallback backend; its handshake completes once the
	// client's initialize arrives.
	if fallback := p.resolver.Fallback(cwd); fallback != "" {
		proc, err := p.spawn(fallback)
		if err != nil {
			p.log.Warn("failed to pre-spawn fallback backend, continuing without",
				zap.String("venv", fallback), zap.Error(err))
		} else {
			p.pendingInitial = &pendingInitialBackend{proc: proc, venvPath: fallback}
		}
	}

	go p.readClient()

	ttlTicker := time.NewTicker(ttlSweepInterval)
	defer ttlTicker.Stop()

	p.warmupTimer = time.NewTimer(time.Hour)
	if !p.warmupTimer.Stop() {
		<-p.warmupTimer.C
	}
	defer p.warmupTimer.Stop()

	for {
		select {
		case cf := <-p.clientFrames:
			if cf.err != nil {
				p.terminate()
				if errors.Is(cf.err, io.EOF) {
					p.log.Info("client stream closed, terminating")
					return nil
				}
				return fmt.Errorf("client stream: %w", cf.err)
			}
			done, err := p.dispatchClientFrame(cf.frame)
			if err != nil {
				p.terminate()
				return err
			}
			if done {
				p.terminate()
				return nil
			}

		case env := <-p.inbox:
			if err := p.dispatchBackendEnvelope(env); err != nil {
				p.terminate()
				return err
			}

		case <-ttlTicker.C:
			if p.pool.TTL() > 0 {
				if err := p.evictExpired(time.Now()); err != nil {
					p.terminate()
					return err
				}
			}

		case <-p.warmupTimer.C:
			if err := p.fireWarmupDeadlines(); err != nil {
				p.terminate()
				return err
			}

		case <-ctx.Done():
			p.terminate()
			return ctx.Err()
		}
	}
}

// readClient pumps frames from the client stream into the loop.
func (p *Proxy) readClient() {
	for {
		frame, err := p.reader.ReadFrame()
		select {
		case p.clientFrames <- clientFrame{frame: frame, err: err}:
		case <-p.stop:
			return
		}
		if err != nil {
			return
		}
	}
}

// rearmWarmupTimer points the shared timer at the nearest warmup deadline.
func (p *Proxy) rearmWarmupTimer() {
	if p.warmupTimer == nil {
		return
	}
	if !p.warmupTimer.Stop() {
		select {
		case <-p.warmupTimer.C:
		default:
		}
	}
	deadline, ok := p.pool.NearestWarmupDeadline()
	if !ok {
		return
	}
	wait := time.Until(deadline)
	if wait < 0 {
		wait = 0
	}
	p.warmupTimer.Reset(wait)
}

// fireWarmupDeadlines fail-opens every warming backend whose deadline has
// passed and drains its queue.
func (p *Proxy) fireWarmupDeadlines() error {
	for _, inst := range p.pool.WarmingPastDeadline(time.Now()) {
		p.log.Info("warmup deadline expired, failing open",
			zap.String("venv", inst.Key),
			zap.Uint64("session", inst.Session),
			zap.Int("queued", inst.QueueLen()))
		if err := p.drainWarmup(inst); err != nil {
			return err
		}
	}
	p.rearmWarmupTimer()
	return nil
}

// drainWarmup transitions an instance to Ready and forwards its queued
// requests in FIFO order.
func (p *Proxy) drainWarmup(inst *backend.Instance) error {
	queued := inst.MarkReady()
	for _, q := range queued {
		cur := p.pool.Get(inst.Key)
		if cur == nil || cur.Session != inst.Session {
			// Backend replaced mid-drain; the request can no longer be served.
			delete(p.pendingClient, q.ID.Key())
			if err := p.respondError(q.ID, protocol.RequestCancelled, "Request cancelled"); err != nil {
				return err
			}
			continue
		}

		if pc, ok := p.pendingClient[q.ID.Key()]; ok {
			pc.queued = false
		}
		if err := inst.WriteFrame(q.Frame); err != nil {
			p.log.Error("failed to forward warmup-queued request",
				zap.String("venv", inst.Key), zap.String("id", q.ID.Key()), zap.Error(err))
			delete(p.pendingClient, q.ID.Key())
			if err := p.respondError(q.ID, protocol.InternalError, "typemux-cc: backend write failed during warmup drain"); err != nil {
				return err
			}
			continue
		}
		p.log.Debug("drained warmup-queued request",
			zap.String("venv", inst.Key), zap.String("id", q.ID.Key()))
	}
	return nil
}

// respondError writes an error response to the client.
func (p *Proxy) respondError(id protocol.ID, code int64, message string) error {
	payload, err := protocol.MarshalError(id, code, message)
	if err != nil {
		return err
	}
	return p.client.WriteFrame(payload)
}

// respondResult writes a success response to the client.
func (p *Proxy) respondResult(id protocol.ID, result any) error {
	payload, err := protocol.MarshalResult(id, result)
	if err != nil {
		return err
	}
	return p.client.WriteFrame(payload)
}

// terminate gracefully stops every backend, waiting briefly before killing
// stragglers.
func (p *Proxy) terminate() {
	var procs []*backend.Process
	for _, key := range p.pool.Keys() {
		inst := p.pool.Remove(key)
		inst.Shutdown()
		if inst.Process() != nil {
			procs = append(procs, inst.Process())
		}
	}
	if p.pendingInitial != nil {
		p.pendingInitial.proc.Kill()
		p.pendingInitial = nil
	}

	deadline := time.After(terminateDeadline)
	for _, proc := range procs {
		select {
		case <-proc.Done():
		case <-deadline:
			proc.Kill()
		}
	}
}
