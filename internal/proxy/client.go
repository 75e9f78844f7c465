package proxy

import (
	"encoding/json"

	"go.uber.org/zap"

	"typemux-cc/internal/protocol"
)

// dispatchClientFrame routes one frame from the client. It returns true when
// the proxy should terminate (client sent exit).
func (p *Proxy) dispatchClientFrame(frame []byte) (bool, error) {
	info := protocol.Inspect(frame)

	p.log.Debug("client -> proxy",
		zap.String("kind", info.Kind.String()),
		zap.String("method", info.Method),
		zap.String("id", info.ID.Key()))

	switch {
	case info.Kind == protocol.KindRequest && info.Method == protocol.MethodInitialize:
		return false, p.handleInitialize(frame, info)

	case info.Method == protocol.MethodInitialized:
		p.log.Info("client initialized")
		p.broadcast(frame)
		return false, nil

	case info.Kind == protocol.KindRequest && info.Method == protocol.MethodShutdown:
		return false, p.handleShutdown(info)

	case info.Method == protocol.MethodExit:
		p.log.Info("received exit notification, terminating proxy")
		return true, nil

	case info.Kind == protocol.KindResponse:
		return false, p.handleClientResponse(frame, info)

	case info.Method == protocol.MethodCancelRequest:
		return false, p.handleCancel(frame)

	case info.Method == protocol.MethodTextDocumentDidOpen:
		return false, p.handleDidOpen(frame)

	case info.Method == protocol.MethodTextDocumentDidChange:
		return false, p.handleDidChange(frame)

	case info.Method == protocol.MethodTextDocumentDidClose:
		return false, p.handleDidClose(frame)

	case info.Kind == protocol.KindRequest:
		return false, p.handleRequest(frame, info)

	case info.Kind == protocol.KindNotification:
		p.broadcast(frame)
		return false, nil

	default:
		p.log.Warn("dropping malformed client frame")
		return false, nil
	}
}

// handleInitialize records the client's initialize params (first one wins)
// and answers it, either with the pre-spawned fallback backend's real
// response or with empty capabilities. Later initialize requests are routed
// like any other request.
func (p *Proxy) handleInitialize(frame []byte, info protocol.FrameInfo) error {
	if p.initializeParams != nil {
		return p.handleRequest(frame, info)
	}

	p.log.Info("caching initialize params for backend handshakes")
	params := protocol.Params(frame)
	if params == nil {
		params = json.RawMessage("{}")
	}
	p.initializeParams = params

	if p.pendingInitial == nil {
		p.log.Warn("no fallback backend: returning minimal initialize response")
		return p.respondResult(info.ID, json.RawMessage(`{"capabilities":{}}`))
	}

	pi := p.pendingInitial
	p.pendingInitial = nil

	response, err := pi.proc.Initialize(p.initializeParams)
	if err != nil {
		p.log.Error("failed to initialize fallback backend, returning minimal response",
			zap.String("venv", pi.venvPath), zap.Error(err))
		pi.proc.Kill()
		return p.respondResult(info.ID, json.RawMessage(`{"capabilities":{}}`))
	}

	inst := p.attachInstance(pi.proc, pi.venvPath)
	p.log.Info("fallback backend inserted into pool",
		zap.String("venv", inst.Key), zap.Uint64("session", inst.Session))

	// Relay the backend's real capabilities under the client's id.
	out, err := protocol.RewriteID(response, info.ID)
	if err != nil {
		return p.respondResult(info.ID, json.RawMessage(`{"capabilities":{}}`))
	}
	return p.client.WriteFrame(out)
}

// handleShutdown starts graceful shutdown of every backend and answers the
// client once.
func (p *Proxy) handleShutdown(info protocol.FrameInfo) error {
	p.log.Info("received shutdown request from client")

	for _, key := range p.pool.Keys() {
		inst := p.pool.Remove(key)
		p.log.Info("shutting down backend", zap.String("venv", key), zap.Uint64("session", inst.Session))
		inst.Shutdown()
	}
	if p.pendingInitial != nil {
		p.pendingInitial.proc.Kill()
		p.pendingInitial = nil
	}

	return p.respondResult(info.ID, nil)
}

// handleClientResponse routes the client's answer to a backend-originated
// request back to the owning backend under its original id.
func (p *Proxy) handleClientResponse(frame []byte, info protocol.FrameInfo) error {
	pb, ok := p.pendingBackend[info.ID.Key()]
	if !ok {
		p.log.Debug("discarding client response with no pending backend request",
			zap.String("id", info.ID.Key()))
		return nil
	}
	delete(p.pendingBackend, info.ID.Key())

	inst := p.pool.Get(pb.key)
	if inst == nil || inst.Session != pb.session {
		p.log.Warn("discarding client response: backend evicted",
			zap.String("id", info.ID.Key()), zap.String("venv", pb.key))
		return nil
	}

	restored, err := protocol.RewriteID(frame, pb.originalID)
	if err != nil {
		p.log.Error("failed to restore backend request id", zap.Error(err))
		return nil
	}
	if err := inst.WriteFrame(restored); err != nil {
		p.log.Warn("failed to forward client response to backend",
			zap.String("venv", pb.key), zap.Error(err))
	}
	return nil
}

// handleCancel resolves $/cancelRequest locally when the target request is
// still warmup-queued; otherwise the cancel follows the request to its
// backend.
func (p *Proxy) handleCancel(frame []byte) error {
	cancelID, ok := protocol.CancelID(frame)
	if !ok {
		p.log.Warn("cancelRequest without target id")
		return nil
	}

	pending, ok := p.pendingClient[cancelID.Key()]
	if !ok {
		// The request already completed or was never routed; pass the
		// cancel along in case a backend still knows the id.
		p.broadcast(frame)
		return nil
	}

	if pending.queued {
		inst := p.pool.Get(pending.key)
		if inst != nil && inst.Session == pending.session && inst.CancelQueued(cancelID) {
			p.log.Info("cancelled warmup-queued request",
				zap.String("id", cancelID.Key()), zap.String("venv", pending.key))
			delete(p.pendingClient, cancelID.Key())
			return p.respondError(cancelID, protocol.RequestCancelled, "Request cancelled")
		}
	}

	// Forwarded request: relay the cancel to the owning backend and keep
	// the pending entry so the backend's late response (typically its own
	// cancellation error) still reaches the client exactly once.
	if inst := p.pool.Get(pending.key); inst != nil && inst.Session == pending.session {
		if err := inst.WriteFrame(frame); err != nil {
			p.log.Warn("failed to forward cancel to backend",
				zap.String("venv", pending.key), zap.Error(err))
		}
	}
	return nil
}

// handleRequest routes a client request by the sticky venv of the document
// it concerns. Index-dependent requests against a warming backend are
// queued.
func (p *Proxy) handleRequest(frame []byte, info protocol.FrameInfo) error {
	if uriStr := protocol.TextDocumentURI(frame); uriStr != "" {
		doc, ok := p.docs.Get(uriStr)
		if !ok || doc.VenvPath == "" {
			p.log.Warn("no venv for document, returning error",
				zap.String("method", info.Method), zap.String("uri", uriStr))
			return p.respondError(info.ID, protocol.InternalError,
				"typemux-cc: .venv not found (strict mode)")
		}

		inst, err := p.ensureBackend(doc.VenvPath)
		if err != nil {
			p.log.Error("failed to spawn backend",
				zap.String("venv", doc.VenvPath), zap.Error(err))
			return p.respondError(info.ID, protocol.InternalError,
				"typemux-cc: failed to spawn backend")
		}
		inst.Touch()

		if inst.IsWarming() && protocol.IsIndexDependent(info.Method) {
			p.pendingClient[info.ID.Key()] = &pendingClientRequest{
				session: inst.Session,
				key:     inst.Key,
				method:  info.Method,
				queued:  true,
			}
			inst.Enqueue(info.ID, frame)
			p.log.Info("queued index-dependent request during warmup",
				zap.String("method", info.Method),
				zap.String("id", info.ID.Key()),
				zap.String("venv", inst.Key))
			return nil
		}

		p.pendingClient[info.ID.Key()] = &pendingClientRequest{
			session: inst.Session,
			key:     inst.Key,
			method:  info.Method,
		}
		if err := inst.WriteFrame(frame); err != nil {
			p.log.Error("failed to forward request to backend",
				zap.String("venv", inst.Key), zap.Error(err))
		}
		return nil
	}

	// URI-less request.
	switch {
	case p.pool.Len() == 0:
		return p.respondError(info.ID, protocol.InternalError,
			"typemux-cc: .venv not found (strict mode)")
	case p.pool.Len() == 1:
		inst := p.pool.Single()
		inst.Touch()
		p.pendingClient[info.ID.Key()] = &pendingClientRequest{
			session: inst.Session,
			key:     inst.Key,
			method:  info.Method,
		}
		if err := inst.WriteFrame(frame); err != nil {
			p.log.Error("failed to forward request to backend",
				zap.String("venv", inst.Key), zap.Error(err))
		}
		return nil
	default:
		p.log.Warn("rejecting request without document URI: multiple backends active",
			zap.String("method", info.Method), zap.Int("pool_size", p.pool.Len()))
		return p.respondError(info.ID, protocol.InternalError,
			"typemux-cc: cannot route '"+info.Method+"' without a document URI (multiple backends active)")
	}
}

// broadcast forwards a frame to every live backend.
func (p *Proxy) broadcast(frame []byte) {
	for _, key := range p.pool.Keys() {
		inst := p.pool.Get(key)
		if err := inst.WriteFrame(frame); err != nil {
			p.log.Warn("failed to forward notification to backend",
				zap.String("venv", key), zap.Error(err))
		}
	}
}
