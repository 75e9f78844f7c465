package proxy

import (
	"errors"
	"io"

	"go.uber.org/zap"

	"typemux-cc/internal/backend"
	"typemux-cc/internal/protocol"
)

// dispatchBackendEnvelope routes one message from a backend pump. Envelopes
// from sessions no longer in the pool are discarded wholesale: the backend
// was evicted or crashed and its traffic must not reach the client.
func (p *Proxy) dispatchBackendEnvelope(env backend.Envelope) error {
	inst := p.pool.Get(env.Key)
	if inst == nil || inst.Session != env.Session {
		p.log.Debug("discarding message from stale backend session",
			zap.String("venv", env.Key), zap.Uint64("session", env.Session))
		return nil
	}

	if env.Err != nil {
		if errors.Is(env.Err, io.EOF) {
			p.log.Info("backend stream ended",
				zap.String("venv", env.Key), zap.Uint64("session", env.Session))
		} else {
			p.log.Error("backend stream error",
				zap.String("venv", env.Key), zap.Uint64("session", env.Session), zap.Error(env.Err))
		}
		return p.handleCrash(env.Key, env.Session)
	}

	info := protocol.Inspect(env.Frame)

	p.log.Debug("backend -> proxy",
		zap.String("venv", env.Key),
		zap.Uint64("session", env.Session),
		zap.String("kind", info.Kind.String()),
		zap.String("method", info.Method))

	switch info.Kind {
	case protocol.KindRequest:
		return p.forwardBackendRequest(env, info)

	case protocol.KindResponse:
		return p.forwardBackendResponse(env, info)

	case protocol.KindNotification:
		return p.forwardBackendNotification(inst, env.Frame, info)

	default:
		p.log.Warn("forwarding unclassifiable backend frame",
			zap.String("venv", env.Key))
		return p.client.WriteFrame(env.Frame)
	}
}

// forwardBackendRequest rewrites a backend-originated request id into the
// proxy's disjoint negative id space so concurrent backends can never
// collide with each other or with client ids.
func (p *Proxy) forwardBackendRequest(env backend.Envelope, info protocol.FrameInfo) error {
	proxyID := protocol.NewNumberID(p.nextProxyID)
	p.nextProxyID--

	p.pendingBackend[proxyID.Key()] = &pendingBackendRequest{
		originalID: info.ID,
		key:        env.Key,
		session:    env.Session,
	}

	rewritten, err := protocol.RewriteID(env.Frame, proxyID)
	if err != nil {
		delete(p.pendingBackend, proxyID.Key())
		p.log.Error("failed to rewrite backend request id", zap.Error(err))
		return nil
	}

	p.log.Debug("forwarding backend request with proxy id",
		zap.String("venv", env.Key),
		zap.String("original_id", info.ID.Key()),
		zap.String("proxy_id", proxyID.Key()))
	return p.client.WriteFrame(rewritten)
}

// forwardBackendResponse delivers a response to a pending client request.
// Responses with no pending entry, or whose pending entry was registered
// against a different session, are stale and dropped.
func (p *Proxy) forwardBackendResponse(env backend.Envelope, info protocol.FrameInfo) error {
	pc, ok := p.pendingClient[info.ID.Key()]
	if !ok {
		p.log.Debug("discarding response with no pending request",
			zap.String("id", info.ID.Key()), zap.String("venv", env.Key))
		return nil
	}
	if pc.session != env.Session || pc.key != env.Key {
		p.log.Debug("discarding stale response from old backend session",
			zap.String("id", info.ID.Key()),
			zap.Uint64("pending_session", pc.session),
			zap.Uint64("msg_session", env.Session))
		return nil
	}

	delete(p.pendingClient, info.ID.Key())
	return p.client.WriteFrame(env.Frame)
}

// forwardBackendNotification relays a notification to the client, peeking at
// the two the proxy cares about: $/progress end flips the warmup state, and
// publishDiagnostics is recorded for later retraction.
func (p *Proxy) forwardBackendNotification(inst *backend.Instance, frame []byte, info protocol.FrameInfo) error {
	switch info.Method {
	case protocol.MethodProgress:
		if inst.IsWarming() && protocol.ProgressIsEnd(frame) {
			p.log.Info("backend reported indexing end, warmup complete",
				zap.String("venv", inst.Key),
				zap.Uint64("session", inst.Session),
				zap.Int("queued", inst.QueueLen()))
			if err := p.drainWarmup(inst); err != nil {
				return err
			}
			p.rearmWarmupTimer()
		}

	case protocol.MethodPublishDiagnostics:
		if uriStr := protocol.DiagnosticsURI(frame); uriStr != "" {
			inst.TrackDiagnostics(uriStr)
		}
	}

	return p.client.WriteFrame(frame)
}
