package proxy

import (
	"fmt"
	"sort"
	"time"

	lsp "go.lsp.dev/protocol"
	"go.lsp.dev/uri"
	"go.uber.org/zap"

	"typemux-cc/internal/backend"
	"typemux-cc/internal/protocol"
)

// ensureBackend returns the live backend for venvPath, spawning one if
// needed. Spawning runs the full initialize/initialized handshake and
// restores the cached documents bound to the venv before the instance joins
// the pool, so the pool never holds a half-initialized backend.
func (p *Proxy) ensureBackend(venvPath string) (*backend.Instance, error) {
	if inst := p.pool.Get(venvPath); inst != nil {
		return inst, nil
	}

	if p.pool.IsFull() {
		if err := p.evictLRU(); err != nil {
			return nil, err
		}
	}

	proc, err := p.spawn(venvPath)
	if err != nil {
		return nil, err
	}
	if _, err := proc.Initialize(p.initializeParams); err != nil {
		proc.Kill()
		return nil, err
	}

	session := p.pool.NextSession()
	inst := backend.NewInstance(venvPath, session, proc, p.cfg.WarmupTimeout)
	p.log.Info("created backend instance",
		zap.String("venv", venvPath), zap.Uint64("session", session))

	if err := p.restoreDocuments(inst); err != nil {
		proc.Kill()
		return nil, err
	}

	proc.StartPump(venvPath, session, p.inbox, p.stop)
	p.pool.Insert(inst)
	p.rearmWarmupTimer()
	return inst, nil
}

// attachInstance inserts an already-initialized process into the pool; used
// for the pre-spawned fallback backend whose handshake runs during the
// client's initialize.
func (p *Proxy) attachInstance(proc *backend.Process, venvPath string) *backend.Instance {
	session := p.pool.NextSession()
	inst := backend.NewInstance(venvPath, session, proc, p.cfg.WarmupTimeout)
	proc.StartPump(venvPath, session, p.inbox, p.stop)
	p.pool.Insert(inst)
	p.rearmWarmupTimer()
	return inst
}

// restoreDocuments replays cached documents bound to the instance's venv as
// fresh didOpen notifications. Open documents bound elsewhere get their
// diagnostics retracted on the client, since this spawn replaces whatever
// backend last reported on them.
func (p *Proxy) restoreDocuments(inst *backend.Instance) error {
	var restored, skipped, failed int
	total := p.docs.Len()

	for _, doc := range p.docs.Documents() {
		if doc.VenvPath != inst.Key {
			skipped++
			if err := p.publishEmptyDiagnostics(doc.URI); err != nil {
				return err
			}
			continue
		}

		payload, err := protocol.MarshalNotification(protocol.MethodTextDocumentDidOpen,
			lsp.DidOpenTextDocumentParams{
				TextDocument: lsp.TextDocumentItem{
					URI:        uri.URI(doc.URI),
					LanguageID: lsp.LanguageIdentifier(doc.LanguageID),
					Version:    doc.Version,
					Text:       doc.Text,
				},
			})
		if err != nil {
			return err
		}
		if err := inst.WriteFrame(payload); err != nil {
			failed++
			p.log.Error("failed to restore document",
				zap.String("uri", doc.URI), zap.Uint64("session", inst.Session), zap.Error(err))
			return fmt.Errorf("restoring %s: %w", doc.URI, err)
		}
		inst.TrackOpen(doc.URI)
		restored++
	}

	p.log.Info("document restoration completed",
		zap.Uint64("session", inst.Session),
		zap.Int("restored", restored),
		zap.Int("skipped", skipped),
		zap.Int("failed", failed),
		zap.Int("total", total))
	return nil
}

// evictLRU frees one pool slot, preferring idle backends.
func (p *Proxy) evictLRU() error {
	key := p.pool.LRUKey(p.pendingCountFor)
	if key == "" {
		return nil
	}
	return p.evict(key, "lru")
}

// evictExpired evicts backends idle past the TTL, skipping any with
// in-flight or queued work.
func (p *Proxy) evictExpired(now time.Time) error {
	for _, key := range p.pool.ExpiredKeys(now) {
		inst := p.pool.Get(key)
		if inst == nil {
			continue
		}
		if p.pendingCountFor(inst) > 0 || inst.QueueLen() > 0 {
			p.log.Debug("skipping TTL eviction: backend busy", zap.String("venv", key))
			continue
		}
		if err := p.evict(key, "ttl"); err != nil {
			return err
		}
	}
	return nil
}

// evict runs the eviction protocol: remove from the pool first so concurrent
// requests spawn a fresh instance, cancel pending work, retract diagnostics,
// then shut the child down gracefully.
func (p *Proxy) evict(key, reason string) error {
	inst := p.pool.Remove(key)
	if inst == nil {
		return nil
	}

	p.log.Info("evicting backend",
		zap.String("venv", key),
		zap.Uint64("session", inst.Session),
		zap.String("reason", reason),
		zap.Int("pool_size", p.pool.Len()))

	if err := p.cancelPendingFor(inst); err != nil {
		return err
	}
	p.cleanPendingBackend(inst)
	if err := p.clearDiagnosticsFor(inst); err != nil {
		return err
	}
	inst.Shutdown()
	p.rearmWarmupTimer()
	return nil
}

// handleCrash reconciles state after a backend died without being asked to:
// pending requests are answered with a cancellation error and the pool slot
// is freed for a fresh spawn.
func (p *Proxy) handleCrash(key string, session uint64) error {
	inst := p.pool.Get(key)
	if inst == nil || inst.Session != session {
		p.log.Debug("ignoring crash of already-removed backend",
			zap.String("venv", key), zap.Uint64("session", session))
		return nil
	}

	p.log.Warn("backend crashed",
		zap.String("venv", key), zap.Uint64("session", session))

	p.pool.Remove(key)
	if err := p.cancelPendingFor(inst); err != nil {
		return err
	}
	p.cleanPendingBackend(inst)
	p.rearmWarmupTimer()
	return nil
}

// cancelPendingFor answers every pending client request owned by the
// instance with a cancellation error. Warmup-queued requests are covered:
// they have pending entries too.
func (p *Proxy) cancelPendingFor(inst *backend.Instance) error {
	var ids []string
	for idKey, pc := range p.pendingClient {
		if pc.key == inst.Key && pc.session == inst.Session {
			ids = append(ids, idKey)
		}
	}
	sort.Strings(ids)

	for _, idKey := range ids {
		delete(p.pendingClient, idKey)
		id := protocol.IDFromRaw([]byte(idKey))
		p.log.Info("cancelling pending request",
			zap.String("id", idKey), zap.String("venv", inst.Key), zap.Uint64("session", inst.Session))
		if err := p.respondError(id, protocol.RequestCancelled, "Request cancelled"); err != nil {
			return err
		}
	}
	return nil
}

// cleanPendingBackend drops pending backend-originated requests owned by the
// instance.
func (p *Proxy) cleanPendingBackend(inst *backend.Instance) {
	for idKey, pb := range p.pendingBackend {
		if pb.key == inst.Key && pb.session == inst.Session {
			delete(p.pendingBackend, idKey)
		}
	}
}

// pendingCountFor counts in-flight requests in either direction for an
// instance. Warmup-queued requests are tracked separately via QueueLen.
func (p *Proxy) pendingCountFor(inst *backend.Instance) int {
	count := 0
	for _, pc := range p.pendingClient {
		if pc.key == inst.Key && pc.session == inst.Session && !pc.queued {
			count++
		}
	}
	for _, pb := range p.pendingBackend {
		if pb.key == inst.Key && pb.session == inst.Session {
			count++
		}
	}
	return count
}
