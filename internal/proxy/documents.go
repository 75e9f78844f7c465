package proxy

import (
	"encoding/json"
	"net/url"
	"path/filepath"

	lsp "go.lsp.dev/protocol"
	"go.uber.org/zap"

	"typemux-cc/internal/document"
	"typemux-cc/internal/protocol"
)

// fileURIPath converts a file:// URI to a filesystem path. Non-file schemes
// (untitled:, notebook cells) report false.
func fileURIPath(uriStr string) (string, bool) {
	u, err := url.Parse(uriStr)
	if err != nil || u.Scheme != "file" || u.Path == "" {
		return "", false
	}
	return filepath.FromSlash(u.Path), true
}

// handleDidOpen resolves the document's venv, caches the document with that
// sticky binding, and forwards to the owning backend. With no resolvable
// venv the document is cached but nothing is forwarded.
func (p *Proxy) handleDidOpen(frame []byte) error {
	var params lsp.DidOpenTextDocumentParams
	if err := json.Unmarshal(protocol.Params(frame), &params); err != nil {
		p.log.Warn("malformed didOpen params", zap.Error(err))
		return nil
	}

	uriStr := string(params.TextDocument.URI)
	venvPath := ""
	if path, ok := fileURIPath(uriStr); ok {
		venvPath = p.resolver.Resolve(path)
	} else {
		p.log.Warn("didOpen for non-file URI, caching without venv", zap.String("uri", uriStr))
	}

	p.docs.Open(uriStr, string(params.TextDocument.LanguageID),
		params.TextDocument.Version, params.TextDocument.Text, venvPath)

	p.log.Info("didOpen received",
		zap.String("uri", uriStr),
		zap.String("venv", venvPath),
		zap.Int("open_docs", p.docs.Len()))

	if venvPath == "" {
		p.log.Debug("no venv for document, not forwarding didOpen", zap.String("uri", uriStr))
		return nil
	}

	if !p.pool.Contains(venvPath) {
		if _, err := p.ensureBackend(venvPath); err != nil {
			p.log.Error("failed to create backend for didOpen",
				zap.String("venv", venvPath), zap.Error(err))
			return p.notifySpawnFailure(venvPath, err)
		}
		// Restoration already delivered this document's didOpen.
		return nil
	}

	inst := p.pool.Get(venvPath)
	inst.Touch()
	inst.TrackOpen(uriStr)
	if err := inst.WriteFrame(frame); err != nil {
		p.log.Warn("failed to forward didOpen", zap.String("venv", venvPath), zap.Error(err))
	}
	return nil
}

// didChangeParams is a didChange payload with enough structure to maintain
// the cache. Forwarding always uses the original frame bytes.
type didChangeParams struct {
	TextDocument struct {
		URI     string `json:"uri"`
		Version int32  `json:"version"`
	} `json:"textDocument"`
	ContentChanges []document.ContentChange `json:"contentChanges"`
}

// handleDidChange applies the edits to the cached text and forwards the
// unmodified frame to the backend bound to the document.
func (p *Proxy) handleDidChange(frame []byte) error {
	var params didChangeParams
	if err := json.Unmarshal(protocol.Params(frame), &params); err != nil {
		p.log.Warn("malformed didChange params", zap.Error(err))
		return nil
	}
	uriStr := params.TextDocument.URI

	if len(params.ContentChanges) == 0 {
		p.log.Debug("didChange with empty contentChanges, ignoring", zap.String("uri", uriStr))
		return nil
	}

	if err := p.docs.ApplyChanges(uriStr, params.TextDocument.Version, params.ContentChanges); err != nil {
		p.log.Warn("didChange for unopened document, ignoring",
			zap.String("uri", uriStr), zap.Error(err))
		return nil
	}

	doc, _ := p.docs.Get(uriStr)
	if doc.VenvPath == "" {
		return nil
	}
	if inst := p.pool.Get(doc.VenvPath); inst != nil {
		inst.Touch()
		if err := inst.WriteFrame(frame); err != nil {
			p.log.Warn("failed to forward didChange", zap.String("venv", doc.VenvPath), zap.Error(err))
		}
	}
	return nil
}

// handleDidClose removes the document from the cache and forwards to the
// backend that knew it.
func (p *Proxy) handleDidClose(frame []byte) error {
	var params lsp.DidCloseTextDocumentParams
	if err := json.Unmarshal(protocol.Params(frame), &params); err != nil {
		p.log.Warn("malformed didClose params", zap.Error(err))
		return nil
	}
	uriStr := string(params.TextDocument.URI)

	venvPath := ""
	if doc, ok := p.docs.Get(uriStr); ok {
		venvPath = doc.VenvPath
	}

	if p.docs.Close(uriStr) {
		p.log.Debug("document removed from cache",
			zap.String("uri", uriStr), zap.Int("remaining", p.docs.Len()))
	} else {
		p.log.Warn("didClose for unknown document", zap.String("uri", uriStr))
	}

	if venvPath == "" {
		return nil
	}
	if inst := p.pool.Get(venvPath); inst != nil {
		inst.Touch()
		if err := inst.WriteFrame(frame); err != nil {
			p.log.Warn("failed to forward didClose", zap.String("venv", venvPath), zap.Error(err))
		}
	}
	return nil
}
