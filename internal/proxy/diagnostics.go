package proxy

import (
	"fmt"

	lsp "go.lsp.dev/protocol"
	"go.lsp.dev/uri"
	"go.uber.org/zap"

	"typemux-cc/internal/backend"
	"typemux-cc/internal/protocol"
)

// publishEmptyDiagnostics retracts any diagnostics the client may be showing
// for a URI by publishing an empty set.
func (p *Proxy) publishEmptyDiagnostics(uriStr string) error {
	payload, err := protocol.MarshalNotification(protocol.MethodPublishDiagnostics,
		lsp.PublishDiagnosticsParams{
			URI:         uri.URI(uriStr),
			Diagnostics: []lsp.Diagnostic{},
		})
	if err != nil {
		return err
	}
	return p.client.WriteFrame(payload)
}

// clearDiagnosticsFor retracts diagnostics for every URI the instance has
// received or reported on.
func (p *Proxy) clearDiagnosticsFor(inst *backend.Instance) error {
	uris := inst.TrackedURIs()
	for _, u := range uris {
		if err := p.publishEmptyDiagnostics(u); err != nil {
			return err
		}
	}
	if len(uris) > 0 {
		p.log.Info("diagnostics cleared for evicted backend",
			zap.String("venv", inst.Key),
			zap.Uint64("session", inst.Session),
			zap.Int("cleared", len(uris)))
	}
	return nil
}

// notifySpawnFailure surfaces a backend spawn failure on a notification path
// (no request to answer) as a window/showMessage error.
func (p *Proxy) notifySpawnFailure(venvPath string, spawnErr error) error {
	payload, err := protocol.MarshalNotification(protocol.MethodShowMessage,
		lsp.ShowMessageParams{
			Type:    lsp.MessageType(1),
			Message: fmt.Sprintf("typemux-cc: failed to start %s backend for %s: %v", p.cfg.Backend, venvPath, spawnErr),
		})
	if err != nil {
		return err
	}
	return p.client.WriteFrame(payload)
}
