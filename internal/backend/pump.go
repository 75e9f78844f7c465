package backend

import (
	"go.uber.org/zap"
)

// Envelope is one message from a backend reader pump, tagged with the
// identity of the backend that produced it so the proxy can discard frames
// from evicted sessions.
type Envelope struct {
	Key     string
	Session uint64
	Frame   []byte
	Err     error
}

// StartPump reads frames from the child's stdout and delivers them to the
// shared inbox until the stream ends or stop closes. A read error (crash,
// EOF) is delivered as the final envelope, after which the child is reaped.
func (p *Process) StartPump(key string, session uint64, inbox chan<- Envelope, stop <-chan struct{}) {
	go func() {
		for {
			frame, err := p.frames.ReadFrame()
			env := Envelope{Key: key, Session: session, Frame: frame, Err: err}
			select {
			case inbox <- env:
			case <-stop:
				p.log.Debug("pump stopping: proxy shutting down",
					zap.String("venv", key), zap.Uint64("session", session))
				return
			}
			if err != nil {
				p.log.Info("pump stopping: backend stream ended",
					zap.String("venv", key), zap.Uint64("session", session), zap.Error(err))
				p.reap()
				return
			}
		}
	}()
}
