// Package document mirrors the client's open documents so they can be
// replayed onto newly spawned backends.
package document

import (
	"fmt"
	"sort"
)

// Document is one client-declared open document. VenvPath is captured at the
// first venv resolution and stays fixed until the document is closed.
type Document struct {
	URI        string
	LanguageID string
	Version    int32
	Text       string
	VenvPath   string
}

// ErrUnknownDocument is returned for edits against a document that was never
// opened (or was closed).
var ErrUnknownDocument = fmt.Errorf("unknown document")

// Store holds the open documents keyed by URI. It is mutated only from the
// proxy event loop and needs no locking.
type Store struct {
	docs map[string]*Document
}

func NewStore() *Store {
	return &Store{docs: make(map[string]*Document)}
}

// Open records a document. An already-open URI is replaced wholesale,
// including its venv binding.
func (s *Store) Open(uri, languageID string, version int32, text, venvPath string) *Document {
	doc := &Document{
		URI:        uri,
		LanguageID: languageID,
		Version:    version,
		Text:       text,
		VenvPath:   venvPath,
	}
	s.docs[uri] = doc
	return doc
}

// Get returns the document for uri.
func (s *Store) Get(uri string) (*Document, bool) {
	doc, ok := s.docs[uri]
	return doc, ok
}

// Close removes the document for uri and reports whether it was present.
func (s *Store) Close(uri string) bool {
	if _, ok := s.docs[uri]; !ok {
		return false
	}
	delete(s.docs, uri)
	return true
}

// Len returns the number of open documents.
func (s *Store) Len() int { return len(s.docs) }

// Documents returns all open documents in URI order.
func (s *Store) Documents() []*Document {
	out := make([]*Document, 0, len(s.docs))
	for _, doc := range s.docs {
		out = append(out, doc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URI < out[j].URI })
	return out
}

// ApplyChanges applies a didChange batch to the cached text. Changes are
// applied sequentially; each one sees the text produced by the previous. The
// version is updated after all edits succeed.
func (s *Store) ApplyChanges(uri string, version int32, changes []ContentChange) error {
	doc, ok := s.docs[uri]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDocument, uri)
	}

	text := doc.Text
	for _, change := range changes {
		if change.Range == nil {
			text = change.Text
			continue
		}
		text = applyIncremental(text, *change.Range, change.Text)
	}

	doc.Text = text
	doc.Version = version
	return nil
}
