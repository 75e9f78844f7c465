package document

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rng(sl, sc, el, ec uint32) *Range {
	return &Range{Start: Position{Line: sl, Character: sc}, End: Position{Line: el, Character: ec}}
}

func TestOpenGetClose(t *testing.T) {
	s := NewStore()
	s.Open("file:///a.py", "python", 1, "x = 1\n", "/repo/.venv")

	doc, ok := s.Get("file:///a.py")
	require.True(t, ok)
	assert.Equal(t, "python", doc.LanguageID)
	assert.Equal(t, int32(1), doc.Version)
	assert.Equal(t, "/repo/.venv", doc.VenvPath)

	assert.True(t, s.Close("file:///a.py"))
	assert.False(t, s.Close("file:///a.py"))
	_, ok = s.Get("file:///a.py")
	assert.False(t, ok)
}

func TestApplyFullReplacement(t *testing.T) {
	s := NewStore()
	s.Open("file:///a.py", "python", 1, "old", "")

	err := s.ApplyChanges("file:///a.py", 2, []ContentChange{{Text: "brand new"}})
	require.NoError(t, err)

	doc, _ := s.Get("file:///a.py")
	assert.Equal(t, "brand new", doc.Text)
	assert.Equal(t, int32(2), doc.Version)
}

func TestApplyIncrementalEdits(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		changes []ContentChange
		want    string
	}{
		{
			name:    "replace within line",
			text:    "def foo():\n    pass\n",
			changes: []ContentChange{{Range: rng(0, 4, 0, 7), Text: "bar"}},
			want:    "def bar():\n    pass\n",
		},
		{
			name:    "insert at line start",
			text:    "b = 2\n",
			changes: []ContentChange{{Range: rng(0, 0, 0, 0), Text: "a = 1\n"}},
			want:    "a = 1\nb = 2\n",
		},
		{
			name:    "delete across lines",
			text:    "one\ntwo\nthree\n",
			changes: []ContentChange{{Range: rng(0, 3, 2, 0), Text: ""}},
			want:    "onethree\n",
		},
		{
			name: "sequential edits see prior result",
			text: "abc",
			changes: []ContentChange{
				{Range: rng(0, 3, 0, 3), Text: "def"},
				{Range: rng(0, 6, 0, 6), Text: "ghi"},
			},
			want: "abcdefghi",
		},
		{
			name:    "append at end of file",
			text:    "x = 1",
			changes: []ContentChange{{Range: rng(0, 5, 0, 5), Text: "\ny = 2"}},
			want:    "x = 1\ny = 2",
		},
		{
			name:    "crlf terminators",
			text:    "one\r\ntwo\r\nthree\r\n",
			changes: []ContentChange{{Range: rng(1, 0, 1, 3), Text: "TWO"}},
			want:    "one\r\nTWO\r\nthree\r\n",
		},
		{
			name:    "lone cr terminator",
			text:    "one\rtwo\rthree",
			changes: []ContentChange{{Range: rng(2, 0, 2, 5), Text: "3"}},
			want:    "one\rtwo\r3",
		},
		{
			name:    "multibyte before edit point",
			text:    "s = 'héllo'\nprint(s)\n",
			changes: []ContentChange{{Range: rng(0, 5, 0, 10), Text: "wörld"}},
			want:    "s = 'wörld'\nprint(s)\n",
		},
		{
			name: "surrogate pair counts two units",
			// "🐍" is U+1F40D, two UTF-16 code units.
			text:    "a🐍b",
			changes: []ContentChange{{Range: rng(0, 3, 0, 4), Text: "c"}},
			want:    "a🐍c",
		},
		{
			name:    "character clamps to line end",
			text:    "ab\ncd\n",
			changes: []ContentChange{{Range: rng(0, 99, 1, 0), Text: "-"}},
			want:    "ab-cd\n",
		},
		{
			name:    "line clamps to document end",
			text:    "ab\n",
			changes: []ContentChange{{Range: rng(9, 0, 9, 0), Text: "tail"}},
			want:    "ab\ntail",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewStore()
			s.Open("file:///t.py", "python", 1, tt.text, "")
			require.NoError(t, s.ApplyChanges("file:///t.py", 2, tt.changes))
			doc, _ := s.Get("file:///t.py")
			assert.Equal(t, tt.want, doc.Text)
		})
	}
}

func TestIncrementalMatchesFullReplacement(t *testing.T) {
	// The same logical rewrite expressed as incremental edits and as a full
	// replacement must converge on identical cache state.
	original := "import os\n\ndef main():\n    print(os.getcwd())\n"
	final := "import sys\n\ndef main():\n    print(sys.argv)\n"

	inc := NewStore()
	inc.Open("file:///m.py", "python", 1, original, "")
	require.NoError(t, inc.ApplyChanges("file:///m.py", 2, []ContentChange{
		{Range: rng(0, 7, 0, 9), Text: "sys"},
		{Range: rng(3, 10, 3, 21), Text: "sys.argv"},
	}))

	full := NewStore()
	full.Open("file:///m.py", "python", 1, original, "")
	require.NoError(t, full.ApplyChanges("file:///m.py", 2, []ContentChange{{Text: final}}))

	incDoc, _ := inc.Get("file:///m.py")
	fullDoc, _ := full.Get("file:///m.py")
	assert.Equal(t, fullDoc.Text, incDoc.Text)
	assert.Equal(t, final, incDoc.Text)
}

func TestApplyChangesUnknownDocument(t *testing.T) {
	s := NewStore()
	err := s.ApplyChanges("file:///ghost.py", 1, []ContentChange{{Text: "x"}})
	assert.ErrorIs(t, err, ErrUnknownDocument)
}

func TestDocumentsSortedByURI(t *testing.T) {
	s := NewStore()
	s.Open("file:///b.py", "python", 1, "", "")
	s.Open("file:///a.py", "python", 1, "", "")
	s.Open("file:///c.py", "python", 1, "", "")

	docs := s.Documents()
	require.Len(t, docs, 3)
	assert.Equal(t, "file:///a.py", docs[0].URI)
	assert.Equal(t, "file:///b.py", docs[1].URI)
	assert.Equal(t, "file:///c.py", docs[2].URI)
}
