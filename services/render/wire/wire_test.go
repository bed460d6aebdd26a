// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package wire

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/AleutianAI/deltatree/services/render/address"
	"github.com/AleutianAI/deltatree/services/render/content"
	"github.com/AleutianAI/deltatree/services/render/reconcile"
	"github.com/AleutianAI/deltatree/services/render/table"
	"github.com/AleutianAI/deltatree/services/render/tree"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func meta(c address.Container, slot int, path ...int) *address.Metadata {
	return &address.Metadata{
		ParentBlock: &address.BlockPath{Container: c, Path: path},
		DeltaID:     slot,
	}
}

func TestDecode_NewElement(t *testing.T) {
	msg, err := Decode([]byte(`{
		"metadata": {"parent_block": {"container": "sidebar", "path": [2, 0]}, "delta_id": 3},
		"delta": {"new_element": {"kind": "markdown", "payload": {"body": "# Hi", "allow_html": false}}}
	}`))
	require.NoError(t, err)

	loc, err := address.FromMetadata(msg.Metadata)
	require.NoError(t, err)
	assert.Equal(t, "S.(2,0).3", loc.String())

	ne, ok := msg.Delta.(*reconcile.NewElement)
	require.True(t, ok)
	assert.True(t, ne.Content.Equal(content.MustFromMap(content.KindMarkdown, map[string]any{"body": "# Hi", "allow_html": false})))
}

func TestRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		msg  reconcile.Message
	}{
		{
			name: "new element",
			msg: reconcile.Message{
				Delta:    &reconcile.NewElement{Content: content.MustFromMap(content.KindComponentInstance, map[string]any{"component_name": "c", "args": []any{1.0, "x"}})},
				Metadata: meta(address.ContainerMain, 0),
			},
		},
		{
			name: "new block",
			msg: reconcile.Message{
				Delta:    &reconcile.AddBlock{Layout: tree.LayoutHorizontal},
				Metadata: meta(address.ContainerMain, 1, 0),
			},
		},
		{
			name: "add rows",
			msg: reconcile.Message{
				Delta: &reconcile.AddRows{Dataset: table.NamedDataset{
					Name:    "foo",
					HasName: true,
					Data:    table.Frame{Columns: []string{"a", "b"}, Rows: [][]any{{1.0, "x"}}},
				}},
				Metadata: meta(address.ContainerSidebar, 0),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := Encode(tt.msg)
			require.NoError(t, err)

			got, err := Decode(data)
			require.NoError(t, err)
			assert.Equal(t, tt.msg.Metadata, got.Metadata)
			assert.Equal(t, tt.msg.Delta.Type(), got.Delta.Type())

			switch want := tt.msg.Delta.(type) {
			case *reconcile.NewElement:
				assert.True(t, want.Content.Equal(got.Delta.(*reconcile.NewElement).Content))
			default:
				assert.Equal(t, want, got.Delta)
			}
		})
	}
}

func TestDecode_Malformed(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{name: "not json", input: `{`},
		{name: "no delta", input: `{"metadata": {"delta_id": 0}}`},
		{name: "two deltas", input: `{"delta": {"new_block": {}, "add_rows": {"data": {"columns": []}}}}`},
		{name: "empty kind", input: `{"delta": {"new_element": {"kind": ""}}}`},
		{name: "bad payload", input: `{"delta": {"new_element": {"kind": "text", "payload": [1]}}}`},
		{name: "ragged rows", input: `{"delta": {"add_rows": {"data": {"columns": ["a"], "rows": [[1, 2]]}}}}`},
		{name: "bad layout", input: `{"delta": {"new_block": {"layout": "diagonal"}}}`},
		{name: "bad container", input: `{"metadata": {"parent_block": {"container": "footer"}}, "delta": {"new_block": {}}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.input))
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestDecode_MissingMetadataIsLeftToReconciler(t *testing.T) {
	msg, err := Decode([]byte(`{"delta": {"new_block": {}}}`))
	require.NoError(t, err)
	assert.Nil(t, msg.Metadata)
	assert.Equal(t, tree.LayoutVertical, msg.Delta.(*reconcile.AddBlock).Layout)
}

func TestEncode_Errors(t *testing.T) {
	_, err := Encode(reconcile.Message{})
	assert.ErrorIs(t, err, reconcile.ErrNilDelta)

	_, err = Encode(reconcile.Message{Delta: &reconcile.NewElement{Content: fakeContent{}}})
	assert.ErrorIs(t, err, ErrUnsupportedContent)
}

type fakeContent struct{}

func (fakeContent) Kind() string            { return "fake" }
func (fakeContent) Equal(tree.Content) bool { return false }

func TestDecoder_Stream(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	require.NoError(t, enc.Write(reconcile.Message{Delta: &reconcile.AddBlock{}, Metadata: meta(address.ContainerMain, 0)}))
	buf.WriteString("\n# comment\n")
	require.NoError(t, enc.Write(reconcile.Message{Delta: &reconcile.AddBlock{}, Metadata: meta(address.ContainerMain, 1)}))

	msgs, err := ReadAll(&buf)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, 1, msgs[1].Metadata.DeltaID)
}

func TestDecoder_PartialLine(t *testing.T) {
	full := `{"metadata":{"parent_block":{"container":"main","path":[]},"delta_id":0},"delta":{"new_block":{}}}`
	r := &growingReader{}
	dec := NewDecoder(r)

	r.data = []byte(full[:20])
	_, err := dec.Next()
	assert.True(t, errors.Is(err, io.EOF))

	r.data = []byte(full[20:] + "\n")
	msg, err := dec.Next()
	require.NoError(t, err)
	assert.Equal(t, reconcile.DeltaTypeAddBlock, msg.Delta.Type())
	assert.Equal(t, 1, dec.Line())
}

func TestDecoder_LineNumbersInErrors(t *testing.T) {
	_, err := ReadAll(strings.NewReader("{\"delta\":{\"new_block\":{}}}\nnot json\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 2")
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestReadAll_UnterminatedLastLine(t *testing.T) {
	msgs, err := ReadAll(strings.NewReader(`{"delta":{"new_block":{}}}`))
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

// growingReader returns its pending data once, then io.EOF until more is
// set, like a file being appended to.
type growingReader struct {
	data []byte
}

func (g *growingReader) Read(p []byte) (int, error) {
	if len(g.data) == 0 {
		return 0, io.EOF
	}
	n := copy(p, g.data)
	g.data = g.data[n:]
	return n, nil
}
