// Package ot implements the operational-transform primitives the
// coordination protocol is built on: an opaque JSON document tree, steps
// that apply to it atomically, and position maps composable into a Mapping
// for rebasing steps across intervening edits.
package ot

import (
	"encoding/json"
	"fmt"
)

// Node is one node of the document tree. Leaf text nodes carry Text; block
// nodes carry Content. The zero structure round-trips through JSON
// deterministically, which history replay relies on.
type Node struct {
	Type    string  `json:"type"`
	Text    string  `json:"text,omitempty"`
	Content []*Node `json:"content,omitempty"`
}

// Schema describes the document vocabulary. The coordination core only needs
// the top node and the step types it can deserialize.
type Schema struct {
	topNode string
}

// NewSchema returns the default document schema.
func NewSchema() *Schema {
	return &Schema{topNode: "doc"}
}

// EmptyDoc builds the version-0 document: a doc node holding one empty
// paragraph.
func (s *Schema) EmptyDoc() *Node {
	return &Node{
		Type:    s.topNode,
		Content: []*Node{{Type: "paragraph"}},
	}
}

// DocFromJSON deserializes a document produced by DocToJSON.
func (s *Schema) DocFromJSON(data []byte) (*Node, error) {
	var n Node
	if err := json.Unmarshal(data, &n); err != nil {
		return nil, fmt.Errorf("ot: invalid document: %w", err)
	}
	if n.Type != s.topNode {
		return nil, fmt.Errorf("ot: unexpected top node %q", n.Type)
	}
	return &n, nil
}

// DocToJSON serializes a document. Marshaling is deterministic for a given
// tree, so replaying the same history always yields byte-identical output.
func DocToJSON(doc *Node) ([]byte, error) {
	return json.Marshal(doc)
}

// textOf concatenates the text content of a subtree.
func textOf(n *Node) string {
	if n == nil {
		return ""
	}
	if n.Type == "text" {
		return n.Text
	}
	var out string
	for _, c := range n.Content {
		out += textOf(c)
	}
	return out
}

// Length returns the document size in positions (runes of text content).
func Length(doc *Node) int64 {
	return int64(len([]rune(textOf(doc))))
}

// docWithText rebuilds the canonical document around the given text content.
// Rebuilding rather than patching keeps serialization deterministic.
func (s *Schema) docWithText(text string) *Node {
	para := &Node{Type: "paragraph"}
	if text != "" {
		para.Content = []*Node{{Type: "text", Text: text}}
	}
	return &Node{Type: s.topNode, Content: []*Node{para}}
}
