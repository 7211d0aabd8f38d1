package vdoc

import (
	"fmt"
	"strconv"
	"strings"
)

// PatchType identifies one operation of the closed patch vocabulary.
type PatchType int

const (
	// PatchInitialize replaces the whole client state with a full document.
	PatchInitialize PatchType = iota
	// PatchSetAttribute sets or removes one attribute.
	PatchSetAttribute
	// PatchSetStyle sets or removes one style declaration.
	PatchSetStyle
	// PatchSetText replaces a text node's content.
	PatchSetText
	// PatchInsertChild inserts a subtree at an index.
	PatchInsertChild
	// PatchRemoveChild removes a child by semantic id.
	PatchRemoveChild
	// PatchMoveChild reorders a child within its parent.
	PatchMoveChild
)

var patchTypeNames = map[PatchType]string{
	PatchInitialize:   "initialize",
	PatchSetAttribute: "set_attribute",
	PatchSetStyle:     "set_style",
	PatchSetText:      "set_text",
	PatchInsertChild:  "insert_child",
	PatchRemoveChild:  "remove_child",
	PatchMoveChild:    "move_child",
}

func (t PatchType) String() string { return patchTypeNames[t] }

// MarshalJSON renders the patch type as its wire name.
func (t PatchType) MarshalJSON() ([]byte, error) {
	return []byte(`"` + patchTypeNames[t] + `"`), nil
}

// UnmarshalJSON parses the wire name back into the enum.
func (t *PatchType) UnmarshalJSON(data []byte) error {
	name := strings.Trim(string(data), `"`)
	for k, v := range patchTypeNames {
		if v == name {
			*t = k
			return nil
		}
	}
	return fmt.Errorf("unknown patch type %q", name)
}

// cssPathSegment addresses the document-level CSS rule list; rule
// operations use it as the parent path with the rule identity as the
// child identifier.
const cssPathSegment = "#css"

// PatchPath addresses a node by semantic identity: the list of semantic
// path segments from the root. A positional rendering (`root/0/1`) is
// available as an intra-epoch optimization, but semantic paths are what
// the differ emits.
type PatchPath []string

// String renders the semantic path in wire form.
func (p PatchPath) String() string { return strings.Join(p, "/") }

// PositionalPath renders a positional path valid only against a known
// state version.
func PositionalPath(indices []int) string {
	parts := make([]string, len(indices)+1)
	parts[0] = "root"
	for i, idx := range indices {
		parts[i+1] = strconv.Itoa(idx)
	}
	return strings.Join(parts, "/")
}

// Patch is one element of the closed patch vocabulary.
type Patch struct {
	Type PatchType `json:"type"`
	// Path addresses the target node (or its parent for child operations).
	Path PatchPath `json:"path,omitempty"`
	// Key is the attribute name or style property for set operations.
	Key string `json:"key,omitempty"`
	// Value is the new value; empty with Removed=true means removal.
	Value   string `json:"value,omitempty"`
	Removed bool   `json:"removed,omitempty"`
	// Text is the replacement content for set_text.
	Text string `json:"text,omitempty"`
	// Node is the inserted subtree for insert_child.
	Node *VNode `json:"node,omitempty"`
	// Rule is the inserted rule when insert_child targets the CSS list.
	Rule *CSSRule `json:"rule,omitempty"`
	// ChildID is the semantic id (or rule identity) for remove/move.
	ChildID string `json:"child_id,omitempty"`
	// Index is the insertion index for insert_child.
	Index int `json:"index,omitempty"`
	// FromIndex/ToIndex are the move coordinates for move_child.
	FromIndex int `json:"from_index,omitempty"`
	ToIndex   int `json:"to_index,omitempty"`
	// Document is the full tree for initialize.
	Document *Document `json:"document,omitempty"`
}
