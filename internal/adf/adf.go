// Package adf flattens Atlassian Document Format trees into plain text.
package adf

import (
	"encoding/json"
	"strings"
	"unicode/utf8"
)

// Node is one node of a document tree.
type Node struct {
	Type    string         `json:"type"`
	Text    string         `json:"text,omitempty"`
	Attrs   map[string]any `json:"attrs,omitempty"`
	Content []Node         `json:"content,omitempty"`
}

// Class is the structural role of a node type.
type Class int

const (
	// Container nodes only hold other nodes; unknown types are treated as containers.
	Container Class = iota
	// Inline leaves contribute text in document order.
	Inline
	// Block nodes end with a line break.
	Block
)

var classes = map[string]Class{
	"text":       Inline,
	"mention":    Inline,
	"emoji":      Inline,
	"hardBreak":  Inline,
	"inlineCard": Inline,

	"paragraph":   Block,
	"heading":     Block,
	"listItem":    Block,
	"tableCell":   Block,
	"tableHeader": Block,
	"codeBlock":   Block,
}

// ClassOf returns the class of a node type.
func ClassOf(nodeType string) Class {
	if c, ok := classes[nodeType]; ok {
		return c
	}
	return Container
}

// Visitor receives the leaves and block boundaries of a tree walk.
type Visitor interface {
	Inline(n *Node)
	EndBlock(n *Node)
}

// Walk visits n depth-first in document order.
func Walk(n *Node, v Visitor) {
	switch ClassOf(n.Type) {
	case Inline:
		v.Inline(n)
	case Block:
		for i := range n.Content {
			Walk(&n.Content[i], v)
		}
		v.EndBlock(n)
	default:
		for i := range n.Content {
			Walk(&n.Content[i], v)
		}
	}
}

type textBuilder struct {
	sb strings.Builder
}

func (b *textBuilder) Inline(n *Node) {
	switch n.Type {
	case "text":
		b.sb.WriteString(n.Text)
	case "hardBreak":
		b.sb.WriteByte('\n')
	case "mention":
		if s := attr(n, "text"); s != "" {
			b.sb.WriteString(s)
		} else {
			b.sb.WriteString(attr(n, "id"))
		}
	case "emoji":
		if s := attr(n, "shortName"); s != "" {
			b.sb.WriteString(s)
		} else {
			b.sb.WriteString(attr(n, "text"))
		}
	case "inlineCard":
		b.sb.WriteString(attr(n, "url"))
	}
}

func (b *textBuilder) EndBlock(*Node) {
	b.sb.WriteByte('\n')
}

func attr(n *Node, key string) string {
	if s, ok := n.Attrs[key].(string); ok {
		return s
	}
	return ""
}

// Text flattens a tree to whitespace-normalized plain text of at most
// maxLen runes (no limit when maxLen <= 0).
func Text(n *Node, maxLen int) string {
	if n == nil {
		return ""
	}
	var b textBuilder
	Walk(n, &b)
	return Truncate(Normalize(b.sb.String()), maxLen)
}

// FromJSON flattens a raw body that is either an ADF document or a plain
// JSON string (older API versions return comment bodies as strings).
// Malformed input yields "".
func FromJSON(raw json.RawMessage, maxLen int) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return Truncate(Normalize(s), maxLen)
	}
	var n Node
	if err := json.Unmarshal(raw, &n); err != nil {
		return ""
	}
	return Text(&n, maxLen)
}

// Normalize collapses runs of spaces within each line and drops blank lines.
func Normalize(s string) string {
	var lines []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.Join(strings.Fields(line), " ")
		if line != "" {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n")
}

// Truncate cuts s to at most maxLen runes.
func Truncate(s string, maxLen int) string {
	if maxLen <= 0 || utf8.RuneCountInString(s) <= maxLen {
		return s
	}
	r := []rune(s)
	return strings.TrimSpace(string(r[:maxLen]))
}
