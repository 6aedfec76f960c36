// Package viz renders the change graph of a document as SVG.
package viz

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/automerge/automerge-go"
	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"
)

// Render writes an SVG of every change in doc and its dependencies to w. When nodePath is
// not empty each change is labelled with the value at that path as of the change.
func Render(doc *automerge.Doc, nodePath []interface{}, w io.Writer) error {
	g := graphviz.New()
	defer g.Close()

	graph, err := g.Graph()
	if err != nil {
		return fmt.Errorf("failed to setup graph: %w", err)
	}
	defer graph.Close()
	graph.SetRankDir(cgraph.BTRank)

	changes, err := doc.Changes()
	if err != nil {
		return fmt.Errorf("failed to generate changes: %w", err)
	}
	heads := make(map[automerge.ChangeHash]bool)
	for _, h := range doc.Heads() {
		heads[h] = true
	}

	nodes := make(map[string]*cgraph.Node, len(changes))
	edges := 0
	for _, change := range changes {
		label := fmt.Sprintf("%s %s@%d", change.Hash().String()[:8], shortActor(change.ActorID()), change.ActorSeq())
		if len(nodePath) > 0 {
			value, err := valueAt(doc, change.Hash(), nodePath)
			if err != nil {
				return err
			}
			label += " " + value
		}

		n, err := graph.CreateNode(change.Hash().String())
		if err != nil {
			return fmt.Errorf("failed to create node: %w", err)
		}
		n.SetLabel(label)
		if heads[change.Hash()] {
			n.SetStyle(cgraph.FilledNodeStyle)
			n.SetFillColor("lightblue")
		}
		nodes[n.Name()] = n

		for _, dep := range change.Dependencies() {
			parent, ok := nodes[dep.String()]
			if !ok {
				continue
			}
			edges++
			if _, err := graph.CreateEdge(strconv.Itoa(edges), parent, n); err != nil {
				return fmt.Errorf("failed to create edge: %w", err)
			}
		}
	}

	if err := g.Render(graph, graphviz.SVG, w); err != nil {
		return fmt.Errorf("failed to render: %w", err)
	}
	return nil
}

func valueAt(doc *automerge.Doc, hash automerge.ChangeHash, nodePath []interface{}) (string, error) {
	docAt, err := doc.Fork(hash)
	if err != nil {
		return "", fmt.Errorf("failed to checkout %s: %w", hash, err)
	}
	var raw interface{}
	if value, err := docAt.Path(nodePath...).Get(); err == nil {
		raw = value.Interface()
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return "", fmt.Errorf("failed to marshal %s: %w", hash, err)
	}
	return string(encoded), nil
}

func shortActor(actor string) string {
	if len(actor) > 8 {
		return actor[:8]
	}
	return actor
}

// RenderToFile renders doc to an SVG file at outputPath.
func RenderToFile(doc *automerge.Doc, nodePath []interface{}, outputPath string) error {
	var buff bytes.Buffer
	if err := Render(doc, nodePath, &buff); err != nil {
		return err
	}
	if err := os.WriteFile(outputPath, buff.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", outputPath, err)
	}
	return nil
}

// ParsePath turns "a.0.b" into a document path, treating numeric segments as list indexes.
func ParsePath(raw string) []interface{} {
	var out []interface{}
	for _, segment := range strings.Split(raw, ".") {
		if segment == "" {
			continue
		}
		if idx, err := strconv.Atoi(segment); err == nil {
			out = append(out, idx)
		} else {
			out = append(out, segment)
		}
	}
	return out
}
