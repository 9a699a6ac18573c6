package main

import (
	"encoding/json"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// Output formats accepted by --output.
const (
	formatJSON = "json"
	formatYAML = "yaml"
	formatText = "text"
)

// render writes v in the requested format. Values are encoded through their
// JSON tags in every format, so YAML keys match the JSON ones. text is used
// for the text format; when it is nil, text falls back to YAML.
func render(w io.Writer, format string, v interface{}, text func() string) error {
	switch format {
	case formatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case formatYAML:
		return writeYAML(w, v)
	case formatText:
		if text == nil {
			return writeYAML(w, v)
		}
		_, err := io.WriteString(w, text())
		return err
	default:
		return fmt.Errorf("unknown output format %q (want json, yaml or text)", format)
	}
}

func writeYAML(w io.Writer, v interface{}) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	// JSON is valid YAML; decoding into a node keeps the key order.
	var node yaml.Node
	if err := yaml.Unmarshal(body, &node); err != nil {
		return err
	}
	blockStyle(&node)
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(&node); err != nil {
		return err
	}
	return enc.Close()
}

// blockStyle drops the flow and quoting styles the JSON input carried.
func blockStyle(n *yaml.Node) {
	n.Style = 0
	for _, c := range n.Content {
		blockStyle(c)
	}
}

func formatOr(format, def string) string {
	if format == "" {
		return def
	}
	return format
}
