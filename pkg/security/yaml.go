package security

import (
	"bytes"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// YAMLLimits bounds the resources a YAML document may consume.
type YAMLLimits struct {
	MaxFileSize  int64 // bytes
	MaxDepth     int
	MaxNodes     int
	MaxKeyLength int
	MaxValueSize int64 // bytes per scalar
}

// DefaultYAMLLimits suits configuration files and provider directories.
func DefaultYAMLLimits() YAMLLimits {
	return YAMLLimits{
		MaxFileSize:  1 * 1024 * 1024,
		MaxDepth:     20,
		MaxNodes:     50000,
		MaxKeyLength: 256,
		MaxValueSize: 64 * 1024,
	}
}

// DecodeYAML checks data against limits and then unmarshals it into v.
// Aliases are walked through, so alias expansion counts toward MaxNodes.
func DecodeYAML(data []byte, v any, limits YAMLLimits) error {
	if int64(len(data)) > limits.MaxFileSize {
		return fmt.Errorf("YAML document too large: %d bytes exceeds %d", len(data), limits.MaxFileSize)
	}

	var root yaml.Node
	if err := yaml.NewDecoder(bytes.NewReader(data)).Decode(&root); err != nil {
		if err == io.EOF {
			return nil
		}
		return fmt.Errorf("YAML parse error: %w", err)
	}

	w := &yamlWalker{limits: limits}
	if err := w.walk(&root, 0); err != nil {
		return err
	}
	return root.Decode(v)
}

type yamlWalker struct {
	limits YAMLLimits
	nodes  int
}

func (w *yamlWalker) walk(node *yaml.Node, depth int) error {
	if depth > w.limits.MaxDepth {
		return fmt.Errorf("YAML nesting depth %d exceeds %d", depth, w.limits.MaxDepth)
	}
	w.nodes++
	if w.nodes > w.limits.MaxNodes {
		return fmt.Errorf("YAML node count exceeds %d", w.limits.MaxNodes)
	}

	switch node.Kind {
	case yaml.DocumentNode:
		for _, child := range node.Content {
			if err := w.walk(child, depth); err != nil {
				return err
			}
		}
	case yaml.MappingNode:
		for i := 0; i+1 < len(node.Content); i += 2 {
			key := node.Content[i]
			if len(key.Value) > w.limits.MaxKeyLength {
				return fmt.Errorf("YAML key length %d exceeds %d", len(key.Value), w.limits.MaxKeyLength)
			}
			if err := w.walk(node.Content[i+1], depth+1); err != nil {
				return err
			}
		}
	case yaml.SequenceNode:
		for _, child := range node.Content {
			if err := w.walk(child, depth+1); err != nil {
				return err
			}
		}
	case yaml.ScalarNode:
		if int64(len(node.Value)) > w.limits.MaxValueSize {
			return fmt.Errorf("YAML value size %d bytes exceeds %d", len(node.Value), w.limits.MaxValueSize)
		}
	case yaml.AliasNode:
		if node.Alias != nil {
			return w.walk(node.Alias, depth+1)
		}
	}
	return nil
}
