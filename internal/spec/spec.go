// Package spec defines the request-specification document the load test
// compiles its request corpus from. The shape is an adaptation of OpenAPI v3:
// descriptions, tags and schema validation are stripped, and each operation
// gains a requestData map naming the concrete datums that can be sent to it.
// Ordering of paths and requestData entries is preserved from the document.
package spec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

var (
	ErrUnparsable  = errors.New("spec parses as neither YAML nor JSON")
	ErrBadWeight   = errors.New("weight must be a positive integer")
	ErrBadBody     = errors.New("body must be either constant or external")
	ErrBadParam    = errors.New("parameter must be one of header, path or query")
	ErrNotMapping  = errors.New("expected a mapping")
	ErrNotSequence = errors.New("expected a sequence")
)

// Specification is the root of a spec document.
type Specification struct {
	Paths []PathEntry
}

// PathEntry is one (path, item) pair; declaration order is significant.
type PathEntry struct {
	Name string
	Item PathItem
}

// PathItem holds the operations defined under one path.
type PathItem struct {
	Get  *Operation
	Post *Operation
}

// Operation describes one method on a path, with its weighted request data.
type Operation struct {
	RequestData []DataEntry
	Weight      int
}

// DataEntry is one named datum under an operation; order is preserved.
type DataEntry struct {
	Name string
	Data Data
}

// Data is one concrete way of exercising an operation: a parameter list, an
// optional body, and a sampling weight.
type Data struct {
	Parameters []Parameter
	Body       *Body
	Weight     int
}

// ParamKind discriminates the parameter variants.
type ParamKind int

const (
	ParamHeader ParamKind = iota
	ParamPath
	ParamQuery
)

// Parameter is a header, path segment or query pair applied to a request.
// Path parameters only use Value.
type Parameter struct {
	Kind  ParamKind
	Name  string
	Value string
}

// BodyKind discriminates the body variants.
type BodyKind int

const (
	BodyConstant BodyKind = iota
	BodyExternal
)

// Body is a request body source: an inline constant string, or a path to an
// external file or directory of files.
type Body struct {
	Kind  BodyKind
	Value string
}

// Load reads and parses a spec file.
func Load(path string) (*Specification, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read spec %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes a spec document, trying YAML first and then JSON.
func Parse(data []byte) (*Specification, error) {
	var s Specification
	yamlErr := yaml.Unmarshal(data, &s)
	if yamlErr == nil {
		return &s, nil
	}

	node, jsonErr := jsonToNode(data)
	if jsonErr != nil {
		return nil, fmt.Errorf("%w: yaml: %v; json: %v", ErrUnparsable, yamlErr, jsonErr)
	}
	s = Specification{}
	if err := node.Decode(&s); err != nil {
		return nil, fmt.Errorf("%w: yaml: %v; json: %v", ErrUnparsable, yamlErr, err)
	}
	return &s, nil
}

// UnmarshalYAML decodes the root document, keeping path declaration order.
func (s *Specification) UnmarshalYAML(value *yaml.Node) error {
	paths, err := mappingValue(value, "paths")
	if err != nil {
		return err
	}
	if paths == nil {
		return errors.New("spec has no paths")
	}
	if paths.Kind != yaml.MappingNode {
		return fmt.Errorf("paths: %w", ErrNotMapping)
	}
	for i := 0; i < len(paths.Content); i += 2 {
		var entry PathEntry
		entry.Name = paths.Content[i].Value
		if err := paths.Content[i+1].Decode(&entry.Item); err != nil {
			return fmt.Errorf("path %q: %w", entry.Name, err)
		}
		s.Paths = append(s.Paths, entry)
	}
	return nil
}

// UnmarshalYAML decodes one path item's operations.
func (p *PathItem) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.MappingNode {
		return ErrNotMapping
	}
	for i := 0; i < len(value.Content); i += 2 {
		key := value.Content[i].Value
		switch key {
		case "get":
			p.Get = new(Operation)
			if err := value.Content[i+1].Decode(p.Get); err != nil {
				return fmt.Errorf("get: %w", err)
			}
		case "post":
			p.Post = new(Operation)
			if err := value.Content[i+1].Decode(p.Post); err != nil {
				return fmt.Errorf("post: %w", err)
			}
		}
	}
	return nil
}

// UnmarshalYAML decodes an operation, keeping requestData entry order.
func (o *Operation) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.MappingNode {
		return ErrNotMapping
	}
	o.Weight = 1
	for i := 0; i < len(value.Content); i += 2 {
		key, val := value.Content[i].Value, value.Content[i+1]
		switch key {
		case "requestData":
			if val.Kind != yaml.MappingNode {
				return fmt.Errorf("requestData: %w", ErrNotMapping)
			}
			for j := 0; j < len(val.Content); j += 2 {
				var entry DataEntry
				entry.Name = val.Content[j].Value
				if err := val.Content[j+1].Decode(&entry.Data); err != nil {
					return fmt.Errorf("requestData %q: %w", entry.Name, err)
				}
				o.RequestData = append(o.RequestData, entry)
			}
		case "weight":
			if err := val.Decode(&o.Weight); err != nil {
				return err
			}
		}
	}
	if o.Weight < 1 {
		return ErrBadWeight
	}
	return nil
}

// UnmarshalYAML decodes one datum.
func (d *Data) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.MappingNode {
		return ErrNotMapping
	}
	d.Weight = 1
	for i := 0; i < len(value.Content); i += 2 {
		key, val := value.Content[i].Value, value.Content[i+1]
		switch key {
		case "parameters":
			if val.Kind != yaml.SequenceNode {
				return fmt.Errorf("parameters: %w", ErrNotSequence)
			}
			for _, item := range val.Content {
				var p Parameter
				if err := item.Decode(&p); err != nil {
					return err
				}
				d.Parameters = append(d.Parameters, p)
			}
		case "body":
			d.Body = new(Body)
			if err := val.Decode(d.Body); err != nil {
				return err
			}
		case "weight":
			if err := val.Decode(&d.Weight); err != nil {
				return err
			}
		}
	}
	if d.Weight < 1 {
		return ErrBadWeight
	}
	return nil
}

// UnmarshalYAML decodes a parameter, which is written as a single-key mapping
// naming the variant: header, path or query.
func (p *Parameter) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.MappingNode || len(value.Content) != 2 {
		return ErrBadParam
	}
	key, val := value.Content[0].Value, value.Content[1]
	switch key {
	case "header", "query":
		var nv struct {
			Name  string `yaml:"name"`
			Value string `yaml:"value"`
		}
		if err := val.Decode(&nv); err != nil {
			return err
		}
		p.Kind = ParamHeader
		if key == "query" {
			p.Kind = ParamQuery
		}
		p.Name, p.Value = nv.Name, nv.Value
	case "path":
		p.Kind = ParamPath
		if err := val.Decode(&p.Value); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: got %q", ErrBadParam, key)
	}
	return nil
}

// UnmarshalYAML decodes a body variant: constant or external.
func (b *Body) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.MappingNode || len(value.Content) != 2 {
		return ErrBadBody
	}
	key, val := value.Content[0].Value, value.Content[1]
	switch key {
	case "constant":
		b.Kind = BodyConstant
	case "external":
		b.Kind = BodyExternal
	default:
		return fmt.Errorf("%w: got %q", ErrBadBody, key)
	}
	return val.Decode(&b.Value)
}

func mappingValue(node *yaml.Node, key string) (*yaml.Node, error) {
	if node.Kind == yaml.DocumentNode && len(node.Content) == 1 {
		node = node.Content[0]
	}
	if node.Kind != yaml.MappingNode {
		return nil, ErrNotMapping
	}
	for i := 0; i < len(node.Content); i += 2 {
		if node.Content[i].Value == key {
			return node.Content[i+1], nil
		}
	}
	return nil, nil
}

// jsonToNode converts a JSON document into a yaml.Node tree so the ordered
// YAML decoders above can serve both input formats.
func jsonToNode(data []byte) (*yaml.Node, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	node, err := decodeJSONValue(dec)
	if err != nil {
		return nil, err
	}
	// Trailing garbage after the document is an error.
	if _, err := dec.Token(); err != io.EOF {
		return nil, errors.New("unexpected trailing data")
	}
	return node, nil
}

func decodeJSONValue(dec *json.Decoder) (*yaml.Node, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '{':
			node := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
			for dec.More() {
				keyTok, err := dec.Token()
				if err != nil {
					return nil, err
				}
				key, ok := keyTok.(string)
				if !ok {
					return nil, fmt.Errorf("object key is not a string: %v", keyTok)
				}
				val, err := decodeJSONValue(dec)
				if err != nil {
					return nil, err
				}
				node.Content = append(node.Content,
					&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key}, val)
			}
			_, err = dec.Token() // consume '}'
			return node, err
		case '[':
			node := &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq"}
			for dec.More() {
				val, err := decodeJSONValue(dec)
				if err != nil {
					return nil, err
				}
				node.Content = append(node.Content, val)
			}
			_, err = dec.Token() // consume ']'
			return node, err
		}
		return nil, fmt.Errorf("unexpected delimiter %v", t)
	case string:
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: t}, nil
	case json.Number:
		tag := "!!int"
		if strings.ContainsAny(t.String(), ".eE") {
			tag = "!!float"
		}
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: tag, Value: t.String()}, nil
	case bool:
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!bool", Value: fmt.Sprint(t)}, nil
	case nil:
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!null", Value: "null"}, nil
	}
	return nil, fmt.Errorf("unexpected token %v", tok)
}
