// Package compiler turns rule document sources (YAML, JSON or CUE) into
// ruleset.Document values.
//
// Decoding is strict: unknown keys are errors in every format. Semantic
// validation is left to the ruleset package.
package compiler

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/roach88/pricer/internal/ruleset"
)

// Format is a rule document source format.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
	FormatCUE  Format = "cue"
)

// FormatFromPath picks a format by file extension.
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json":
		return FormatJSON, nil
	case ".cue":
		return FormatCUE, nil
	default:
		return "", fmt.Errorf("unsupported rule document extension %q (want .yaml, .yml, .json or .cue)", filepath.Ext(path))
	}
}

// LoadFile reads and decodes a rule document from disk.
func LoadFile(path string) (*ruleset.Document, error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rule document: %w", err)
	}
	return Parse(data, format, filepath.Base(path))
}

// Parse decodes a rule document in the given format. name is used in
// error positions.
func Parse(data []byte, format Format, name string) (*ruleset.Document, error) {
	switch format {
	case FormatYAML:
		return ParseYAML(data, name)
	case FormatJSON:
		return ParseJSON(data, name)
	case FormatCUE:
		return CompileCUE(data, name)
	default:
		return nil, fmt.Errorf("unsupported format %q", format)
	}
}

// ParseYAML decodes a YAML rule document, rejecting unknown keys.
func ParseYAML(data []byte, name string) (*ruleset.Document, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var doc ruleset.Document
	if err := dec.Decode(&doc); err != nil {
		if err == io.EOF {
			return nil, &CompileError{File: name, Field: "document", Message: "empty document"}
		}
		return nil, &CompileError{File: name, Field: "yaml", Message: err.Error()}
	}
	return &doc, nil
}

// ParseJSON decodes a JSON rule document, rejecting unknown keys.
func ParseJSON(data []byte, name string) (*ruleset.Document, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var doc ruleset.Document
	if err := dec.Decode(&doc); err != nil {
		return nil, &CompileError{File: name, Field: "json", Message: err.Error()}
	}
	if dec.More() {
		return nil, &CompileError{File: name, Field: "json", Message: "trailing data after document"}
	}
	return &doc, nil
}

// MarshalYAML renders a document back to YAML, e.g. after filling in the
// checksum.
func MarshalYAML(doc *ruleset.Document) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("encode rule document: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
