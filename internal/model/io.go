package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Format is a document encoding for instances and solutions.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// FormatFromPath picks the encoding from a file extension; anything but .yaml/.yml is JSON.
func FormatFromPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatJSON
	}
}

// LoadInstance reads and validates an instance file.
func LoadInstance(path string) (*Instance, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open instance: %w", err)
	}
	defer f.Close()
	in, err := DecodeInstance(f, FormatFromPath(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return in, nil
}

// DecodeInstance decodes and validates an instance document.
func DecodeInstance(r io.Reader, format Format) (*Instance, error) {
	var in Instance
	switch format {
	case FormatYAML:
		dec := yaml.NewDecoder(r)
		dec.KnownFields(true)
		if err := dec.Decode(&in); err != nil {
			return nil, fmt.Errorf("decode yaml instance: %w", err)
		}
	default:
		dec := json.NewDecoder(r)
		dec.DisallowUnknownFields()
		if err := dec.Decode(&in); err != nil {
			return nil, fmt.Errorf("decode json instance: %w", err)
		}
	}
	if err := in.Validate(); err != nil {
		return nil, err
	}
	return &in, nil
}

// EncodeSolution writes an indented solution document.
func EncodeSolution(w io.Writer, sol *Solution, format Format) error {
	if format == FormatYAML {
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(sol); err != nil {
			return err
		}
		return enc.Close()
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(sol)
}

// SaveSolution writes a solution to path, YAML for .yaml/.yml and JSON otherwise.
func SaveSolution(path string, sol *Solution) error {
	var buf bytes.Buffer
	if err := EncodeSolution(&buf, sol, FormatFromPath(path)); err != nil {
		return fmt.Errorf("encode solution: %w", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write solution: %w", err)
	}
	return nil
}
