package datamodel

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// cellSeparator splits a CSV cell into writable, type and value.
const cellSeparator = "|"

var errNoDevices = errors.New("seed contains no devices")

// LoadFile reads the seed for one device from a fixture file. The format is
// chosen by extension: .csv holds one device per row, .yaml/.yml holds a
// single device.
func LoadFile(path string, device int) (map[string]Parameter, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open seed %s: %w", path, err)
	}
	defer f.Close()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if device != 0 {
			return nil, fmt.Errorf("seed %s holds a single device, got index %d", path, device)
		}
		return ParseYAML(f)
	case ".csv":
		devices, err := ParseCSV(f)
		if err != nil {
			return nil, fmt.Errorf("failed to parse seed %s: %w", path, err)
		}
		if device < 0 || device >= len(devices) {
			return nil, fmt.Errorf("seed %s has %d devices, index %d out of range", path, len(devices), device)
		}
		return devices[device], nil
	default:
		return nil, fmt.Errorf("unsupported seed format %q", filepath.Ext(path))
	}
}

// ParseCSV reads a wide table: the header row names parameter paths and
// each following row describes one device. Every cell is
// "writable|type|value"; an empty cell leaves the path out for that device.
func ParseCSV(r io.Reader) ([]map[string]Parameter, error) {
	reader := csv.NewReader(r)
	// Rows may be shorter or longer than the header.
	reader.FieldsPerRecord = -1
	rows, err := reader.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(rows) < 2 {
		return nil, errNoDevices
	}

	header := rows[0]
	for i, path := range header {
		header[i] = strings.TrimSpace(path)
	}

	devices := make([]map[string]Parameter, 0, len(rows)-1)
	for n, row := range rows[1:] {
		params := make(map[string]Parameter, len(header))
		for i, cell := range row {
			if i >= len(header) {
				break
			}
			if header[i] == "" || cell == "" {
				continue
			}
			p, err := ParseCell(cell)
			if err != nil {
				return nil, fmt.Errorf("row %d, %s: %w", n+2, header[i], err)
			}
			params[header[i]] = p
		}
		devices = append(devices, params)
	}
	return devices, nil
}

// ParseCell decodes a "writable|type|value" cell. The value is everything
// after the second separator and may itself contain separators.
func ParseCell(cell string) (Parameter, error) {
	parts := strings.SplitN(cell, cellSeparator, 3)

	writable, err := parseWritable(parts[0])
	if err != nil {
		return Parameter{}, err
	}
	p := Parameter{Writable: writable}
	if len(parts) > 1 {
		p.Type = parts[1]
	}
	if len(parts) > 2 {
		p.Value = parts[2]
	}
	return p, nil
}

func parseWritable(s string) (bool, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return false, nil
	}
	w, err := strconv.ParseBool(s)
	if err != nil {
		return false, fmt.Errorf("invalid writable flag %q", s)
	}
	return w, nil
}

// ParseYAML reads a mapping of path to the positional triple
// [writable, value, type].
func ParseYAML(r io.Reader) (map[string]Parameter, error) {
	var raw map[string][]any
	if err := yaml.NewDecoder(r).Decode(&raw); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errNoDevices
		}
		return nil, err
	}

	params := make(map[string]Parameter, len(raw))
	for path, triple := range raw {
		if len(triple) == 0 || len(triple) > 3 {
			return nil, fmt.Errorf("%s: expected [writable, value, type], got %d fields", path, len(triple))
		}
		writable, err := parseWritable(scalar(triple[0]))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		p := Parameter{Writable: writable}
		if len(triple) > 1 {
			p.Value = scalar(triple[1])
		}
		if len(triple) > 2 {
			p.Type = scalar(triple[2])
		}
		params[path] = p
	}
	return params, nil
}

func scalar(v any) string {
	if v == nil {
		return ""
	}
	return fmt.Sprint(v)
}
