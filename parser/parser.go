// Package parser converts result files written by the external inventory
// tool into units ready for storage.
package parser

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/yairfalse/sweep/types"
)

// Extension is the suffix of result files
const Extension = ".json"

// Parsed is one unit decoded from a result file
type Parsed struct {
	Unit    types.Unit
	Payload json.RawMessage
}

// Func is the signature the ingester depends on
type Func func(fileName string, content []byte) ([]Parsed, error)

// IsResultFile reports whether name looks like a tool result file.
// Metadata files written next to the results are skipped.
func IsResultFile(name string) bool {
	base := filepath.Base(name)
	if !strings.HasSuffix(base, Extension) || strings.HasPrefix(base, ".") {
		return false
	}
	return !strings.Contains(strings.ToLower(base), "metadata")
}

// Parse decodes one result file. The unit is derived from the file name,
// the content must be a JSON object or array and is kept verbatim.
// Every failure wraps types.ErrParse.
func Parse(fileName string, content []byte) ([]Parsed, error) {
	unit, err := ParseFileName(fileName)
	if err != nil {
		return nil, err
	}

	payload := bytes.TrimSpace(content)
	if len(payload) == 0 {
		return nil, fmt.Errorf("%w: %s is empty", types.ErrParse, filepath.Base(fileName))
	}
	if payload[0] != '{' && payload[0] != '[' {
		return nil, fmt.Errorf("%w: %s: payload is not a JSON object or array", types.ErrParse, filepath.Base(fileName))
	}
	if !json.Valid(payload) {
		return nil, fmt.Errorf("%w: %s: invalid JSON", types.ErrParse, filepath.Base(fileName))
	}

	// Compact so identical content always stores identically
	var buf bytes.Buffer
	if err := json.Compact(&buf, payload); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", types.ErrParse, filepath.Base(fileName), err)
	}

	return []Parsed{{Unit: unit, Payload: json.RawMessage(buf.Bytes())}}, nil
}

// ParseFileName decodes service_operation_region_profile.json.
// Region and profile are optional; "None" reads as empty. A profile
// may itself contain underscores.
func ParseFileName(fileName string) (types.Unit, error) {
	base := filepath.Base(fileName)
	name := strings.TrimSuffix(base, Extension)
	parts := strings.Split(name, "_")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return types.Unit{}, fmt.Errorf("%w: cannot derive unit from file name %q", types.ErrParse, base)
	}

	unit := types.Unit{
		Service:   strings.ToLower(parts[0]),
		Operation: parts[1],
	}
	if len(parts) >= 3 {
		unit.Region = none(parts[2])
	}
	if len(parts) >= 4 {
		unit.Profile = none(strings.Join(parts[3:], "_"))
	}
	return unit, nil
}

func none(v string) string {
	if v == "None" {
		return ""
	}
	return v
}
