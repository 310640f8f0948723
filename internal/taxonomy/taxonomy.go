// Package taxonomy holds the lending-operations request taxonomy: request types,
// their allowed sub-types, the fields extracted for each type, and the owning team.
// It is pure data plus small resolver functions.
package taxonomy

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultTeam receives requests whose type is not in the taxonomy.
const DefaultTeam = "DEFAULT_TEAM"

// DealIDField is extracted for every request type.
const DealIDField = "deal_id"

// RequestType is one top-level classification bucket.
type RequestType struct {
	Name     string   `yaml:"name"`
	SubTypes []string `yaml:"sub_types"`
	Fields   []string `yaml:"fields"`
	Team     string   `yaml:"team"`
}

// Field is an extraction field with the description shown to the model.
type Field struct {
	Name        string
	Description string
}

// Taxonomy is an ordered, read-only set of request types.
type Taxonomy struct {
	types       []RequestType
	byName      map[string]int
	fieldDescs  map[string]string
	defaultTeam string
}

// file is the on-disk YAML shape accepted by Load.
type file struct {
	DefaultTeam  string            `yaml:"default_team"`
	Fields       map[string]string `yaml:"fields"`
	RequestTypes []RequestType     `yaml:"request_types"`
}

// New builds a Taxonomy from request types and field descriptions and validates it.
func New(types []RequestType, fieldDescs map[string]string, defaultTeam string) (*Taxonomy, error) {
	if defaultTeam == "" {
		defaultTeam = DefaultTeam
	}
	t := &Taxonomy{
		types:       make([]RequestType, 0, len(types)),
		byName:      make(map[string]int, len(types)),
		fieldDescs:  make(map[string]string, len(fieldDescs)),
		defaultTeam: defaultTeam,
	}
	for k, v := range fieldDescs {
		t.fieldDescs[k] = v
	}
	for _, rt := range types {
		cp := RequestType{
			Name:     strings.TrimSpace(rt.Name),
			SubTypes: append([]string(nil), rt.SubTypes...),
			Fields:   append([]string(nil), rt.Fields...),
			Team:     strings.TrimSpace(rt.Team),
		}
		if _, dup := t.byName[cp.Name]; dup {
			return nil, fmt.Errorf("taxonomy: duplicate request type %q", cp.Name)
		}
		t.byName[cp.Name] = len(t.types)
		t.types = append(t.types, cp)
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// Load reads a taxonomy from a YAML file.
func Load(path string) (*Taxonomy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read taxonomy: %w", err)
	}
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse taxonomy yaml: %w", err)
	}
	return New(f.RequestTypes, f.Fields, f.DefaultTeam)
}

// Validate checks that every request type is routable and fully described.
func (t *Taxonomy) Validate() error {
	var errs []error
	if len(t.types) == 0 {
		errs = append(errs, errors.New("taxonomy: no request types"))
	}
	if _, ok := t.fieldDescs[DealIDField]; !ok {
		errs = append(errs, fmt.Errorf("taxonomy: field %q has no description", DealIDField))
	}
	for _, rt := range t.types {
		if rt.Name == "" {
			errs = append(errs, errors.New("taxonomy: request type with empty name"))
			continue
		}
		if rt.Team == "" {
			errs = append(errs, fmt.Errorf("taxonomy: request type %q has no team", rt.Name))
		}
		if len(rt.Fields) == 0 {
			errs = append(errs, fmt.Errorf("taxonomy: request type %q has no fields", rt.Name))
		}
		seen := make(map[string]bool, len(rt.Fields))
		for _, f := range rt.Fields {
			if seen[f] {
				errs = append(errs, fmt.Errorf("taxonomy: request type %q lists field %q twice", rt.Name, f))
			}
			seen[f] = true
			if strings.TrimSpace(t.fieldDescs[f]) == "" {
				errs = append(errs, fmt.Errorf("taxonomy: field %q of %q has no description", f, rt.Name))
			}
		}
	}
	return errors.Join(errs...)
}

// Names returns request type names in taxonomy order.
func (t *Taxonomy) Names() []string {
	out := make([]string, len(t.types))
	for i, rt := range t.types {
		out[i] = rt.Name
	}
	return out
}

// Lookup returns a copy of the named request type.
func (t *Taxonomy) Lookup(name string) (RequestType, bool) {
	i, ok := t.byName[name]
	if !ok {
		return RequestType{}, false
	}
	rt := t.types[i]
	rt.SubTypes = append([]string(nil), rt.SubTypes...)
	rt.Fields = append([]string(nil), rt.Fields...)
	return rt, true
}

// AllowsSubType reports whether sub is a permitted sub-type of requestType.
func (t *Taxonomy) AllowsSubType(requestType, sub string) bool {
	i, ok := t.byName[requestType]
	if !ok {
		return false
	}
	for _, s := range t.types[i].SubTypes {
		if s == sub {
			return true
		}
	}
	return false
}

// FieldsFor returns the extraction fields for a request type, in order.
// Unknown types fall back to the deal identifier alone.
func (t *Taxonomy) FieldsFor(requestType string) []Field {
	names := []string{DealIDField}
	if i, ok := t.byName[requestType]; ok {
		names = t.types[i].Fields
	}
	out := make([]Field, len(names))
	for i, n := range names {
		out[i] = Field{Name: n, Description: t.fieldDescs[n]}
	}
	return out
}

// Teams returns every team in taxonomy order, followed by the default team.
func (t *Taxonomy) Teams() []string {
	seen := make(map[string]bool, len(t.types)+1)
	var out []string
	for _, rt := range t.types {
		if !seen[rt.Team] {
			seen[rt.Team] = true
			out = append(out, rt.Team)
		}
	}
	if !seen[t.defaultTeam] {
		out = append(out, t.defaultTeam)
	}
	return out
}

// CriteriaJSON renders the request types and their sub-types as an indented
// JSON object, keeping taxonomy order. Types without sub-types map to null.
func (t *Taxonomy) CriteriaJSON() string {
	var b bytes.Buffer
	b.WriteString("{\n  \"Request Type\": {\n")
	for i, rt := range t.types {
		name, _ := json.Marshal(rt.Name)
		b.WriteString("    ")
		b.Write(name)
		b.WriteString(": ")
		if len(rt.SubTypes) == 0 {
			b.WriteString("null")
		} else {
			subs, _ := json.MarshalIndent(rt.SubTypes, "    ", "  ")
			b.Write(subs)
		}
		if i < len(t.types)-1 {
			b.WriteByte(',')
		}
		b.WriteByte('\n')
	}
	b.WriteString("  }\n}")
	return b.String()
}
