package iface

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/svclink/svclink/pkg/msgid"
)

// RawDefinition is a service interface definition loaded from YAML.
//
//	name: HelloWorld
//	version: 1.0.0
//	kind: public
//	requests:
//	  - name: HelloWorld
//	    response: HelloWorld
//	  - name: Shutdown
//	responses:
//	  - name: HelloWorld
//	    params: 1
//	broadcasts:
//	  - name: ServiceUnavailable
//	attributes:
//	  - name: ConnectedClients
//
// Identifiers are assigned densely in declaration order. Broadcasts are
// numbered after the responses.
type RawDefinition struct {
	Name        string            `yaml:"name"`
	Version     string            `yaml:"version"`
	Kind        string            `yaml:"kind"` // "local" or "public"
	Description string            `yaml:"description"`
	Requests    []RawRequestDef   `yaml:"requests"`
	Responses   []RawResponseDef  `yaml:"responses"`
	Broadcasts  []RawResponseDef  `yaml:"broadcasts"`
	Attributes  []RawAttributeDef `yaml:"attributes"`
}

// RawRequestDef declares a request and, optionally, its response.
type RawRequestDef struct {
	Name        string `yaml:"name"`
	Response    string `yaml:"response"`
	Description string `yaml:"description"`
}

// RawResponseDef declares a response or broadcast.
type RawResponseDef struct {
	Name        string `yaml:"name"`
	Params      int    `yaml:"params"`
	Description string `yaml:"description"`
}

// RawAttributeDef declares an attribute.
type RawAttributeDef struct {
	Name        string `yaml:"name"`
	Type        string `yaml:"type"`
	Description string `yaml:"description"`
}

// ParseDefinition parses an interface definition from YAML bytes.
func ParseDefinition(data []byte) (*RawDefinition, error) {
	var def RawDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parsing interface definition: %w", err)
	}
	if def.Name == "" {
		return nil, fmt.Errorf("interface definition missing name")
	}
	return &def, nil
}

// LoadDefinition loads and parses an interface definition from a file.
func LoadDefinition(path string) (*RawDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return ParseDefinition(data)
}

// Table assigns identifiers and builds the interface table.
func (def *RawDefinition) Table() (Table, error) {
	t := Table{
		Name:            def.Name,
		RequestResponse: make(map[msgid.ID]msgid.ID),
		ParamCount:      make(map[msgid.ID]int),
		Names:           make(map[msgid.ID]string),
	}

	if def.Version != "" {
		v, err := ParseVersion(def.Version)
		if err != nil {
			return Table{}, err
		}
		t.Version = v
	}

	switch def.Kind {
	case "", "local":
		t.Kind = ServiceLocal
	case "public":
		t.Kind = ServicePublic
	default:
		return Table{}, fmt.Errorf("unknown service kind %q", def.Kind)
	}

	responses := make(map[string]msgid.ID, len(def.Responses))
	for i, r := range append(append([]RawResponseDef{}, def.Responses...), def.Broadcasts...) {
		id := msgid.ResponseID(i)
		if _, dup := responses[r.Name]; dup {
			return Table{}, fmt.Errorf("duplicate response %q", r.Name)
		}
		responses[r.Name] = id
		t.Responses = append(t.Responses, id)
		t.ParamCount[id] = r.Params
		t.Names[id] = r.Name
	}

	for i, r := range def.Requests {
		id := msgid.RequestID(i)
		t.Requests = append(t.Requests, id)
		t.Names[id] = r.Name
		if r.Response == "" {
			t.RequestResponse[id] = msgid.NoFunction
			continue
		}
		resp, ok := responses[r.Response]
		if !ok || resp >= msgid.ResponseID(len(def.Responses)) {
			return Table{}, fmt.Errorf("request %q: unknown response %q", r.Name, r.Response)
		}
		t.RequestResponse[id] = resp
	}

	for i, a := range def.Attributes {
		id := msgid.AttributeID(i)
		t.Attributes = append(t.Attributes, id)
		t.Names[id] = a.Name
	}

	return t, nil
}

// Descriptor builds the immutable descriptor of the definition.
func (def *RawDefinition) Descriptor() (*Descriptor, error) {
	t, err := def.Table()
	if err != nil {
		return nil, fmt.Errorf("interface %s: %w", def.Name, err)
	}
	return New(t)
}

// LoadDescriptor loads a definition file and builds its descriptor.
func LoadDescriptor(path string) (*Descriptor, error) {
	def, err := LoadDefinition(path)
	if err != nil {
		return nil, err
	}
	return def.Descriptor()
}
