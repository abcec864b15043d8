package iface

import (
	"errors"
	"fmt"
	"slices"

	"github.com/svclink/svclink/pkg/msgid"
)

// Descriptor errors.
var (
	ErrInvalidTable   = errors.New("invalid interface table")
	ErrUnknownMessage = errors.New("message not part of interface")
)

// ServiceKind tells whether an interface is visible outside its process.
type ServiceKind uint8

const (
	// ServiceLocal interfaces are only reachable from the same process.
	ServiceLocal ServiceKind = 0

	// ServicePublic interfaces can be reached across process boundaries.
	ServicePublic ServiceKind = 1
)

// String returns the service kind name.
func (k ServiceKind) String() string {
	switch k {
	case ServiceLocal:
		return "LOCAL"
	case ServicePublic:
		return "PUBLIC"
	default:
		return "UNKNOWN"
	}
}

// Table is the verbatim interface table supplied by generated code.
// IDs in each list must be dense, starting at the first ID of their range.
type Table struct {
	Name    string
	Version Version
	Kind    ServiceKind

	Requests   []msgid.ID
	Responses  []msgid.ID
	Attributes []msgid.ID

	// RequestResponse maps each request to its response.
	// Requests that are absent or map to msgid.NoFunction have no response.
	RequestResponse map[msgid.ID]msgid.ID

	// ParamCount maps each response to the number of its parameters.
	ParamCount map[msgid.ID]int

	// Names optionally names each message for logs.
	Names map[msgid.ID]string
}

// Descriptor is the immutable metadata of one service interface.
// It is created once and shared read-only by every provider and consumer
// of the interface.
type Descriptor struct {
	name    string
	version Version
	kind    ServiceKind

	requests   []msgid.ID
	responses  []msgid.ID
	attributes []msgid.ID

	// Indexed by dense request index.
	reqToResp []msgid.ID
	// Indexed by dense response index; NoFunction for broadcasts.
	respToReq []msgid.ID
	// Indexed by dense response index.
	paramCount []int

	names map[msgid.ID]string
}

// New validates t and builds a Descriptor from it.
func New(t Table) (*Descriptor, error) {
	if t.Name == "" {
		return nil, fmt.Errorf("%w: missing name", ErrInvalidTable)
	}
	if err := checkDense(t.Requests, msgid.KindRequest); err != nil {
		return nil, fmt.Errorf("%w: requests: %v", ErrInvalidTable, err)
	}
	if err := checkDense(t.Responses, msgid.KindResponse); err != nil {
		return nil, fmt.Errorf("%w: responses: %v", ErrInvalidTable, err)
	}
	if err := checkDense(t.Attributes, msgid.KindAttribute); err != nil {
		return nil, fmt.Errorf("%w: attributes: %v", ErrInvalidTable, err)
	}

	d := &Descriptor{
		name:       t.Name,
		version:    t.Version,
		kind:       t.Kind,
		requests:   slices.Clone(t.Requests),
		responses:  slices.Clone(t.Responses),
		attributes: slices.Clone(t.Attributes),
		reqToResp:  make([]msgid.ID, len(t.Requests)),
		respToReq:  make([]msgid.ID, len(t.Responses)),
		paramCount: make([]int, len(t.Responses)),
		names:      make(map[msgid.ID]string, len(t.Names)),
	}

	for req, resp := range t.RequestResponse {
		if !d.hasRequest(req) {
			return nil, fmt.Errorf("%w: request %d not declared", ErrInvalidTable, req)
		}
		if resp == msgid.NoFunction {
			continue
		}
		if !d.hasResponse(resp) {
			return nil, fmt.Errorf("%w: response %d of request %d not declared", ErrInvalidTable, resp, req)
		}
		ri := int(resp - msgid.ResponseFirst)
		if d.respToReq[ri] != msgid.NoFunction {
			return nil, fmt.Errorf("%w: response %d answers more than one request", ErrInvalidTable, resp)
		}
		d.reqToResp[int(req-msgid.RequestFirst)] = resp
		d.respToReq[ri] = req
	}

	for resp, n := range t.ParamCount {
		if !d.hasResponse(resp) {
			return nil, fmt.Errorf("%w: parameter count for undeclared response %d", ErrInvalidTable, resp)
		}
		if n < 0 {
			return nil, fmt.Errorf("%w: negative parameter count for response %d", ErrInvalidTable, resp)
		}
		d.paramCount[int(resp-msgid.ResponseFirst)] = n
	}

	type nameKey struct {
		kind msgid.Kind
		name string
	}
	seen := make(map[nameKey]struct{}, len(t.Names))
	for id, name := range t.Names {
		if !d.Has(id) {
			return nil, fmt.Errorf("%w: name %q for undeclared message %d", ErrInvalidTable, name, id)
		}
		key := nameKey{kind: id.Kind(), name: name}
		if _, dup := seen[key]; dup {
			return nil, fmt.Errorf("%w: duplicate %s name %q", ErrInvalidTable, id.Kind(), name)
		}
		seen[key] = struct{}{}
		d.names[id] = name
	}

	return d, nil
}

// MustNew is like New but panics on an invalid table.
// Intended for package-level descriptors in generated code.
func MustNew(t Table) *Descriptor {
	d, err := New(t)
	if err != nil {
		panic(err)
	}
	return d
}

func checkDense(ids []msgid.ID, kind msgid.Kind) error {
	first, _ := msgid.First(kind)
	if len(ids) > msgid.RangeSize {
		return fmt.Errorf("%d entries exceed range size", len(ids))
	}
	for i, id := range ids {
		if id != first+msgid.ID(i) {
			return fmt.Errorf("entry %d is %d, want %d", i, id, first+msgid.ID(i))
		}
	}
	return nil
}

// Name returns the interface name.
func (d *Descriptor) Name() string { return d.name }

// Version returns the interface version.
func (d *Descriptor) Version() Version { return d.version }

// Kind returns the service kind.
func (d *Descriptor) Kind() ServiceKind { return d.kind }

// RequestCount returns the number of requests.
func (d *Descriptor) RequestCount() int { return len(d.requests) }

// ResponseCount returns the number of responses, including broadcasts.
func (d *Descriptor) ResponseCount() int { return len(d.responses) }

// AttributeCount returns the number of attributes.
func (d *Descriptor) AttributeCount() int { return len(d.attributes) }

// RequestIDs returns a copy of the request identifiers.
func (d *Descriptor) RequestIDs() []msgid.ID { return slices.Clone(d.requests) }

// ResponseIDs returns a copy of the response identifiers.
func (d *Descriptor) ResponseIDs() []msgid.ID { return slices.Clone(d.responses) }

// AttributeIDs returns a copy of the attribute identifiers.
func (d *Descriptor) AttributeIDs() []msgid.ID { return slices.Clone(d.attributes) }

func (d *Descriptor) hasRequest(id msgid.ID) bool {
	return id.IsRequest() && int(id-msgid.RequestFirst) < len(d.requests)
}

func (d *Descriptor) hasResponse(id msgid.ID) bool {
	return id.IsResponse() && int(id-msgid.ResponseFirst) < len(d.responses)
}

func (d *Descriptor) hasAttribute(id msgid.ID) bool {
	return id.IsAttribute() && int(id-msgid.AttributeFirst) < len(d.attributes)
}

// Has reports whether id is a request, response or attribute of the interface.
func (d *Descriptor) Has(id msgid.ID) bool {
	return d.hasRequest(id) || d.hasResponse(id) || d.hasAttribute(id)
}

// HasRequest reports whether id is a request of the interface.
func (d *Descriptor) HasRequest(id msgid.ID) bool { return d.hasRequest(id) }

// HasResponse reports whether id is a response or broadcast of the interface.
func (d *Descriptor) HasResponse(id msgid.ID) bool { return d.hasResponse(id) }

// HasAttribute reports whether id is an attribute of the interface.
func (d *Descriptor) HasAttribute(id msgid.ID) bool { return d.hasAttribute(id) }

// ResponseFor returns the response of request req.
// It returns msgid.NoFunction when the request has no response.
func (d *Descriptor) ResponseFor(req msgid.ID) (msgid.ID, error) {
	if !d.hasRequest(req) {
		return msgid.InvalidID, fmt.Errorf("%w: %s", ErrUnknownMessage, req)
	}
	return d.reqToResp[int(req-msgid.RequestFirst)], nil
}

// RequestFor returns the request answered by response resp.
// Broadcasts return msgid.NoFunction.
func (d *Descriptor) RequestFor(resp msgid.ID) (msgid.ID, error) {
	if !d.hasResponse(resp) {
		return msgid.InvalidID, fmt.Errorf("%w: %s", ErrUnknownMessage, resp)
	}
	return d.respToReq[int(resp-msgid.ResponseFirst)], nil
}

// IsBroadcast reports whether resp is a response without an originating request.
func (d *Descriptor) IsBroadcast(resp msgid.ID) bool {
	req, err := d.RequestFor(resp)
	return err == nil && req == msgid.NoFunction
}

// ParamCount returns the number of parameters of response resp.
func (d *Descriptor) ParamCount(resp msgid.ID) (int, error) {
	if !d.hasResponse(resp) {
		return 0, fmt.Errorf("%w: %s", ErrUnknownMessage, resp)
	}
	return d.paramCount[int(resp-msgid.ResponseFirst)], nil
}

// MessageName returns the declared name of id, or its numeric form.
func (d *Descriptor) MessageName(id msgid.ID) string {
	if name, ok := d.names[id]; ok {
		return name
	}
	return id.String()
}

// Lookup finds a message by kind and name.
func (d *Descriptor) Lookup(kind msgid.Kind, name string) (msgid.ID, bool) {
	for id, n := range d.names {
		if n == name && id.Kind() == kind {
			return id, true
		}
	}
	return msgid.InvalidID, false
}

// String returns "name vX.Y.Z".
func (d *Descriptor) String() string {
	return fmt.Sprintf("%s v%s", d.name, d.version)
}
