// Package validity tracks the validity of cached attributes and response
// parameters.
//
// Every attribute and every declared response parameter carries a State.
// A freshly built Table reports Unavailable for all of them; Undefined is
// only ever seen on a zero State that no table has touched.
package validity

import (
	"errors"
	"fmt"

	"github.com/svclink/svclink/pkg/iface"
	"github.com/svclink/svclink/pkg/msgid"
)

// Errors returned by Table.
var (
	ErrUnknownID         = errors.New("validity: unknown message id")
	ErrInvalidTransition = errors.New("validity: invalid state transition")
	ErrParamIndex        = errors.New("validity: parameter index out of range")
)

// State is the validity of one cached value.
type State uint8

const (
	Undefined State = iota
	OK
	Invalid
	Unavailable
	UnexpectedError
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Undefined:
		return "UNDEFINED"
	case OK:
		return "OK"
	case Invalid:
		return "INVALID"
	case Unavailable:
		return "UNAVAILABLE"
	case UnexpectedError:
		return "UNEXPECTED_ERROR"
	default:
		return "UNKNOWN"
	}
}

// Table holds the validity of every attribute and response parameter of
// one interface instance. It is owned by a single dispatch context and is
// not safe for concurrent use.
type Table struct {
	attributes []State
	responses  []State
	params     [][]State
}

// NewTable builds a table for desc with every entry Unavailable.
func NewTable(desc *iface.Descriptor) *Table {
	t := &Table{
		attributes: make([]State, desc.AttributeCount()),
		responses:  make([]State, desc.ResponseCount()),
		params:     make([][]State, desc.ResponseCount()),
	}
	for i, id := range desc.ResponseIDs() {
		n, _ := desc.ParamCount(id)
		t.params[i] = make([]State, n)
	}
	t.Reset()
	return t
}

// Reset sets every entry back to Unavailable.
func (t *Table) Reset() {
	fill(t.attributes, Unavailable)
	fill(t.responses, Unavailable)
	for _, p := range t.params {
		fill(p, Unavailable)
	}
}

func fill(s []State, v State) {
	for i := range s {
		s[i] = v
	}
}

func settable(s State) error {
	switch s {
	case OK, Invalid, UnexpectedError:
		return nil
	default:
		return fmt.Errorf("%w: cannot set %s", ErrInvalidTransition, s)
	}
}

// SetState sets the state of an attribute, or of a response together with
// all of its parameters.
func (t *Table) SetState(id msgid.ID, s State) error {
	if err := settable(s); err != nil {
		return err
	}
	switch id.Kind() {
	case msgid.KindAttribute:
		i := int(id - msgid.AttributeFirst)
		if i >= len(t.attributes) {
			return fmt.Errorf("%w: %s", ErrUnknownID, id)
		}
		t.attributes[i] = s
		return nil
	case msgid.KindResponse:
		i := int(id - msgid.ResponseFirst)
		if i >= len(t.responses) {
			return fmt.Errorf("%w: %s", ErrUnknownID, id)
		}
		t.responses[i] = s
		fill(t.params[i], s)
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrUnknownID, id)
	}
}

// SetParamState sets the state of a single response parameter. The state of
// the response itself becomes the aggregate of its parameters.
func (t *Table) SetParamState(resp msgid.ID, param int, s State) error {
	if err := settable(s); err != nil {
		return err
	}
	params, err := t.paramsOf(resp)
	if err != nil {
		return err
	}
	if param < 0 || param >= len(params) {
		return fmt.Errorf("%w: %s param %d", ErrParamIndex, resp, param)
	}
	params[param] = s
	t.responses[int(resp-msgid.ResponseFirst)] = aggregate(params)
	return nil
}

// aggregate returns the common state of params, or the most severe one.
func aggregate(params []State) State {
	worst := OK
	for _, s := range params {
		if rank(s) > rank(worst) {
			worst = s
		}
	}
	return worst
}

func rank(s State) int {
	switch s {
	case OK:
		return 0
	case Unavailable:
		return 1
	case Invalid:
		return 2
	default:
		return 3
	}
}

func (t *Table) paramsOf(resp msgid.ID) ([]State, error) {
	if !resp.IsResponse() {
		return nil, fmt.Errorf("%w: %s", ErrUnknownID, resp)
	}
	i := int(resp - msgid.ResponseFirst)
	if i >= len(t.params) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownID, resp)
	}
	return t.params[i], nil
}

// State returns the state of an attribute or response.
func (t *Table) State(id msgid.ID) (State, error) {
	switch id.Kind() {
	case msgid.KindAttribute:
		i := int(id - msgid.AttributeFirst)
		if i < len(t.attributes) {
			return t.attributes[i], nil
		}
	case msgid.KindResponse:
		i := int(id - msgid.ResponseFirst)
		if i < len(t.responses) {
			return t.responses[i], nil
		}
	}
	return Undefined, fmt.Errorf("%w: %s", ErrUnknownID, id)
}

// ParamState returns the state of one response parameter.
func (t *Table) ParamState(resp msgid.ID, param int) (State, error) {
	params, err := t.paramsOf(resp)
	if err != nil {
		return Undefined, err
	}
	if param < 0 || param >= len(params) {
		return Undefined, fmt.Errorf("%w: %s param %d", ErrParamIndex, resp, param)
	}
	return params[param], nil
}

// IsOK reports whether id is known and currently OK.
func (t *Table) IsOK(id msgid.ID) bool {
	s, err := t.State(id)
	return err == nil && s == OK
}
