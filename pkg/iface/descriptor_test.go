package iface

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/svclink/svclink/pkg/msgid"
)

const helloWorldYAML = `
name: HelloWorld
version: 1.2.0
kind: public
requests:
  - name: HelloWorld
    response: HelloWorld
  - name: Shutdown
responses:
  - name: HelloWorld
    params: 2
broadcasts:
  - name: ServiceUnavailable
attributes:
  - name: ConnectedClients
    type: uint32
  - name: RemainOutput
`

func testTable() Table {
	return Table{
		Name:       "Sample",
		Version:    Version{1, 0, 0},
		Kind:       ServicePublic,
		Requests:   []msgid.ID{100, 101},
		Responses:  []msgid.ID{4196, 4197},
		Attributes: []msgid.ID{msgid.AttributeFirst},
		RequestResponse: map[msgid.ID]msgid.ID{
			100: 4196,
			101: msgid.NoFunction,
		},
		ParamCount: map[msgid.ID]int{4196: 1, 4197: 2},
		Names: map[msgid.ID]string{
			100:  "Start",
			4196: "Start",
			4197: "Progress",
		},
	}
}

func TestNewDescriptor(t *testing.T) {
	d, err := New(testTable())
	require.NoError(t, err)

	assert.Equal(t, "Sample", d.Name())
	assert.Equal(t, ServicePublic, d.Kind())
	assert.Equal(t, 2, d.RequestCount())
	assert.Equal(t, 2, d.ResponseCount())
	assert.Equal(t, 1, d.AttributeCount())

	resp, err := d.ResponseFor(100)
	require.NoError(t, err)
	assert.Equal(t, msgid.ID(4196), resp)

	resp, err = d.ResponseFor(101)
	require.NoError(t, err)
	assert.Equal(t, msgid.NoFunction, resp)

	req, err := d.RequestFor(4196)
	require.NoError(t, err)
	assert.Equal(t, msgid.ID(100), req)

	assert.True(t, d.IsBroadcast(4197))
	assert.False(t, d.IsBroadcast(4196))

	n, err := d.ParamCount(4197)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	assert.Equal(t, "Progress", d.MessageName(4197))
	assert.Equal(t, "ATTRIBUTE(8292)", d.MessageName(msgid.AttributeFirst))

	_, err = d.ResponseFor(4196)
	assert.True(t, errors.Is(err, ErrUnknownMessage))
}

func TestDescriptorIsImmutable(t *testing.T) {
	tbl := testTable()
	d, err := New(tbl)
	require.NoError(t, err)

	ids := d.RequestIDs()
	ids[0] = 999
	tbl.Requests[0] = 999

	assert.Equal(t, msgid.ID(100), d.RequestIDs()[0])
}

func TestNewRejectsInvalidTables(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Table)
	}{
		{"missing name", func(tb *Table) { tb.Name = "" }},
		{"sparse requests", func(tb *Table) { tb.Requests = []msgid.ID{100, 102} }},
		{"request in response range", func(tb *Table) { tb.Requests = []msgid.ID{4196} }},
		{"undeclared response", func(tb *Table) { tb.RequestResponse[100] = 4300 }},
		{"shared response", func(tb *Table) { tb.RequestResponse[101] = 4196 }},
		{"negative params", func(tb *Table) { tb.ParamCount[4196] = -1 }},
		{"duplicate name", func(tb *Table) { tb.Names[4197] = "Start" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tbl := testTable()
			tt.mutate(&tbl)
			_, err := New(tbl)
			assert.True(t, errors.Is(err, ErrInvalidTable), "got %v", err)
		})
	}
}

func TestParseDefinition(t *testing.T) {
	def, err := ParseDefinition([]byte(helloWorldYAML))
	require.NoError(t, err)

	d, err := def.Descriptor()
	require.NoError(t, err)

	assert.Equal(t, "HelloWorld", d.Name())
	assert.Equal(t, Version{1, 2, 0}, d.Version())
	assert.Equal(t, ServicePublic, d.Kind())
	assert.Equal(t, []msgid.ID{100, 101}, d.RequestIDs())
	assert.Equal(t, []msgid.ID{4196, 4197}, d.ResponseIDs())
	assert.Equal(t, []msgid.ID{msgid.AttributeID(0), msgid.AttributeID(1)}, d.AttributeIDs())

	resp, _ := d.ResponseFor(100)
	assert.Equal(t, msgid.ID(4196), resp)
	resp, _ = d.ResponseFor(101)
	assert.Equal(t, msgid.NoFunction, resp)
	assert.True(t, d.IsBroadcast(4197))

	id, ok := d.Lookup(msgid.KindAttribute, "RemainOutput")
	assert.True(t, ok)
	assert.Equal(t, msgid.AttributeID(1), id)
}

func TestParseDefinitionErrors(t *testing.T) {
	_, err := ParseDefinition([]byte("version: 1.0.0\n"))
	assert.Error(t, err)

	def, err := ParseDefinition([]byte("name: X\nrequests:\n  - name: A\n    response: Missing\n"))
	require.NoError(t, err)
	_, err = def.Descriptor()
	assert.Error(t, err)

	def, err = ParseDefinition([]byte("name: X\nkind: remote\n"))
	require.NoError(t, err)
	_, err = def.Table()
	assert.Error(t, err)
}

func TestLoadDescriptor(t *testing.T) {
	path := filepath.Join(t.TempDir(), "helloworld.yaml")
	require.NoError(t, os.WriteFile(path, []byte(helloWorldYAML), 0o644))

	d, err := LoadDescriptor(path)
	require.NoError(t, err)
	assert.Equal(t, "HelloWorld v1.2.0", d.String())

	_, err = LoadDescriptor(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestVersion(t *testing.T) {
	v, err := ParseVersion("v2.3")
	require.NoError(t, err)
	assert.Equal(t, Version{2, 3, 0}, v)

	_, err = ParseVersion("1.x")
	assert.Error(t, err)
	_, err = ParseVersion("")
	assert.Error(t, err)

	provider := Version{1, 4, 0}
	assert.True(t, provider.Compatible(Version{1, 2, 9}))
	assert.False(t, provider.Compatible(Version{1, 5, 0}))
	assert.False(t, provider.Compatible(Version{2, 0, 0}))
}
