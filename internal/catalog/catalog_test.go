package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFixtures(t *testing.T) {
	c, err := Load("../../testdata")
	require.NoError(t, err)
	require.Empty(t, c.Failures)

	services := c.Services()
	require.Len(t, services, 2)

	hello, ok := c.Lookup("hello")
	require.True(t, ok)
	assert.Equal(t, "hello", hello.Prefix)
	assert.Equal(t, 1, hello.ReplicaCount)
	assert.Equal(t, 100, hello.MemoryLimitMB)
	assert.Equal(t, 1600, hello.PageLimit())

	bye, ok := c.ByPrefix("bye")
	require.True(t, ok)
	assert.Equal(t, "bye", bye.Name)
	require.Len(t, bye.QueueListeners, 1)
	assert.Equal(t, "queues.hello./hello", bye.QueueListeners[0].Queue)
	assert.Equal(t, "/notify", bye.QueueListeners[0].Path)
}

func TestPageLimitTranslation(t *testing.T) {
	d := ServiceDescriptor{MemoryLimitMB: 100}
	assert.Equal(t, 1600, d.PageLimit())

	d.MemoryLimitMB = 0
	assert.Equal(t, 0, d.PageLimit())
}

func TestMatchesPathTemplate(t *testing.T) {
	d := ServiceDescriptor{OpenAPIPaths: []PathEntry{
		{Method: MethodGet, Pattern: "/accounts/{id}/holders"},
	}}

	assert.True(t, d.Matches("GET", "/accounts/42/holders"))
	assert.True(t, d.Matches("get", "accounts/42/holders"))
	assert.False(t, d.Matches("GET", "/accounts/42/holders/extra"))
	assert.False(t, d.Matches("GET", "/accounts//holders"))
	assert.False(t, d.Matches("POST", "/accounts/42/holders"))
}

func TestCrossCheckDetectsPrefixCollision(t *testing.T) {
	candidates := map[string]ServiceDescriptor{
		"a": {Name: "a", Prefix: "dup", BasePort: 15001, ReplicaCount: 1},
		"b": {Name: "b", Prefix: "dup", BasePort: 15002, ReplicaCount: 1},
	}
	enabled, failures := crossCheck(candidates, []string{"a", "b"})
	require.Len(t, enabled, 1)
	require.Len(t, failures, 1)
	assert.Equal(t, PrefixCollision, failures[0].Kind)
	assert.Equal(t, "b", failures[0].Service)
}

func TestCrossCheckDetectsPortCollision(t *testing.T) {
	candidates := map[string]ServiceDescriptor{
		"a": {Name: "a", Prefix: "a", BasePort: 15001, ReplicaCount: 3},
		"b": {Name: "b", Prefix: "b", BasePort: 15002, ReplicaCount: 1},
	}
	enabled, failures := crossCheck(candidates, []string{"a", "b"})
	require.Len(t, enabled, 1)
	require.Len(t, failures, 1)
	assert.Equal(t, PortCollision, failures[0].Kind)
}

func TestDecodeManifestRejectsDuplicateKeys(t *testing.T) {
	_, err := decodeManifest([]byte(`{"prefix":"a","prefix":"b","url":"http://127.0.0.1:1"}`))
	require.Error(t, err)
}

func TestDecodeOpenAPIRejectsEmptyPaths(t *testing.T) {
	_, err := decodeOpenAPI([]byte(`{"paths":{}}`))
	require.Error(t, err)
}
