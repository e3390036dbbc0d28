package redis

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RejectsEmptyURL(t *testing.T) {
	_, err := New("")
	require.Error(t, err)
}

func TestNew_RejectsInvalidURL(t *testing.T) {
	_, err := New("http://not-redis")
	require.Error(t, err)
}

func TestNew_ParsesAddress(t *testing.T) {
	// Nothing listens on this port; New logs and still returns a client.
	c, err := New("redis://:secret@127.0.0.1:1/2")
	require.NoError(t, err)
	defer c.Close()

	assert.Equal(t, "127.0.0.1:1", c.Address())
	assert.Equal(t, 2, c.Options().DB)
	assert.Equal(t, "secret", c.Options().Password)
}
