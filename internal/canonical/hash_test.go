package canonical

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type bundle struct {
	B         int    `json:"b"`
	A         string `json:"a"`
	Optional  string `json:"optional,omitempty"`
	Nilable   *int   `json:"nilable,omitempty"`
}

func TestHash_KeyOrderDoesNotMatter(t *testing.T) {
	type reordered struct {
		A string `json:"a"`
		B int    `json:"b"`
	}

	d1, err := Hash(bundle{B: 2, A: "x"})
	require.NoError(t, err)
	d2, err := Hash(reordered{A: "x", B: 2})
	require.NoError(t, err)

	assert.Equal(t, d1, d2)
}

func TestHash_OmitEmptyFieldsDoNotAffectDigest(t *testing.T) {
	d1, err := Hash(bundle{B: 2, A: "x"})
	require.NoError(t, err)
	d2, err := Hash(bundle{B: 2, A: "x", Optional: ""})
	require.NoError(t, err)

	assert.Equal(t, d1, d2)
}

func TestHash_Deterministic(t *testing.T) {
	v := bundle{B: 42, A: "hello"}
	d1, err := Hash(v)
	require.NoError(t, err)
	d2, err := Hash(v)
	require.NoError(t, err)
	assert.Equal(t, d1, d2)
	assert.False(t, d1.IsZero())
}

func TestHash_DifferentValuesDifferentDigests(t *testing.T) {
	d1, err := Hash(bundle{B: 1, A: "x"})
	require.NoError(t, err)
	d2, err := Hash(bundle{B: 2, A: "x"})
	require.NoError(t, err)
	assert.NotEqual(t, d1, d2)
}

func TestZeroDigest(t *testing.T) {
	var d Digest
	assert.True(t, d.IsZero())
}
