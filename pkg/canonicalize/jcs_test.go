package canonicalize

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJCSSortsKeys(t *testing.T) {
	got, err := JCS(map[string]any{"b": 1, "a": 2, "c": map[string]any{"z": 1, "y": 2}})
	require.NoError(t, err)
	assert.Equal(t, `{"a":2,"b":1,"c":{"y":2,"z":1}}`, string(got))
}

func TestJCSDoesNotEscapeHTML(t *testing.T) {
	got, err := JCS(map[string]string{"cmd": "a<b && c>d"})
	require.NoError(t, err)
	assert.Contains(t, string(got), "a<b && c>d")
}

func TestJCSHonorsStructTags(t *testing.T) {
	type payload struct {
		Zulu  string `json:"zulu"`
		Alpha string `json:"alpha"`
		Skip  string `json:"-"`
	}
	got, err := JCS(payload{Zulu: "z", Alpha: "a", Skip: "hidden"})
	require.NoError(t, err)
	assert.Equal(t, `{"alpha":"a","zulu":"z"}`, string(got))
}

func TestCanonicalHashIsOrderIndependent(t *testing.T) {
	h1, err := CanonicalHash(map[string]int{"x": 1, "y": 2})
	require.NoError(t, err)
	h2, err := CanonicalHash(map[string]int{"y": 2, "x": 1})
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.True(t, strings.HasPrefix(h1, "sha256:"))
	assert.Len(t, strings.TrimPrefix(h1, "sha256:"), 64)
}

func TestHashBytesStable(t *testing.T) {
	assert.Equal(t, HashBytes([]byte("abc")), HashBytes([]byte("abc")))
	assert.NotEqual(t, HashBytes([]byte("abc")), HashBytes([]byte("abd")))
}
