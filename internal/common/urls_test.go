package common

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsTestURL(t *testing.T) {
	assert.True(t, IsTestURL("http://localhost:8080/catalog"))
	assert.True(t, IsTestURL("https://127.0.0.1/api"))
	assert.True(t, IsTestURL("http://host.docker.internal:9000/x"))
	assert.True(t, IsTestURL("http://shop.local/catalog"))
	assert.False(t, IsTestURL("https://shop.example/catalog"))
	assert.False(t, IsTestURL("not a url"))
}

func TestValidateSourceURL(t *testing.T) {
	require.NoError(t, ValidateSourceURL("https://shop.example/catalog", false))
	require.NoError(t, ValidateSourceURL("http://localhost:8080/catalog", true))

	assert.Error(t, ValidateSourceURL("http://localhost:8080/catalog", false))
	assert.Error(t, ValidateSourceURL("ftp://shop.example/catalog", true))
	assert.Error(t, ValidateSourceURL("/relative/path", true))
}

func TestResolveURL(t *testing.T) {
	base := "https://shop.example/p/1?ref=abc"

	assert.Equal(t, "https://shop.example/img/a.jpg", ResolveURL(base, "/img/a.jpg"))
	assert.Equal(t, "https://cdn.example/b.jpg", ResolveURL(base, "//cdn.example/b.jpg"))
	assert.Equal(t, "https://other.example/c.jpg", ResolveURL(base, "https://other.example/c.jpg"))

	// Fragments never survive resolution.
	assert.Equal(t, "https://shop.example/p/2", ResolveURL(base, "/p/2#reviews"))

	assert.Empty(t, ResolveURL(base, ""))
	assert.Empty(t, ResolveURL(base, "javascript:void(0)"))
	assert.Empty(t, ResolveURL("://bad", "/img/a.jpg"))
}
