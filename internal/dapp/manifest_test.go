package dapp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetchManifest(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok.json":
			w.Write([]byte(`{"url":"https://app.example.com","name":"Example","iconUrl":"https://app.example.com/icon.png"}`))
		case "/no-icon.json":
			w.Write([]byte(`{"url":"https://app.example.com","name":"Example"}`))
		case "/bad-name.json":
			w.Write([]byte(`{"url":"https://app.example.com","name":"` + strings.Repeat("x", 101) + `"}`))
		case "/not-json":
			w.Write([]byte("<html></html>"))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()
	ctx := context.Background()

	manifest, err := FetchManifest(ctx, server.URL+"/ok.json")
	require.NoError(t, err)
	assert.Equal(t, "Example", manifest.Name)
	assert.Equal(t, "https://app.example.com", manifest.URL)
	assert.Equal(t, server.URL+"/ok.json", manifest.OriginalManifestURL)

	// A missing icon falls back to the placeholder instead of failing.
	manifest, err = FetchManifest(ctx, server.URL+"/no-icon.json")
	require.NoError(t, err)
	assert.Equal(t, blankGifDataURL, manifest.IconURL)

	_, err = FetchManifest(ctx, server.URL+"/bad-name.json")
	require.Error(t, err)
	assert.Equal(t, CodeManifestContent, AsProtocolError(err).Code)

	_, err = FetchManifest(ctx, server.URL+"/not-json")
	require.Error(t, err)
	assert.Equal(t, CodeManifestNotFound, AsProtocolError(err).Code)

	_, err = FetchManifest(ctx, server.URL+"/missing.json")
	require.Error(t, err)
	assert.Equal(t, CodeManifestNotFound, AsProtocolError(err).Code)

	_, err = FetchManifest(ctx, "not a url")
	require.Error(t, err)
	assert.Equal(t, CodeManifestNotFound, AsProtocolError(err).Code)
}
