package dapp

import (
	"context"
	"encoding/json"
	"io/ioutil"
	"net/http"
	"net/url"
	"time"

	"stellawallet.io/stella-wallet/pkg/log"
)

// Manifest is the self-description document a dapp hosts at its manifest URL.
type Manifest struct {
	URL                 string `json:"url"`
	Name                string `json:"name"`
	IconURL             string `json:"iconUrl"`
	TermsOfUseURL       string `json:"termsOfUseUrl,omitempty"`
	PrivacyPolicyURL    string `json:"privacyPolicyUrl,omitempty"`
	OriginalManifestURL string `json:"-"`
}

// Placeholder shown while a dapp ships no usable icon.
const blankGifDataURL = "data:image/gif;base64,R0lGODlhAQABAAAAACH5BAEKAAEALAAAAAABAAEAAAICTAEAOw=="

var manifestClient = &http.Client{Timeout: 10 * time.Second}

const (
	maxManifestStringLen = 100
	maxManifestURLLen    = 2000
)

func isValidManifestString(s string) bool {
	return s != "" && len(s) <= maxManifestStringLen
}

func isValidManifestURL(raw string) bool {
	if raw == "" || len(raw) > maxManifestURLLen {
		return false
	}
	u, err := url.Parse(raw)
	return err == nil && u.Host != ""
}

// FetchManifest downloads and validates a dapp manifest. An unreachable or
// non-JSON document maps to a manifest-not-found error; a reachable document
// with invalid fields maps to a manifest-content error.
func FetchManifest(ctx context.Context, manifestURL string) (*Manifest, error) {
	if !isValidManifestURL(manifestURL) {
		return nil, ManifestNotFound()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, manifestURL, nil)
	if err != nil {
		return nil, ManifestNotFound()
	}
	resp, err := manifestClient.Do(req)
	if err != nil {
		log.Debugf("fetch manifest %v:%v", manifestURL, err)
		return nil, ManifestNotFound()
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, ManifestNotFound()
	}
	body, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return nil, ManifestNotFound()
	}
	var manifest Manifest
	if err := json.Unmarshal(body, &manifest); err != nil {
		return nil, ManifestNotFound()
	}
	if !isValidManifestString(manifest.Name) || !isValidManifestURL(manifest.URL) {
		return nil, ManifestContent()
	}
	if !isValidManifestURL(manifest.IconURL) {
		manifest.IconURL = blankGifDataURL
	}
	manifest.OriginalManifestURL = manifestURL
	return &manifest, nil
}
