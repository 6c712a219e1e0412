package walletconnect

import (
	"fmt"
	"math/rand"
	"strings"
)

func extractHostname(url string) string {
	var hostname string
	idx := strings.Index(url, "//")
	if idx > -1 {
		hostname = strings.Split(url, "/")[2]
	} else {
		hostname = strings.Split(url, "/")[1]
	}
	hostname = strings.Split(hostname, ":")[0]
	return strings.Split(hostname, "?")[0]
}

// ExtractRootDomain returns the last two labels of the URL host, used as the
// domain bound into ownership-proof challenges.
func ExtractRootDomain(url string) string {
	hostname := extractHostname(url)
	arr := strings.Split(hostname, ".")
	if len(arr) < 2 {
		return hostname
	}
	arr = arr[len(arr)-2:]
	return strings.Join(arr, ".")
}

const (
	alphanumerical  = "abcdefghijklmnopqrstuvwxyz0123456789"
	bridgeURLFormat = "https://%v.bridge.walletconnect.org"
)

// RandomBridgeURL picks one of the public bridge shards.
func RandomBridgeURL() string {
	n := rand.Intn(len(alphanumerical))
	c := alphanumerical[n]
	return fmt.Sprintf(bridgeURLFormat, string(c))
}

// GetWebSocketUrl converts a bridge http(s) URL into its websocket endpoint.
func GetWebSocketUrl(url, protocol, version string) string {
	if strings.HasPrefix(url, "https") {
		url = strings.Replace(url, "https", "wss", 1)
	} else if strings.HasPrefix(url, "http") {
		url = strings.Replace(url, "http", "ws", 1)
	}
	return url + "?protocol=" + protocol + "&version=" + version + "&env=Wallet"
}
