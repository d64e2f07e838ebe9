package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

// HashRequest hashes a URL together with its header set. Header names are
// canonicalised and sorted so equal requests hash equally.
func HashRequest(rawURL string, header http.Header) string {
	h := sha256.New()
	h.Write([]byte(rawURL))

	keys := make([]string, 0, len(header))
	for k := range header {
		keys = append(keys, http.CanonicalHeaderKey(k))
	}
	sort.Strings(keys)
	for _, k := range keys {
		h.Write([]byte{0})
		h.Write([]byte(k))
		h.Write([]byte{':'})
		h.Write([]byte(strings.Join(header.Values(k), ",")))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// ToAbsoluteURL converts a relative URL to an absolute URL given a base URL.
func ToAbsoluteURL(base *url.URL, relative string) (string, error) {
	relURL, err := url.Parse(relative)
	if err != nil {
		return "", err
	}
	return base.ResolveReference(relURL).String(), nil
}
