package probook

import (
	"net/url"
	"strings"
)

// NormalizePath returns the request path to use against base, stripping
// a leading segment that duplicates the base URL's trailing path.
// Deployments differ on whether the configured base already carries the
// /api prefix; call sites always pass the full /api/... path and rely
// on this to avoid doubling it.
//
// NormalizePath(https://x.test/api, "/api/auth/refresh") == "/auth/refresh"
// NormalizePath(https://x.test,     "/api/auth/refresh") == "/api/auth/refresh"
func NormalizePath(base *url.URL, path string) string {
	if path == "" {
		return "/"
	}

	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	basePath := strings.TrimSuffix(base.Path, "/")
	if basePath == "" || basePath == "/" {
		return path
	}

	if path == basePath {
		return "/"
	}

	if strings.HasPrefix(path, basePath+"/") {
		return strings.TrimPrefix(path, basePath)
	}

	return path
}
