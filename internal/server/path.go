package server

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/vincent-petithory/dataurl"

	"github.com/replicate/model-runner/internal/util"
)

func isURI(s *openapi3.SchemaRef) bool {
	return s.Value.Type.Is("string") && s.Value.Format == "uri"
}

// processInputPaths materializes file-typed input fields. Which fields are
// file-typed is decided by the predictor's schema: string properties with
// format "uri", arrays of them, and untyped objects (walked in full). The
// input is mutated in place; temp files created along the way are appended
// to paths for cleanup at terminal.
func processInputPaths(input any, doc *openapi3.T, paths *[]string, fn func(string, *[]string) (string, error)) (any, error) {
	if doc == nil || doc.Components == nil {
		return input, nil
	}

	schema, ok := doc.Components.Schemas["Input"]
	if !ok {
		return input, nil
	}

	// Input is always a mapping after validation
	m, ok := input.(map[string]any)
	if !ok {
		return input, nil
	}

	for k, v := range m {
		p, ok := schema.Value.Properties[k]
		if !ok {
			continue
		}
		switch {
		case isURI(p):
			if s, ok := v.(string); ok {
				o, err := fn(s, paths)
				if err != nil {
					return nil, err
				}
				m[k] = o
			}
		case p.Value.Type.Is("array") && p.Value.Items != nil && isURI(p.Value.Items):
			if xs, ok := v.([]any); ok {
				for i, x := range xs {
					if s, ok := x.(string); ok {
						o, err := fn(s, paths)
						if err != nil {
							return nil, err
						}
						xs[i] = o
					}
				}
			}
		case p.Value.Type.Is("object"):
			// No known schema, try to handle all attributes
			o, err := handlePath(v, paths, fn)
			if err != nil {
				return nil, err
			}
			m[k] = o
		}
	}
	return input, nil
}

// handlePath is the typed visitor over {scalar, mapping, sequence,
// file-leaf}: strings are candidate leaves, containers recurse, everything
// else passes through.
func handlePath(jsonVal any, paths *[]string, fn func(string, *[]string) (string, error)) (any, error) {
	switch v := jsonVal.(type) {
	case string:
		return fn(v, paths)
	case []any:
		for i, x := range v {
			o, err := handlePath(x, paths, fn)
			if err != nil {
				return nil, err
			}
			v[i] = o
		}
		return v, nil
	case map[string]any:
		for key, value := range v {
			o, err := handlePath(value, paths, fn)
			if err != nil {
				return nil, err
			}
			v[key] = o
		}
		return v, nil
	default:
		return jsonVal, nil
	}
}

// base64ToInput converts data URLs to temporary files
func base64ToInput(s string, paths *[]string) (string, error) {
	du, err := dataurl.DecodeString(s)
	if err != nil {
		// Not a data URL, pass through untouched
		return s, nil
	}
	f, err := os.CreateTemp("", "model-input-")
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := f.Write(du.Data); err != nil {
		return "", err
	}
	*paths = append(*paths, f.Name())
	if err := os.Chmod(f.Name(), 0o666); err != nil { //nolint:gosec // worker may run as a different user
		return "", err
	}
	return f.Name(), nil
}

// urlToInput downloads HTTP URLs to temporary files
func urlToInput(s string, paths *[]string) (string, error) {
	u, err := url.Parse(s)
	if err != nil {
		return s, nil
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return s, nil
	}

	resp, err := util.HTTPClientWithRetry().Get(s)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("failed to download input %s: status %s", s, resp.Status)
	}

	filename := filenameFromURL(u, resp.Header.Get("Content-Type"))
	dir, err := os.MkdirTemp("", "model-input-")
	if err != nil {
		return "", err
	}
	p := filepath.Join(dir, filename)
	f, err := os.Create(p) //nolint:gosec // filename sanitized by filenameFromURL
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := io.Copy(f, resp.Body); err != nil {
		return "", err
	}
	*paths = append(*paths, p)
	if err := os.Chmod(p, 0o666); err != nil { //nolint:gosec // worker may run as a different user
		return "", err
	}
	return p, nil
}
