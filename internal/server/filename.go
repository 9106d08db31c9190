package server

import (
	"net/url"
	"path"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// maxFilenameBytes is a platform-safe cap below the common 255-byte
// filesystem limit, leaving room for temp-dir prefixes.
const maxFilenameBytes = 200

// filenameFromURL derives a local filename for a URL-sourced file input.
// Unsafe or empty names fall back to "file" with an extension guessed from
// the content type.
func filenameFromURL(u *url.URL, contentType string) string {
	name := path.Base(u.Path)
	if name == "." || name == "/" || name == ".." {
		name = ""
	}
	name = sanitizeFilename(name)
	if name == "" {
		name = "file" + extensionForType(contentType)
	}
	return truncateFilename(name)
}

func extensionForType(contentType string) string {
	if contentType == "" {
		return ""
	}
	if i := strings.IndexByte(contentType, ';'); i >= 0 {
		contentType = contentType[:i]
	}
	if mt := mimetype.Lookup(strings.TrimSpace(contentType)); mt != nil {
		return mt.Extension()
	}
	return ""
}

func sanitizeFilename(name string) string {
	name = strings.ReplaceAll(name, "/", "_")
	name = strings.ReplaceAll(name, "\x00", "")
	return name
}

// truncateFilename keeps the byte length within maxFilenameBytes, preserving
// the extension and marking the cut with a tilde.
func truncateFilename(name string) string {
	if len(name) <= maxFilenameBytes {
		return name
	}
	ext := path.Ext(name)
	if len(ext) > maxFilenameBytes/2 {
		// Degenerate extension, treat the whole name as stem
		ext = ""
	}
	stem := strings.TrimSuffix(name, ext)
	keep := maxFilenameBytes - len(ext) - 1
	stem = strings.ToValidUTF8(stem[:keep], "")
	return stem + "~" + ext
}
