package server

import (
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilenameFromURL(t *testing.T) {
	testCases := []struct {
		name        string
		rawURL      string
		contentType string
		expected    string
	}{
		{
			name:     "SimplePath",
			rawURL:   "https://example.com/images/cat.png",
			expected: "cat.png",
		},
		{
			name:     "QueryIgnored",
			rawURL:   "https://example.com/cat.png?signature=abc123",
			expected: "cat.png",
		},
		{
			name:        "NoPathFallsBackToContentType",
			rawURL:      "https://example.com/",
			contentType: "image/png",
			expected:    "file.png",
		},
		{
			name:        "ContentTypeWithParams",
			rawURL:      "https://example.com",
			contentType: "text/plain; charset=utf-8",
			expected:    "file.txt",
		},
		{
			name:     "NoPathNoContentType",
			rawURL:   "https://example.com",
			expected: "file",
		},
		{
			name:        "UnknownContentType",
			rawURL:      "https://example.com/",
			contentType: "application/x-nonsense-type",
			expected:    "file",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			u, err := url.Parse(tc.rawURL)
			require.NoError(t, err)
			assert.Equal(t, tc.expected, filenameFromURL(u, tc.contentType))
		})
	}
}

func TestSanitizeFilename(t *testing.T) {
	assert.Equal(t, "a_b", sanitizeFilename("a/b"))
	assert.Equal(t, "ab", sanitizeFilename("a\x00b"))
	assert.Equal(t, "plain.txt", sanitizeFilename("plain.txt"))
}

func TestTruncateFilename(t *testing.T) {
	t.Run("ShortNameUntouched", func(t *testing.T) {
		assert.Equal(t, "cat.png", truncateFilename("cat.png"))
	})

	t.Run("LongNameTruncated", func(t *testing.T) {
		name := strings.Repeat("a", 300) + ".png"
		got := truncateFilename(name)
		assert.LessOrEqual(t, len(got), maxFilenameBytes)
		assert.True(t, strings.HasSuffix(got, "~.png"), "extension preserved after the cut marker")
	})

	t.Run("LongNameNoExtension", func(t *testing.T) {
		name := strings.Repeat("b", 400)
		got := truncateFilename(name)
		assert.LessOrEqual(t, len(got), maxFilenameBytes)
		assert.True(t, strings.HasSuffix(got, "~"))
	})

	t.Run("DegenerateExtension", func(t *testing.T) {
		name := "x." + strings.Repeat("e", 250)
		got := truncateFilename(name)
		assert.LessOrEqual(t, len(got), maxFilenameBytes)
	})
}
