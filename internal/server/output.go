package server

import (
	"bytes"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gabriel-vasile/mimetype"
	"github.com/vincent-petithory/dataurl"
)

// outputToDataURL encodes a file-typed output leaf inline as a data URL.
func outputToDataURL(s string, paths *[]string) (string, error) {
	u, err := url.Parse(s)
	if err != nil {
		return s, nil
	}
	if u.Scheme != "file" {
		return s, nil
	}
	p := u.Path

	bs, err := os.ReadFile(p) //nolint:gosec // expected dynamic path
	if err != nil {
		return "", err
	}
	*paths = append(*paths, p)

	mt := mimetype.Detect(bs)
	return dataurl.New(bs, mt.String()).String(), nil
}

const (
	uploadConnectTimeout = 10 * time.Second
	uploadReadTimeout    = 15 * time.Second
	uploadMaxRetries     = 4
)

// uploader PUTs file-typed output leaves to <prefix>/<basename> and replaces
// them with the resulting URL.
type uploader struct {
	client    *http.Client
	uploadURL string
}

func newUploader(uploadURL string) *uploader {
	return &uploader{
		client: &http.Client{
			Timeout: uploadReadTimeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: uploadConnectTimeout}).DialContext,
			},
		},
		uploadURL: uploadURL,
	}
}

// process adapts the uploader to the path visitor signature, binding the
// prediction ID for the X-Prediction-ID header.
func (u *uploader) process(predictionID string) func(string, *[]string) (string, error) {
	return func(s string, paths *[]string) (string, error) {
		return u.processOutput(s, predictionID, paths)
	}
}

func retryableStatus(code int) bool {
	return code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500
}

func (u *uploader) processOutput(s, predictionID string, paths *[]string) (string, error) {
	parsedURL, err := url.Parse(s)
	if err != nil {
		return s, nil
	}
	if parsedURL.Scheme != "file" {
		return s, nil
	}
	p := parsedURL.Path

	bs, err := os.ReadFile(p) //nolint:gosec // expected dynamic path
	if err != nil {
		return "", err
	}
	*paths = append(*paths, p)

	filename := truncateFilename(sanitizeFilename(path.Base(p)))
	target := strings.TrimSuffix(u.uploadURL, "/") + "/" + filename
	contentType := mimetype.Detect(bs).String()

	var location string
	op := func() error {
		req, err := http.NewRequest(http.MethodPut, target, bytes.NewReader(bs))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("X-Prediction-ID", predictionID)
		req.Header.Set("Content-Type", contentType)
		resp, err := u.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		switch {
		case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated || resp.StatusCode == http.StatusAccepted:
			location = resp.Header.Get("Location")
			return nil
		case retryableStatus(resp.StatusCode):
			return fmt.Errorf("failed to upload file: status %s", resp.Status)
		default:
			return backoff.Permanent(fmt.Errorf("failed to upload file: status %s", resp.Status))
		}
	}
	// Exponential backoff with jitter on transient failures
	if err := backoff.Retry(op, backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uploadMaxRetries)); err != nil {
		return "", err
	}

	if location == "" {
		// In case the upload server does not respond with Location
		location = target
	}
	return stripQuery(location), nil
}

func stripQuery(s string) string {
	u, err := url.Parse(s)
	if err != nil {
		return s
	}
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}
