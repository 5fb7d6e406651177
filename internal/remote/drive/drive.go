// Package drive implements remote.Storage on the Google Drive v3 API.
package drive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"
	drivev3 "google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	mirrorerr "github.com/alexjbarnes/vault-mirror/internal/errors"
	"github.com/alexjbarnes/vault-mirror/internal/remote"
)

const (
	// RootID is Drive's alias for the user's My Drive root.
	RootID = "root"

	// FolderMimeType identifies folders.
	FolderMimeType = "application/vnd.google-apps.folder"

	// fileFields is the partial response requested for single files.
	fileFields = "id, name, mimeType, md5Checksum, size, modifiedTime, trashed"

	// listPageSize is the maximum page size Drive accepts.
	listPageSize = 1000

	// maxRedirects matches the default net/http limit.
	maxRedirects = 10

	// uploadContentType skips content sniffing on uploads.
	uploadContentType = "application/octet-stream"
)

// Client talks to Drive through the generated v3 service.
type Client struct {
	svc *drivev3.Service
}

var _ remote.Storage = (*Client)(nil)

// sameHostRedirectPolicy follows redirects only when the target host
// matches the original request host so the bearer token never leaks.
func sameHostRedirectPolicy(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errors.New("stopped after 10 redirects")
	}

	if len(via) > 0 {
		origHost := via[0].URL.Host
		if req.URL.Host != origHost {
			return fmt.Errorf("redirect to different host blocked: %s -> %s", origHost, req.URL.Host)
		}
	}

	return nil
}

// New creates a Drive client authenticated with an OAuth access token.
// Extra options are applied last, so an option.WithHTTPClient or
// option.WithEndpoint replaces the defaults.
func New(ctx context.Context, token string, opts ...option.ClientOption) (*Client, error) {
	hc := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}))
	hc.CheckRedirect = sameHostRedirectPolicy

	all := append([]option.ClientOption{option.WithHTTPClient(hc)}, opts...)

	svc, err := drivev3.NewService(ctx, all...)
	if err != nil {
		return nil, fmt.Errorf("creating drive service: %w", err)
	}

	return &Client{svc: svc}, nil
}

// List returns one page of the non-trashed children of folderID.
func (c *Client) List(ctx context.Context, folderID, pageToken string) (*remote.Page, error) {
	call := c.svc.Files.List().
		Q(fmt.Sprintf("'%s' in parents and trashed = false", escapeQuery(folderID))).
		Fields(googleapi.Field("nextPageToken, files(" + fileFields + ")")).
		PageSize(listPageSize).
		Context(ctx)

	if pageToken != "" {
		call = call.PageToken(pageToken)
	}

	res, err := call.Do()
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", folderID, mapError(err))
	}

	page := &remote.Page{NextPageToken: res.NextPageToken}

	for _, f := range res.Files {
		if e := entryFrom(f); !e.Trashed {
			page.Entries = append(page.Entries, e)
		}
	}

	return page, nil
}

// CreateFolder creates a folder. Drive allows duplicate names, so callers
// look a folder up before creating it.
func (c *Client) CreateFolder(ctx context.Context, parentID, name string) (remote.Entry, error) {
	f, err := c.svc.Files.Create(&drivev3.File{
		Name:     name,
		MimeType: FolderMimeType,
		Parents:  []string{parentID},
	}).Fields(googleapi.Field(fileFields)).Context(ctx).Do()
	if err != nil {
		return remote.Entry{}, fmt.Errorf("creating folder %s: %w", name, mapError(err))
	}

	return entryFrom(f), nil
}

// Upload creates a new file. Content is streamed as a multipart upload,
// or a resumable one above the media chunk size.
func (c *Client) Upload(ctx context.Context, parentID, name string, r io.Reader, _ int64) (remote.Entry, error) {
	f, err := c.svc.Files.Create(&drivev3.File{
		Name:    name,
		Parents: []string{parentID},
	}).
		Media(r, googleapi.ContentType(uploadContentType)).
		Fields(googleapi.Field(fileFields)).
		Context(ctx).
		Do()
	if err != nil {
		return remote.Entry{}, fmt.Errorf("uploading %s: %w", name, mapError(err))
	}

	return entryFrom(f), nil
}

// Download streams the content of a file.
func (c *Client) Download(ctx context.Context, id string) (io.ReadCloser, error) {
	resp, err := c.svc.Files.Get(id).Context(ctx).Download()
	if err != nil {
		return nil, fmt.Errorf("downloading %s: %w", id, mapError(err))
	}

	return resp.Body, nil
}

// Delete permanently removes a file or a folder with its contents.
func (c *Client) Delete(ctx context.Context, id string) error {
	if err := c.svc.Files.Delete(id).Context(ctx).Do(); err != nil {
		return fmt.Errorf("deleting %s: %w", id, mapError(err))
	}

	return nil
}

// mapError translates a Drive API error into the shared sentinels and
// transient marker. Drive reports quota exhaustion as 403 with a
// rate-limit reason.
func mapError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		var urlErr *url.Error

		var netErr net.Error

		// Timeouts, refused connections and DNS failures are transient
		// by nature.
		if errors.As(err, &urlErr) || errors.As(err, &netErr) {
			return remote.Transient(err)
		}

		return err
	}

	msg := gerr.Message
	if msg == "" {
		msg = sanitizeResponseBody([]byte(gerr.Body))
	}

	apiErr := fmt.Errorf("drive API returned status %d: %s", gerr.Code, msg)

	switch {
	case gerr.Code == http.StatusUnauthorized:
		return fmt.Errorf("%w: %v", mirrorerr.ErrUnauthorized, apiErr)
	case gerr.Code == http.StatusNotFound:
		return fmt.Errorf("%w: %v", mirrorerr.ErrNotFound, apiErr)
	case gerr.Code == http.StatusForbidden && rateLimited(gerr):
		return remote.Transient(apiErr)
	case isTransientStatus(gerr.Code):
		return remote.Transient(apiErr)
	}

	return apiErr
}

// rateLimited looks for a rate-limit reason in the parsed error items and
// in the raw body, which newer responses carry under error.details.
func rateLimited(gerr *googleapi.Error) bool {
	for _, item := range gerr.Errors {
		if isRateLimitReason(item.Reason) {
			return true
		}
	}

	if gerr.Body == "" || !gjson.Valid(gerr.Body) {
		return false
	}

	if gjson.Get(gerr.Body, "error.status").String() == "RESOURCE_EXHAUSTED" {
		return true
	}

	for _, reason := range gjson.Get(gerr.Body, "error.details.#.reason").Array() {
		if isRateLimitReason(reason.String()) {
			return true
		}
	}

	return false
}

func isRateLimitReason(reason string) bool {
	switch reason {
	case "rateLimitExceeded", "userRateLimitExceeded", "RATE_LIMIT_EXCEEDED":
		return true
	}

	return false
}

// isTransientStatus returns true for HTTP status codes that indicate a
// temporary server-side problem worth retrying.
func isTransientStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}

	return false
}

func entryFrom(f *drivev3.File) remote.Entry {
	e := remote.Entry{
		ID:      f.Id,
		Name:    f.Name,
		Folder:  f.MimeType == FolderMimeType,
		Size:    f.Size,
		Hash:    f.Md5Checksum,
		Trashed: f.Trashed,
	}

	if f.ModifiedTime != "" {
		if t, err := time.Parse(time.RFC3339Nano, f.ModifiedTime); err == nil {
			e.MTime = t.UnixMilli()
		}
	}

	return e
}

// escapeQuery escapes a value for use inside a single-quoted Drive query
// string literal.
func escapeQuery(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `'`, `\'`)
}

// sanitizeResponseBody truncates and sanitizes a response body for
// inclusion in error messages.
func sanitizeResponseBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}

	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return string(clean)
}
