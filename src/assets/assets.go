package assets

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"
)

// NativePrefix marks an asset tag that the platform already resolves on
// its own. Such references are passed through without any network call.
const NativePrefix = "mp:"

const (
	defaultUploadURL   = "https://tmpfiles.org/api/v1/upload"
	defaultExchangeURL = "https://kizzy-api.vercel.app/image?url="
)

// Ref describes where an image comes from. Exactly one source should be
// set: a native tag, a remote URL (optionally with auth headers), or a
// raw byte payload.
type Ref struct {
	Tag     string
	URL     string
	Headers map[string]string
	Bytes   []byte
}

func FromTag(tag string) *Ref {
	return &Ref{Tag: tag}
}

func FromURL(rawURL string, headers map[string]string) *Ref {
	return &Ref{URL: rawURL, Headers: headers}
}

func FromBytes(b []byte) *Ref {
	return &Ref{Bytes: b}
}

type Resolver struct {
	httpClient  *http.Client
	uploadURL   string
	exchangeURL string
	log         *slog.Logger
}

type ResolverArguments struct {
	HTTPClient  *http.Client
	UploadURL   string
	ExchangeURL string
	Logger      *slog.Logger
}

func NewResolver(args ResolverArguments) *Resolver {
	if args.HTTPClient == nil {
		args.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if args.UploadURL == "" {
		args.UploadURL = defaultUploadURL
	}
	if args.ExchangeURL == "" {
		args.ExchangeURL = defaultExchangeURL
	}
	if args.Logger == nil {
		args.Logger = slog.Default()
	}
	return &Resolver{
		httpClient:  args.HTTPClient,
		uploadURL:   args.UploadURL,
		exchangeURL: args.ExchangeURL,
		log:         args.Logger,
	}
}

// Resolve turns a reference into a URI the presence API accepts. A
// missing result means "omit this asset": network failures at any stage
// are swallowed, never returned as errors.
func (r *Resolver) Resolve(ctx context.Context, ref *Ref) (string, bool) {
	switch {
	case ref == nil:
		return "", false
	case ref.Tag != "":
		return ref.Tag, true
	case strings.HasPrefix(ref.URL, NativePrefix):
		return ref.URL, true
	case ref.URL != "" && len(ref.Headers) == 0:
		// Already fetchable by anyone, no upload needed.
		return ref.URL, true
	case ref.URL != "":
		data, ok := r.fetch(ctx, ref.URL, ref.Headers)
		if !ok {
			return "", false
		}
		return r.upload(ctx, data)
	case len(ref.Bytes) > 0:
		return r.upload(ctx, ref.Bytes)
	default:
		return "", false
	}
}

// ExchangeNative trades a public image URL for a platform-native asset
// tag. Native tags pass through unchanged.
func (r *Resolver) ExchangeNative(ctx context.Context, rawURL string) (string, bool) {
	if strings.HasPrefix(rawURL, NativePrefix) {
		return rawURL, true
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.exchangeURL+url.QueryEscape(rawURL), nil)
	if err != nil {
		return "", false
	}
	res, err := r.httpClient.Do(req)
	if err != nil {
		r.log.Warn("asset exchange failed", "error", err)
		return "", false
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode > 299 {
		r.log.Warn("asset exchange rejected", "status", res.StatusCode)
		return "", false
	}
	var body struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil || body.ID == "" {
		return "", false
	}
	return body.ID, true
}

func (r *Resolver) fetch(ctx context.Context, rawURL string, headers map[string]string) ([]byte, bool) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, false
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := r.httpClient.Do(req)
	if err != nil {
		r.log.Warn("asset fetch failed", "url", rawURL, "error", err)
		return nil, false
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode > 299 {
		r.log.Warn("asset fetch rejected", "url", rawURL, "status", res.StatusCode)
		return nil, false
	}
	data, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, false
	}
	return data, true
}

func (r *Resolver) upload(ctx context.Context, data []byte) (string, bool) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	header := textproto.MIMEHeader{}
	header.Set("Content-Disposition", `form-data; name="file"; filename="image.png"`)
	header.Set("Content-Type", "image/*")
	part, err := w.CreatePart(header)
	if err != nil {
		return "", false
	}
	if _, err := part.Write(data); err != nil {
		return "", false
	}
	if err := w.Close(); err != nil {
		return "", false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.uploadURL, &buf)
	if err != nil {
		return "", false
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	res, err := r.httpClient.Do(req)
	if err != nil {
		r.log.Warn("asset upload failed", "error", err)
		return "", false
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode > 299 {
		r.log.Warn("asset upload rejected", "status", res.StatusCode)
		return "", false
	}
	var body struct {
		Status string `json:"status"`
		Data   struct {
			URL string `json:"url"`
		} `json:"data"`
	}
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		r.log.Warn("asset upload returned malformed body", "error", err)
		return "", false
	}
	if body.Data.URL == "" {
		return "", false
	}
	return directURL(body.Data.URL), true
}

// The upload host answers with a "view" URL. The presence API needs the
// raw file, which lives under /dl/.
func directURL(viewURL string) string {
	return strings.Replace(viewURL, "https://tmpfiles.org/", "https://tmpfiles.org/dl/", 1)
}
