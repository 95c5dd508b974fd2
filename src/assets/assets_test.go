package assets

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNativeTagBypassesNetwork(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer ts.Close()
	r := NewResolver(ResolverArguments{UploadURL: ts.URL, ExchangeURL: ts.URL + "/image?url="})

	uri, ok := r.Resolve(context.Background(), FromTag("mp:external/abc"))
	require.True(t, ok)
	assert.Equal(t, "mp:external/abc", uri)

	uri, ok = r.Resolve(context.Background(), FromURL("mp:app-icons/1/icon.png", nil))
	require.True(t, ok)
	assert.Equal(t, "mp:app-icons/1/icon.png", uri)

	assert.Equal(t, int32(0), calls.Load())
}

func TestPlainURLReturnedUnchanged(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer ts.Close()
	r := NewResolver(ResolverArguments{UploadURL: ts.URL})

	uri, ok := r.Resolve(context.Background(), FromURL("https://img.example/cover.png", nil))
	require.True(t, ok)
	assert.Equal(t, "https://img.example/cover.png", uri)
	assert.Equal(t, int32(0), calls.Load())
}

func TestAuthorizedURLFetchesOnceAndUploadsOnce(t *testing.T) {
	var fetches, uploads atomic.Int32
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		assert.Equal(t, "Bearer s3cret", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte("png-bytes"))
	}))
	defer origin.Close()
	upload := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		uploads.Add(1)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		file, header, err := r.FormFile("file")
		require.NoError(t, err)
		defer file.Close()
		assert.Equal(t, "image.png", header.Filename)
		fmt.Fprint(w, `{"status":"ok","data":{"url":"https://tmpfiles.org/123/image.png"}}`)
	}))
	defer upload.Close()
	r := NewResolver(ResolverArguments{UploadURL: upload.URL})

	uri, ok := r.Resolve(context.Background(), FromURL(origin.URL, map[string]string{
		"Authorization": "Bearer s3cret",
	}))
	require.True(t, ok)
	assert.Equal(t, "https://tmpfiles.org/dl/123/image.png", uri)
	assert.Equal(t, int32(1), fetches.Load())
	assert.Equal(t, int32(1), uploads.Load())
}

func TestRawBytesUpload(t *testing.T) {
	upload := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"status":"ok","data":{"url":"https://tmpfiles.org/9/image.png"}}`)
	}))
	defer upload.Close()
	r := NewResolver(ResolverArguments{UploadURL: upload.URL})

	uri, ok := r.Resolve(context.Background(), FromBytes([]byte{0x89, 0x50, 0x4e, 0x47}))
	require.True(t, ok)
	assert.Equal(t, "https://tmpfiles.org/dl/9/image.png", uri)
}

func TestFetchFailureYieldsAbsence(t *testing.T) {
	var uploads atomic.Int32
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer origin.Close()
	upload := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		uploads.Add(1)
	}))
	defer upload.Close()
	r := NewResolver(ResolverArguments{UploadURL: upload.URL})

	_, ok := r.Resolve(context.Background(), FromURL(origin.URL, map[string]string{"X-Auth": "1"}))
	assert.False(t, ok)
	assert.Equal(t, int32(0), uploads.Load())
}

func TestUploadFailureYieldsAbsence(t *testing.T) {
	upload := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer upload.Close()
	r := NewResolver(ResolverArguments{UploadURL: upload.URL})

	_, ok := r.Resolve(context.Background(), FromBytes([]byte("data")))
	assert.False(t, ok)
}

func TestEmptyRefYieldsAbsence(t *testing.T) {
	r := NewResolver(ResolverArguments{})
	_, ok := r.Resolve(context.Background(), nil)
	assert.False(t, ok)
	_, ok = r.Resolve(context.Background(), &Ref{})
	assert.False(t, ok)
}

func TestExchangeNative(t *testing.T) {
	var calls atomic.Int32
	exchange := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "https://img.example/cover.png", r.URL.Query().Get("url"))
		fmt.Fprint(w, `{"id":"mp:external/resolved"}`)
	}))
	defer exchange.Close()
	r := NewResolver(ResolverArguments{ExchangeURL: exchange.URL + "/image?url="})

	tag, ok := r.ExchangeNative(context.Background(), "https://img.example/cover.png")
	require.True(t, ok)
	assert.Equal(t, "mp:external/resolved", tag)

	// Already-native tags never round-trip through the exchange.
	tag, ok = r.ExchangeNative(context.Background(), "mp:external/abc")
	require.True(t, ok)
	assert.Equal(t, "mp:external/abc", tag)
	assert.Equal(t, int32(1), calls.Load())
}

func TestDirectURLRewrite(t *testing.T) {
	assert.Equal(t,
		"https://tmpfiles.org/dl/123/image.png",
		directURL("https://tmpfiles.org/123/image.png"))
	assert.Equal(t,
		"https://other.example/123/image.png",
		directURL("https://other.example/123/image.png"))
}
