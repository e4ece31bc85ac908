package tts

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStub_Deterministic(t *testing.T) {
	s := NewStub()
	mime, a, err := s.Synthesize(context.Background(), "こんにちは")
	require.NoError(t, err)
	assert.Equal(t, "audio/pcm;rate=16000", mime)
	assert.NotEmpty(t, a)

	_, b, err := s.Synthesize(context.Background(), "こんにちは")
	require.NoError(t, err)
	assert.Equal(t, a, b)

	_, other, err := s.Synthesize(context.Background(), "さようなら")
	require.NoError(t, err)
	assert.NotEqual(t, a, other)
}

func TestHTTPProvider_RoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/synthesize", r.URL.Path)
		var req synthesizeReq
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "テスト", req.Text)
		json.NewEncoder(w).Encode(synthesizeResp{
			MIME:        "audio/mpeg",
			AudioBase64: base64.StdEncoding.EncodeToString([]byte("mp3-bytes")),
		})
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL, "")
	mime, audio, err := p.Synthesize(context.Background(), "テスト")
	require.NoError(t, err)
	assert.Equal(t, "audio/mpeg", mime)
	assert.Equal(t, []byte("mp3-bytes"), audio)
}

func TestHTTPProvider_BackendErrorSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL, "")
	_, _, err := p.Synthesize(context.Background(), "x")
	require.Error(t, err)
}

func TestForBase(t *testing.T) {
	_, isStub := ForBase("", "").(*Stub)
	assert.True(t, isStub)
	_, isHTTP := ForBase("http://tts.local", "").(*HTTPProvider)
	assert.True(t, isHTTP)
}
