// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package networking

import (
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewHttpClientBuilder(t *testing.T) {
	t.Parallel()

	builder := NewHttpClientBuilder()

	assert.Equal(t, HttpTimeout, builder.clientTimeout)
	assert.Equal(t, 10*time.Second, builder.tlsHandshakeTimeout)
	assert.Empty(t, builder.caCertPath)
	assert.False(t, builder.allowHTTP)

	assert.Same(t, builder, builder.WithTimeout(0))
	assert.Equal(t, HttpTimeout, builder.clientTimeout)
	builder.WithTimeout(5 * time.Second)
	assert.Equal(t, 5*time.Second, builder.clientTimeout)
}

func TestHttpClientBuilder_RejectsPlainHTTP(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	client, err := NewHttpClientBuilder().Build()
	require.NoError(t, err)

	_, err = client.Get(srv.URL) //nolint:noctx // test
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not HTTPS scheme")
}

func TestHttpClientBuilder_InsecureHTTPWithUserAgent(t *testing.T) {
	t.Parallel()

	var gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)

	client, err := NewHttpClientBuilder().WithInsecureHTTP(true).WithUserAgent("oborelay/test").Build()
	require.NoError(t, err)

	resp, err := client.Get(srv.URL) //nolint:noctx // test
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "oborelay/test", gotUA)
}

func TestHttpClientBuilder_CABundle(t *testing.T) {
	t.Parallel()

	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	caPath := filepath.Join(dir, "ca.pem")
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: srv.Certificate().Raw})
	require.NoError(t, os.WriteFile(caPath, pemBytes, 0o600))

	client, err := NewHttpClientBuilder().WithCABundle(caPath).Build()
	require.NoError(t, err)

	resp, err := client.Get(srv.URL) //nolint:noctx // test
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHttpClientBuilder_BadCABundle(t *testing.T) {
	t.Parallel()

	_, err := NewHttpClientBuilder().WithCABundle(filepath.Join(t.TempDir(), "missing.pem")).Build()
	require.ErrorContains(t, err, "failed to read CA certificate bundle")

	bad := filepath.Join(t.TempDir(), "bad.pem")
	require.NoError(t, os.WriteFile(bad, []byte("not a cert"), 0o600))
	_, err = NewHttpClientBuilder().WithCABundle(bad).Build()
	require.ErrorContains(t, err, "failed to parse CA certificate bundle")
}
