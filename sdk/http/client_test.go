package http

import (
	"context"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func TestNewClient(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()
	caPEM := string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: srv.Certificate().Raw}))

	t.Run("with-ca", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		c, err := NewClient(caPEM)
		require.NoError(err)
		resp, err := c.Get(srv.URL)
		require.NoError(err)
		defer resp.Body.Close()
		assert.Equal(http.StatusOK, resp.StatusCode)
		assert.Nil(c.Jar)
	})
	t.Run("system-ca", func(t *testing.T) {
		require := require.New(t)
		c, err := NewClient("")
		require.NoError(err)
		_, err = c.Get(srv.URL)
		require.Error(err)
	})
	t.Run("bad-ca", func(t *testing.T) {
		assert := assert.New(t)
		c, err := NewClient("not a pem")
		assert.ErrorIs(err, ErrInvalidCertificatePem)
		assert.Nil(c)
	})
}

func TestNewCookieClient(t *testing.T) {
	assert, require := assert.New(t), require.New(t)
	var gotCookie string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c, err := r.Cookie("link"); err == nil {
			gotCookie = c.Value
		}
		http.SetCookie(w, &http.Cookie{Name: "link", Value: "abc", Path: "/"})
	}))
	defer srv.Close()

	c, err := NewCookieClient("")
	require.NoError(err)
	require.NotNil(c.Jar)
	for i := 0; i < 2; i++ {
		resp, err := c.Get(srv.URL)
		require.NoError(err)
		resp.Body.Close()
	}
	assert.Equal("abc", gotCookie)
}

func TestClientContext(t *testing.T) {
	c := &http.Client{}
	ctx := ClientContext(context.Background(), c)
	assert.Equal(t, c, ctx.Value(oauth2.HTTPClient))
}
