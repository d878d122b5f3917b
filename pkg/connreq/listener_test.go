package connreq

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codelaboratoryltd/cpesim/pkg/datamodel"
	"github.com/codelaboratoryltd/cpesim/pkg/deviceauth"
)

func TestHandlerSignals(t *testing.T) {
	var signals atomic.Int32
	l := New(DefaultConfig(), SignalerFunc(func() { signals.Add(1) }), nil)

	for _, method := range []string{http.MethodGet, http.MethodPost} {
		rec := httptest.NewRecorder()
		l.Handler().ServeHTTP(rec, httptest.NewRequest(method, "/anything?x=1", nil))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, rec.Body.String())
	}
	assert.Equal(t, int32(2), signals.Load())
	assert.Equal(t, int64(2), l.Requests())
}

func TestStartDiscoversAddress(t *testing.T) {
	acs := httptest.NewServer(http.NotFoundHandler())
	defer acs.Close()

	signalled := make(chan struct{}, 1)
	l := New(Config{ACSURL: acs.URL}, SignalerFunc(func() { signalled <- struct{}{} }), nil)
	require.NoError(t, l.Start(context.Background()))
	defer l.Stop(context.Background())

	assert.Regexp(t, `^http://127\.0\.0\.1:\d+/$`, l.URL())

	resp, err := http.Get(l.URL())
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, body)

	select {
	case <-signalled:
	case <-time.After(2 * time.Second):
		t.Fatal("connection request was not signalled")
	}
}

func TestStartUnreachableACS(t *testing.T) {
	acs := httptest.NewServer(http.NotFoundHandler())
	acsURL := acs.URL
	acs.Close()

	l := New(Config{ACSURL: acsURL}, nil, nil)
	assert.Error(t, l.Start(context.Background()))
	assert.Empty(t, l.URL())
	assert.NoError(t, l.Stop(context.Background()))
}

func TestDigestProtected(t *testing.T) {
	var signals atomic.Int32
	l := New(Config{
		BindAddress: "127.0.0.1",
		RequireAuth: true,
		Username:    "acs",
		Password:    "crpass",
	}, SignalerFunc(func() { signals.Add(1) }), nil)
	require.NoError(t, l.Start(context.Background()))
	defer l.Stop(context.Background())

	resp, err := http.Get(l.URL())
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, int32(0), signals.Load())

	client := deviceauth.NewAuthenticatedClient(nil,
		deviceauth.NewAuthenticator(deviceauth.Config{Username: "acs", Password: "crpass"}, nil))
	resp, err = client.Get(l.URL())
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(1), signals.Load())
}

func TestLocalAddressInvalidURL(t *testing.T) {
	for _, u := range []string{"::bad", "/relative/only"} {
		_, err := LocalAddress(context.Background(), u)
		assert.Error(t, err, u)
	}
}

func TestAdvertise(t *testing.T) {
	tree := datamodel.NewTree(map[string]datamodel.Parameter{
		"InternetGatewayDevice.ManagementServer.ConnectionRequestURL":      {Type: "xsd:string"},
		"InternetGatewayDevice.ManagementServer.ConnectionRequestUsername": {Value: "cr"},
		"Device.ManagementServer.ConnectionRequestPassword":                {Value: "pw"},
	})

	updated := Advertise(tree, "http://10.0.0.2:7547/")
	assert.Equal(t, []string{"InternetGatewayDevice.ManagementServer.ConnectionRequestURL"}, updated)

	p, _ := tree.Get("InternetGatewayDevice.ManagementServer.ConnectionRequestURL")
	assert.Equal(t, "http://10.0.0.2:7547/", p.Value)
	assert.False(t, tree.Has("Device.ManagementServer.ConnectionRequestURL"))

	user, pass := Credentials(tree)
	assert.Equal(t, "cr", user)
	assert.Equal(t, "pw", pass)
}
