package controller

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net"
	"net/http/httptest"
	"net/netip"
	"testing"

	"github.com/gravitl/tunlink/models"
	"github.com/gravitl/tunlink/pump"
	"github.com/gravitl/tunlink/tunnel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	conns      []pump.ConnectionInfo
	removed    []string
	connectErr error
	connected  []ConnectRequest
}

func (f *fakeStore) Connect(ctx context.Context, remote models.PeerDescriptor, direction models.TunnelDirection) (*tunnel.Connection, error) {
	if f.connectErr != nil {
		return nil, f.connectErr
	}
	f.connected = append(f.connected, ConnectRequest{Remote: remote, Direction: direction})
	local, peer := net.Pipe()
	peer.Close()
	req := models.ConnectionRequest{TransactionID: "t2", Direction: direction, Remote: remote}
	return tunnel.NewConnection(local, req, models.Client), nil
}

func (f *fakeStore) Connections() []pump.ConnectionInfo { return f.conns }

func (f *fakeStore) Remove(name string) bool {
	for i, c := range f.conns {
		if c.MachineName == name {
			f.conns = append(f.conns[:i], f.conns[i+1:]...)
			f.removed = append(f.removed, name)
			return true
		}
	}
	return false
}

func serve(r http.Handler, method, target string) *http.Response {
	return serveBody(r, method, target, nil)
}

func serveBody(r http.Handler, method, target string, body []byte) *http.Response {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(method, target, bytes.NewReader(body)))
	return w.Result()
}

func TestFormatError(t *testing.T) {
	response := FormatError(errors.New("this is a sample error"), "badrequest")
	assert.Equal(t, http.StatusBadRequest, response.Code)
	assert.Equal(t, "this is a sample error", response.Message)
	assert.Equal(t, http.StatusInternalServerError, FormatError(errors.New("x"), "other").Code)
}

func TestHealthAndMetrics(t *testing.T) {
	r := NewRouter(&fakeStore{})
	resp := serve(r, http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = serve(r, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "tunlink_")
}

func TestConnections(t *testing.T) {
	store := &fakeStore{conns: []pump.ConnectionInfo{{MachineName: "beta", TransactionID: "t1", Direction: "forward"}}}
	r := NewRouter(store)

	t.Run("list", func(t *testing.T) {
		resp := serve(r, http.MethodGet, "/api/connections")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
		var got []pump.ConnectionInfo
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
		require.Len(t, got, 1)
		assert.Equal(t, "beta", got[0].MachineName)
	})
	t.Run("remove unknown", func(t *testing.T) {
		resp := serve(r, http.MethodDelete, "/api/connections/gamma")
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		var errResp models.ErrorResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&errResp))
		assert.Equal(t, "no connection to gamma", errResp.Message)
	})
	t.Run("remove", func(t *testing.T) {
		resp := serve(r, http.MethodDelete, "/api/connections/beta")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, []string{"beta"}, store.removed)
	})
	t.Run("method not allowed", func(t *testing.T) {
		resp := serve(r, http.MethodPut, "/api/connections")
		assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	})
}

func TestConnect(t *testing.T) {
	lo := netip.MustParseAddr("127.0.0.1")
	remote := models.PeerDescriptor{
		MachineName: "beta",
		Local:       netip.AddrPortFrom(lo, 18180),
		Remote:      netip.AddrPortFrom(lo, 18180),
		RouteLevel:  1,
	}
	body, err := json.Marshal(ConnectRequest{Remote: remote, Direction: models.Reverse})
	require.NoError(t, err)

	t.Run("connected", func(t *testing.T) {
		store := &fakeStore{}
		resp := serveBody(NewRouter(store), http.MethodPost, "/api/connections", body)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		require.Len(t, store.connected, 1)
		assert.Equal(t, "beta", store.connected[0].Remote.MachineName)
		assert.Equal(t, models.Reverse, store.connected[0].Direction)
	})
	t.Run("denied", func(t *testing.T) {
		store := &fakeStore{connectErr: tunnel.ErrPermissionDenied}
		resp := serveBody(NewRouter(store), http.MethodPost, "/api/connections", body)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})
	t.Run("no candidate", func(t *testing.T) {
		store := &fakeStore{connectErr: tunnel.ErrNoCandidate}
		resp := serveBody(NewRouter(store), http.MethodPost, "/api/connections", body)
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	})
	t.Run("bad body", func(t *testing.T) {
		resp := serveBody(NewRouter(&fakeStore{}), http.MethodPost, "/api/connections", []byte("{"))
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
	t.Run("invalid descriptor", func(t *testing.T) {
		bad, err := json.Marshal(ConnectRequest{Remote: models.PeerDescriptor{MachineName: "beta"}})
		require.NoError(t, err)
		resp := serveBody(NewRouter(&fakeStore{}), http.MethodPost, "/api/connections", bad)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}
