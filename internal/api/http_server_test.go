package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/evelyn32h/omnipaxos-database/configs"
	"github.com/evelyn32h/omnipaxos-database/internal/command"
	kverrors "github.com/evelyn32h/omnipaxos-database/internal/errors"
	"github.com/evelyn32h/omnipaxos-database/internal/services"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	cfg := &configs.AppConfig{
		Self: configs.NodeConfig{
			ID:            "solo",
			ClientAddress: "127.0.0.1:8080",
			Storage:       configs.StorageConfig{Engine: "memory"},
		},
	}
	cfg.SetDefaults()

	svc, err := services.NewStandaloneKVService(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })

	srv := httptest.NewServer(NewRouter(svc))
	t.Cleanup(srv.Close)
	return srv
}

func doRequest(t *testing.T, method, url string, body io.Reader) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(method, url, body)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(data)
}

func TestHTTP_KVRoundTrip(t *testing.T) {
	srv := newTestServer(t)

	resp, _ := doRequest(t, http.MethodPut, srv.URL+"/kv?key=k", strings.NewReader("v1"))
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.Equal(t, "1", resp.Header.Get(HeaderIndex))

	for _, tier := range []string{"", "local", "linearizable"} {
		resp, body := doRequest(t, http.MethodGet, srv.URL+"/kv?key=k&tier="+tier, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Equal(t, "v1", body)
	}

	resp, _ = doRequest(t, http.MethodDelete, srv.URL+"/kv?key=k", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = doRequest(t, http.MethodGet, srv.URL+"/kv?key=k", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHTTP_BadRequests(t *testing.T) {
	srv := newTestServer(t)

	resp, _ := doRequest(t, http.MethodGet, srv.URL+"/kv", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = doRequest(t, http.MethodGet, srv.URL+"/kv?key=k&tier=eventual", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = doRequest(t, http.MethodPost, srv.URL+"/command", strings.NewReader("{not json"))
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = doRequest(t, http.MethodPatch, srv.URL+"/kv?key=k", nil)
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestHTTP_Command(t *testing.T) {
	srv := newTestServer(t)

	post := func(req command.Request) (*http.Response, command.Response) {
		payload, err := json.Marshal(req)
		require.NoError(t, err)
		resp, body := doRequest(t, http.MethodPost, srv.URL+"/command", bytes.NewReader(payload))

		var out command.Response
		require.NoError(t, json.Unmarshal([]byte(body), &out))
		return resp, out
	}

	resp, out := post(command.Request{Operation: "write", Key: "k", Value: []byte("v")})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, command.StatusOK, out.Status)
	require.Equal(t, uint64(1), out.Index)

	resp, out = post(command.Request{Operation: "read", Key: "k", Tier: "linearizable"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, []byte("v"), out.Value)

	resp, out = post(command.Request{Operation: "frobnicate", Key: "k"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, kverrors.KindInvalidCommand, out.Error)
}

func TestHTTP_BinaryValue(t *testing.T) {
	srv := newTestServer(t)
	value := []byte{0xff, 0xfe, 0x00, 0x80}

	resp, _ := doRequest(t, http.MethodPut, srv.URL+"/kv?key=bin", bytes.NewReader(value))
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, body := doRequest(t, http.MethodGet, srv.URL+"/kv?key=bin", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, value, []byte(body))

	payload, err := json.Marshal(command.Request{Operation: "read", Key: "bin", Tier: "local"})
	require.NoError(t, err)
	resp, body = doRequest(t, http.MethodPost, srv.URL+"/command", bytes.NewReader(payload))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out command.Response
	require.NoError(t, json.Unmarshal([]byte(body), &out))
	require.Equal(t, value, out.Value)

	// 通过 /command 写入的二进制值同样保持原样
	payload, err = json.Marshal(command.Request{Operation: "write", Key: "bin2", Value: value})
	require.NoError(t, err)
	resp, _ = doRequest(t, http.MethodPost, srv.URL+"/command", bytes.NewReader(payload))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_, body = doRequest(t, http.MethodGet, srv.URL+"/kv?key=bin2", nil)
	require.Equal(t, value, []byte(body))
}

func TestHTTP_HealthAndStatus(t *testing.T) {
	srv := newTestServer(t)

	resp, body := doRequest(t, http.MethodGet, srv.URL+"/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.JSONEq(t, `{"status":"ok"}`, body)

	resp, body = doRequest(t, http.MethodGet, srv.URL+"/status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var st services.Status
	require.NoError(t, json.Unmarshal([]byte(body), &st))
	require.Equal(t, "solo", st.NodeID)
	require.Equal(t, "Leader", st.Role)
}

// 始终返回 NotLeader 的服务
type followerService struct {
	services.KVService
}

func (followerService) Execute(ctx context.Context, req command.Request) command.Response {
	return command.Failure(kverrors.NewNotLeader("n2", "127.0.0.1:8081"))
}

func TestHTTP_NotLeaderRedirectHint(t *testing.T) {
	srv := httptest.NewServer(NewRouter(followerService{}))
	defer srv.Close()

	resp, _ := doRequest(t, http.MethodGet, srv.URL+"/kv?key=k", nil)
	require.Equal(t, http.StatusMisdirectedRequest, resp.StatusCode)
	require.Equal(t, "127.0.0.1:8081", resp.Header.Get(HeaderLeader))

	resp, _ = doRequest(t, http.MethodPut, srv.URL+"/kv?key=k", strings.NewReader("v"))
	require.Equal(t, http.StatusMisdirectedRequest, resp.StatusCode)
}

// 记录 Join 调用的服务
type joinService struct {
	services.KVService
	id, address string
}

func (s *joinService) Join(ctx context.Context, id, address string) error {
	s.id, s.address = id, address
	return nil
}

func TestHTTP_Join(t *testing.T) {
	svc := &joinService{}
	srv := httptest.NewServer(NewRouter(svc))
	defer srv.Close()

	resp, _ := doRequest(t, http.MethodPost, srv.URL+"/join", strings.NewReader(`{"id":"n4","address":"127.0.0.1:7004"}`))
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.Equal(t, "n4", svc.id)
	require.Equal(t, "127.0.0.1:7004", svc.address)

	resp, _ = doRequest(t, http.MethodPost, srv.URL+"/join", strings.NewReader("{"))
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// 单机模式不支持成员变更
	standalone := newTestServer(t)
	resp, _ = doRequest(t, http.MethodPost, standalone.URL+"/join", strings.NewReader(`{"id":"n4","address":"127.0.0.1:7004"}`))
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStatusCode(t *testing.T) {
	tt := map[kverrors.Kind]int{
		kverrors.KindInvalidCommand: http.StatusBadRequest,
		kverrors.KindNotFound:       http.StatusNotFound,
		kverrors.KindNotLeader:      http.StatusMisdirectedRequest,
		kverrors.KindReadTimeout:    http.StatusGatewayTimeout,
		kverrors.KindWriteTimeout:   http.StatusGatewayTimeout,
		kverrors.KindCanceled:       StatusClientClosedRequest,
		kverrors.KindStorage:        http.StatusInternalServerError,
	}
	for kind, code := range tt {
		require.Equal(t, code, statusCode(kind), kind)
	}
}
