package api

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/casket-io/casket/pkg/auth"
	"github.com/casket-io/casket/pkg/cas"
	"github.com/casket-io/casket/pkg/model"
	"github.com/casket-io/casket/pkg/service"
	"github.com/casket-io/casket/pkg/storage/localfs"
	"github.com/casket-io/casket/pkg/store/inmem"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	blobs, err := localfs.New(afero.NewMemMapFs())
	require.NoError(t, err)
	index := inmem.NewDAGStore()
	content, err := cas.NewStore(blobs, index)
	require.NoError(t, err)

	creds := inmem.NewCredentialStore(nil)
	svc := service.New(content, index, inmem.NewOwnershipStore(), creds)
	controller := auth.NewController(creds)
	issuer := auth.NewIssuer(creds, auth.IssuerClosure(svc.ReadClosure))

	h := NewHandlers(svc, controller, issuer, Identity(trustedIdentity))
	srv := httptest.NewServer(h.Router())
	t.Cleanup(srv.Close)
	return srv
}

// trustedIdentity accepts any non-empty assertion as the user id itself
func trustedIdentity(_ context.Context, assertion string) (string, error) {
	if assertion == "" {
		return "", errors.New("empty assertion")
	}
	return assertion, nil
}

type testClient struct {
	t    *testing.T
	base string
	http *http.Client
}

func client(t *testing.T, srv *httptest.Server) *testClient {
	return &testClient{t: t, base: srv.URL, http: srv.Client()}
}

func (c *testClient) do(method, path, authHeader, contentType string, body []byte) *http.Response {
	c.t.Helper()
	req, err := http.NewRequest(method, c.base+path, bytes.NewReader(body))
	require.NoError(c.t, err)
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := c.http.Do(req)
	require.NoError(c.t, err)
	return resp
}

func (c *testClient) json(resp *http.Response, out interface{}) {
	c.t.Helper()
	defer func() { _ = resp.Body.Close() }()
	require.NoError(c.t, jsoniter.NewDecoder(resp.Body).Decode(out))
}

func (c *testClient) login(user string) string {
	c.t.Helper()
	resp := c.do(http.MethodPost, "/auth/login", "", "application/json",
		[]byte(`{"assertion":"`+user+`"}`))
	require.Equal(c.t, http.StatusCreated, resp.StatusCode)
	var cred struct {
		ID string `json:"id"`
	}
	c.json(resp, &cred)
	return "Bearer " + cred.ID
}

func TestAPI_Health(t *testing.T) {
	srv := newTestServer(t)
	resp, err := srv.Client().Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAPI_RequiresCredentials(t *testing.T) {
	srv := newTestServer(t)
	c := client(t, srv)

	resp := c.do(http.MethodGet, "/cas/@me/nodes", "", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	_ = resp.Body.Close()

	resp = c.do(http.MethodGet, "/cas/@me/nodes", "Bearer tok_bogus", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	_ = resp.Body.Close()

	// a malformed scheme is rejected the same way
	resp = c.do(http.MethodGet, "/cas/@me/nodes", "Basic dXNlcg==", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestAPI_PutGetRoundTrip(t *testing.T) {
	srv := newTestServer(t)
	c := client(t, srv)
	alice := c.login("alice")

	payload := []byte("hello")
	key := cas.ComputeKey(payload)

	resp := c.do(http.MethodPut, "/cas/@me/node/"+key.String(), alice, "text/plain", payload)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	var put service.PutRes
	c.json(resp, &put)
	assert.Equal(t, key, put.Key)
	assert.Equal(t, int64(5), put.Size)

	// re-upload dedups to a 200
	resp = c.do(http.MethodPut, "/cas/@me/node/"+key.String(), alice, "text/plain", payload)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	resp = c.do(http.MethodGet, "/cas/@me/node/"+key.String(), alice, "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/plain", resp.Header.Get("Content-Type"))
	var buf bytes.Buffer
	_, err := buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, payload, buf.Bytes())
}

func TestAPI_PutRejectsWrongKey(t *testing.T) {
	srv := newTestServer(t)
	c := client(t, srv)
	alice := c.login("alice")

	wrong := cas.ComputeKey([]byte("other"))
	resp := c.do(http.MethodPut, "/cas/@me/node/"+wrong.String(), alice, "text/plain", []byte("hello"))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	_ = resp.Body.Close()

	resp = c.do(http.MethodPut, "/cas/@me/node/not-a-key", alice, "text/plain", []byte("hello"))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestAPI_ScopeIsolation(t *testing.T) {
	srv := newTestServer(t)
	c := client(t, srv)
	alice := c.login("alice")
	bob := c.login("bob")

	payload := []byte("alice only")
	key := cas.ComputeKey(payload)
	resp := c.do(http.MethodPut, "/cas/@me/node/"+key.String(), alice, "text/plain", payload)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	_ = resp.Body.Close()

	// addressing the foreign scope by name is forbidden
	resp = c.do(http.MethodGet, "/cas/"+model.UserScope("alice")+"/node/"+key.String(), bob, "", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	_ = resp.Body.Close()

	// the same key within bob's own scope reads as not found
	resp = c.do(http.MethodGet, "/cas/@me/node/"+key.String(), bob, "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestAPI_WriteTicketFlow(t *testing.T) {
	srv := newTestServer(t)
	c := client(t, srv)
	alice := c.login("alice")

	resp := c.do(http.MethodPost, "/auth/ticket", alice, "application/json",
		[]byte(`{"type":"write","expiresIn":300}`))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var ticket struct {
		ID string `json:"id"`
	}
	c.json(resp, &ticket)

	payload := []byte("hello")
	key := cas.ComputeKey(payload)
	holder := "Ticket " + ticket.ID

	resp = c.do(http.MethodPut, "/cas/@me/node/"+key.String(), holder, "text/plain", payload)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	_ = resp.Body.Close()

	// the slot is consumed
	resp = c.do(http.MethodPut, "/cas/@me/node/"+key.String(), holder, "text/plain", payload)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	_ = resp.Body.Close()

	// a write ticket cannot read back
	resp = c.do(http.MethodGet, "/cas/@me/node/"+key.String(), holder, "", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	_ = resp.Body.Close()

	// the owner sees the upload
	resp = c.do(http.MethodGet, "/cas/@me/node/"+key.String(), alice, "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	// a ticket presented on the Bearer scheme does not authenticate
	resp = c.do(http.MethodGet, "/cas/@me/nodes", "Bearer "+ticket.ID, "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestAPI_ReadTicketFlow(t *testing.T) {
	srv := newTestServer(t)
	c := client(t, srv)
	alice := c.login("alice")

	payload := []byte("shared document")
	key := cas.ComputeKey(payload)
	resp := c.do(http.MethodPut, "/cas/@me/node/"+key.String(), alice, "text/plain", payload)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	_ = resp.Body.Close()

	other := []byte("private document")
	otherKey := cas.ComputeKey(other)
	resp = c.do(http.MethodPut, "/cas/@me/node/"+otherKey.String(), alice, "text/plain", other)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	_ = resp.Body.Close()

	resp = c.do(http.MethodPost, "/auth/ticket", alice, "application/json",
		[]byte(`{"type":"read","key":"`+key.String()+`"}`))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var ticket struct {
		ID string `json:"id"`
	}
	c.json(resp, &ticket)
	holder := "Ticket " + ticket.ID

	resp = c.do(http.MethodGet, "/cas/@me/node/"+key.String(), holder, "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	// the ticket does not reach beyond its key set
	resp = c.do(http.MethodGet, "/cas/@me/node/"+otherKey.String(), holder, "", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	_ = resp.Body.Close()

	// read tickets for unowned roots are refused at minting time
	absent := cas.ComputeKey([]byte("nothing here"))
	resp = c.do(http.MethodPost, "/auth/ticket", alice, "application/json",
		[]byte(`{"type":"read","key":"`+absent.String()+`"}`))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestAPI_ResolveAndList(t *testing.T) {
	srv := newTestServer(t)
	c := client(t, srv)
	alice := c.login("alice")

	payload := []byte("resolvable")
	key := cas.ComputeKey(payload)
	resp := c.do(http.MethodPut, "/cas/@me/node/"+key.String(), alice, "text/plain", payload)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	_ = resp.Body.Close()

	absent := cas.ComputeKey([]byte("absent"))
	resp = c.do(http.MethodPost, "/cas/@me/resolve", alice, "application/json",
		[]byte(`{"nodes":["`+key.String()+`","`+absent.String()+`"]}`))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var res service.ResolveRes
	c.json(resp, &res)
	assert.Equal(t, []model.ContentKey{key}, res.Found)
	assert.Equal(t, []model.ContentKey{absent}, res.Missing)

	resp = c.do(http.MethodGet, "/cas/@me/nodes?limit=10", alice, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list listResponse
	c.json(resp, &list)
	require.Len(t, list.Records, 1)
	assert.Equal(t, key, list.Records[0].Key)
}

func TestAPI_AgentTokenDelegation(t *testing.T) {
	srv := newTestServer(t)
	c := client(t, srv)
	alice := c.login("alice")

	resp := c.do(http.MethodPost, "/auth/agent-token", alice, "application/json",
		[]byte(`{"name":"reader","permissions":{"read":true}}`))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var agent struct {
		ID string `json:"id"`
	}
	c.json(resp, &agent)

	payload := []byte("delegated read")
	key := cas.ComputeKey(payload)
	resp = c.do(http.MethodPut, "/cas/@me/node/"+key.String(), alice, "text/plain", payload)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	_ = resp.Body.Close()

	bearer := "Bearer " + agent.ID
	resp = c.do(http.MethodGet, "/cas/@me/node/"+key.String(), bearer, "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	// the read-only agent cannot write
	other := []byte("attempted write")
	resp = c.do(http.MethodPut, "/cas/@me/node/"+cas.ComputeKey(other).String(), bearer, "text/plain", other)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	_ = resp.Body.Close()

	// revocation cuts the agent off
	resp = c.do(http.MethodDelete, "/auth/agent-token/"+agent.ID, alice, "", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	_ = resp.Body.Close()
	resp = c.do(http.MethodGet, "/cas/@me/node/"+key.String(), bearer, "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestAPI_DagManifest(t *testing.T) {
	srv := newTestServer(t)
	c := client(t, srv)
	alice := c.login("alice")

	chunk := []byte("manifest chunk")
	chunkKey := cas.ComputeKey(chunk)
	resp := c.do(http.MethodPut, "/cas/@me/node/"+chunkKey.String(), alice, "application/octet-stream", chunk)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	_ = resp.Body.Close()

	node := &model.Node{
		Kind:        model.KindFile,
		Chunks:      []model.ContentKey{chunkKey},
		ChunkSizes:  []int64{int64(len(chunk))},
		ContentType: "text/plain",
		Size:        int64(len(chunk)),
	}
	manifest, err := node.CanonicalBytes()
	require.NoError(t, err)
	root := cas.ComputeKey(manifest)
	resp = c.do(http.MethodPut, "/cas/@me/node/"+root.String(), alice, model.NodeContentType, manifest)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	_ = resp.Body.Close()

	resp = c.do(http.MethodGet, "/cas/@me/dag/"+root.String(), alice, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out struct {
		Nodes []model.NodeInfo `json:"nodes"`
	}
	c.json(resp, &out)
	require.Len(t, out.Nodes, 2)
	assert.Equal(t, root, out.Nodes[0].Key)
}
