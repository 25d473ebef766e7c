package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tkcreddy/dibba/pkg/registry"
	"github.com/tkcreddy/dibba/pkg/router"
)

type fakeRegistry struct {
	userHashes  map[string]string
	nodes       map[string]registry.NodeRecord
	instanceIDs map[string]map[string]struct{} // namespace -> instance ids
	deleted     map[string]struct{}
	deleteErr   error
	health      map[string]registry.ClusterHealth
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{
		userHashes:  make(map[string]string),
		nodes:       make(map[string]registry.NodeRecord),
		instanceIDs: make(map[string]map[string]struct{}),
		deleted:     make(map[string]struct{}),
		health:      make(map[string]registry.ClusterHealth),
	}
}

func (f *fakeRegistry) PutNode(ctx context.Context, name string, rec registry.NodeRecord) error {
	f.nodes[name] = rec
	return nil
}

func (f *fakeRegistry) GetNode(ctx context.Context, name string) (*registry.NodeRecord, error) {
	rec, ok := f.nodes[name]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (f *fakeRegistry) ListNodes(ctx context.Context) (map[string]registry.NodeRecord, error) {
	return f.nodes, nil
}

func (f *fakeRegistry) ListInstanceIDsInNamespace(ctx context.Context, namespace string) (map[string]struct{}, error) {
	return f.instanceIDs[namespace], nil
}

func (f *fakeRegistry) DeleteNodesByInstanceIDs(ctx context.Context, ids map[string]struct{}) (bool, error) {
	if f.deleteErr != nil {
		return false, f.deleteErr
	}
	for id := range ids {
		f.deleted[id] = struct{}{}
	}
	return len(ids) > 0, nil
}

func (f *fakeRegistry) GetUserHash(ctx context.Context, user string) (*string, error) {
	hash, ok := f.userHashes[user]
	if !ok {
		return nil, nil
	}
	return &hash, nil
}

func (f *fakeRegistry) PutUserHash(ctx context.Context, user, hash string) error {
	f.userHashes[user] = hash
	return nil
}

func (f *fakeRegistry) PutClusterHealth(ctx context.Context, hostname string, h registry.ClusterHealth) error {
	f.health[hostname] = h
	return nil
}

func (f *fakeRegistry) GetClusterHealth(ctx context.Context, hostname string) (*registry.ClusterHealth, error) {
	h, ok := f.health[hostname]
	if !ok {
		return nil, nil
	}
	return &h, nil
}

func (f *fakeRegistry) ListClusterHealth(ctx context.Context) (map[string]registry.ClusterHealth, error) {
	return f.health, nil
}

func (f *fakeRegistry) Close() error { return nil }

type fakePublisher struct {
	published []struct {
		routingKey string
		msg        TaskMessage
	}
	failNext bool
}

func (p *fakePublisher) Publish(ctx context.Context, routingKey string, msg TaskMessage) error {
	if p.failNext {
		p.failNext = false
		return context.DeadlineExceeded
	}
	p.published = append(p.published, struct {
		routingKey string
		msg        TaskMessage
	}{routingKey, msg})
	return nil
}

const testSecret = "test-secret"

func newTestServer(t *testing.T) (*Server, *fakeRegistry, *fakePublisher) {
	t.Helper()
	reg := newFakeRegistry()
	reg.userHashes["alice"] = KeyedHash(testSecret, "hunter2")
	pub := &fakePublisher{}
	rtr, err := router.New(testSecret)
	require.NoError(t, err)
	s := &Server{
		Registry:  reg,
		Router:    rtr,
		Tasks:     NewTaskStore(),
		Publisher: pub,
		Secret:    []byte(testSecret),
		TokenTTL:  30 * time.Minute,
	}
	return s, reg, pub
}

func doRequest(t *testing.T, s *Server, method, path string, body any, bearer string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	s.NewRouter().ServeHTTP(rec, req)
	return rec
}

func TestLoginSuccess(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec := doRequest(t, s, http.MethodPost, "/token", loginRequest{Username: "alice", Password: "hunter2"}, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp tokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "bearer", resp.TokenType)
	require.NotEmpty(t, resp.AccessToken)
}

func TestLoginWrongPassword(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec := doRequest(t, s, http.MethodPost, "/token", loginRequest{Username: "alice", Password: "wrong"}, "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func login(t *testing.T, s *Server) string {
	t.Helper()
	rec := doRequest(t, s, http.MethodPost, "/token", loginRequest{Username: "alice", Password: "hunter2"}, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp tokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.AccessToken
}

func TestCreateInstancesRequiresBearer(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec := doRequest(t, s, http.MethodPost, "/create-instances/", CreateInstanceRequest{
		InstanceType: "t3.micro", AMIID: "ami-1", Namespace: "ns1",
	}, "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCreateInstancesSubmitsTask(t *testing.T) {
	s, _, pub := newTestServer(t)
	token := login(t, s)

	rec := doRequest(t, s, http.MethodPost, "/create-instances/", CreateInstanceRequest{
		InstanceType: "t3.micro", AMIID: "ami-1", Namespace: "ns1", MinCount: 1, MaxCount: 1,
	}, token)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp taskIDResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.TaskID)
	require.Len(t, pub.published, 1)
	require.Equal(t, "create_worker_nodes", pub.published[0].msg.Func)
	require.Equal(t, router.RouteKey(testSecret, "aws_interface"), pub.published[0].routingKey)
}

func TestCreateInstancesMissingFieldsRejected(t *testing.T) {
	s, _, _ := newTestServer(t)
	token := login(t, s)
	rec := doRequest(t, s, http.MethodPost, "/create-instances/", CreateInstanceRequest{Namespace: "ns1"}, token)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTerminateNamespaceNotFound(t *testing.T) {
	s, _, _ := newTestServer(t)
	token := login(t, s)
	rec := doRequest(t, s, http.MethodPost, "/terminate-namespace/", terminateNamespaceRequest{Namespace: "empty-ns"}, token)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTerminateNamespaceSubmitsTaskAndCleansUpRegistry(t *testing.T) {
	s, reg, pub := newTestServer(t)
	reg.instanceIDs["ns1"] = map[string]struct{}{"i-1": {}, "i-2": {}}
	token := login(t, s)

	rec := doRequest(t, s, http.MethodPost, "/terminate-namespace/", terminateNamespaceRequest{Namespace: "ns1"}, token)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, pub.published, 1)
	require.Contains(t, reg.deleted, "i-1")
	require.Contains(t, reg.deleted, "i-2")
}

func TestTerminateNamespaceRegistryFailureSkipsTaskSubmission(t *testing.T) {
	s, reg, pub := newTestServer(t)
	reg.instanceIDs["ns1"] = map[string]struct{}{"i-1": {}}
	reg.deleteErr = context.DeadlineExceeded
	token := login(t, s)

	rec := doRequest(t, s, http.MethodPost, "/terminate-namespace/", terminateNamespaceRequest{Namespace: "ns1"}, token)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Empty(t, pub.published, "no task should be submitted once registry bookkeeping fails")
}

func TestCreatePodsSubmitsToHostnameRouteKey(t *testing.T) {
	s, _, pub := newTestServer(t)
	token := login(t, s)

	rec := doRequest(t, s, http.MethodPost, "/create_pods/", createPodsRequest{
		HostName:  "worker-1",
		Namespace: "ns1",
		Containers: []ContainerSpec{
			{Name: "app", Image: "example.com/app:v1"},
		},
	}, token)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, pub.published, 1)
	require.Equal(t, router.RouteKey(testSecret, "worker-1"), pub.published[0].routingKey)
}

func TestCreatePodsEmptyContainersRejected(t *testing.T) {
	s, _, _ := newTestServer(t)
	token := login(t, s)
	rec := doRequest(t, s, http.MethodPost, "/create_pods/", createPodsRequest{HostName: "worker-1"}, token)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetWorkerInfoReturnsReportedHealth(t *testing.T) {
	s, reg, _ := newTestServer(t)
	reg.health["worker-1"] = registry.ClusterHealth{
		Hostname: "worker-1", IP: "10.0.0.5", FreeCPU: 2.5, FreeMemory: 4096, LastReportUnixSeconds: 1700000000,
	}
	token := login(t, s)

	rec := doRequest(t, s, http.MethodGet, "/worker-info/worker-1", nil, token)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp workerInfoResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "worker-1", resp.Hostname)
	require.Equal(t, "10.0.0.5", resp.IP)
	require.Equal(t, 2.5, resp.FreeCPU)
}

func TestGetWorkerInfoUnknownHostIs404(t *testing.T) {
	s, _, _ := newTestServer(t)
	token := login(t, s)
	rec := doRequest(t, s, http.MethodGet, "/worker-info/does-not-exist", nil, token)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListWorkerInfoReturnsAllReportedHosts(t *testing.T) {
	s, reg, _ := newTestServer(t)
	reg.health["worker-1"] = registry.ClusterHealth{Hostname: "worker-1"}
	reg.health["worker-2"] = registry.ClusterHealth{Hostname: "worker-2"}
	token := login(t, s)

	rec := doRequest(t, s, http.MethodGet, "/worker-info/", nil, token)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp []workerInfoResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp, 2)
}

func TestGetTaskStatusUnknownTaskIs404(t *testing.T) {
	s, _, _ := newTestServer(t)
	token := login(t, s)
	rec := doRequest(t, s, http.MethodGet, "/task/does-not-exist", nil, token)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetTaskStatusReflectsCompletion(t *testing.T) {
	s, _, _ := newTestServer(t)
	token := login(t, s)

	id := s.Tasks.Submit("create_pod_task")
	s.Tasks.Complete(id, map[string]any{"ok": true})

	rec := doRequest(t, s, http.MethodGet, "/task/"+id, nil, token)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp taskStatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, string(TaskSuccess), resp.Status)
}

func TestTokenExpiryRejectedAfterTTL(t *testing.T) {
	s, _, _ := newTestServer(t)
	base := time.Now().Truncate(time.Second)
	s.Now = func() time.Time { return base }

	rec := doRequest(t, s, http.MethodPost, "/token", loginRequest{Username: "alice", Password: "hunter2"}, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp tokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	claims, err := ParseClaimsString(resp.AccessToken, keyFuncForSecret(s.Secret))
	require.NoError(t, err)
	require.True(t, claims.isTimeValid(base.Add(29*time.Minute)))
	require.False(t, claims.isTimeValid(base.Add(31*time.Minute)))
}

func TestValidateTokenAcceptsFreshlyIssuedToken(t *testing.T) {
	s, _, _ := newTestServer(t)
	token := login(t, s)
	user, err := ValidateToken(context.Background(), s.Registry, s.Secret, token)
	require.NoError(t, err)
	require.Equal(t, "alice", user)
}

func TestPublishFailureReturns500(t *testing.T) {
	s, _, pub := newTestServer(t)
	pub.failNext = true
	token := login(t, s)

	rec := doRequest(t, s, http.MethodPost, "/create-instances/", CreateInstanceRequest{
		InstanceType: "t3.micro", AMIID: "ami-1", Namespace: "ns1",
	}, token)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}
