package dispatcher

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/tkcreddy/dibba/pkg/dibberr"
	"github.com/tkcreddy/dibba/pkg/registry"
	"github.com/tkcreddy/dibba/pkg/router"
)

// TaskPublisher is the narrow surface handlers need from a queue publisher,
// so tests can substitute a fake instead of dialing a real broker — the
// same seam the Pod Engine's adapters use for containerd.
type TaskPublisher interface {
	Publish(ctx context.Context, routingKey string, msg TaskMessage) error
}

// Server holds the dependencies every handler needs: the registry for
// credentials/node bookkeeping, the router for queue-name derivation, the
// task store clients poll, and the publisher that hands work to C10.
type Server struct {
	Registry  registry.Registry
	Router    *router.Router
	Tasks     *TaskStore
	Publisher TaskPublisher
	Secret    []byte
	TokenTTL  time.Duration

	// Now is injected for deterministic token-issuance tests; defaults to
	// time.Now when nil.
	Now func() time.Time
}

func (s *Server) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// NewRouter builds the gorilla/mux router wiring every path in spec §6's
// HTTP API table, with bearer auth enforced on every route but /token.
func (s *Server) NewRouter() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/token", s.handleLogin).Methods(http.MethodPost)
	r.HandleFunc("/create-instances/", s.authenticated(s.handleCreateInstances)).Methods(http.MethodPost)
	r.HandleFunc("/terminate-namespace/", s.authenticated(s.handleTerminateNamespace)).Methods(http.MethodPost)
	r.HandleFunc("/create_pods/", s.authenticated(s.handleCreatePods)).Methods(http.MethodGet, http.MethodPost)
	r.HandleFunc("/worker-info/", s.authenticated(s.handleListWorkerInfo)).Methods(http.MethodGet)
	r.HandleFunc("/worker-info/{hostname}", s.authenticated(s.handleGetWorkerInfo)).Methods(http.MethodGet)
	r.HandleFunc("/task/{task_id}", s.authenticated(s.handleGetTaskStatus)).Methods(http.MethodGet)
	return r
}

// authenticated wraps handler with bearer-token validation, rejecting with
// 401 before the wrapped handler ever runs.
func (s *Server) authenticated(handler func(w http.ResponseWriter, r *http.Request, user string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authz := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(authz, prefix) {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		token := strings.TrimPrefix(authz, prefix)
		user, err := ValidateToken(r.Context(), s.Registry, s.Secret, token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, errMessage(err))
			return
		}
		handler(w, r, user)
	}
}

func errMessage(err error) string {
	switch dibberr.KindOf(err) {
	case dibberr.KindAuthExpired:
		return "auth_expired"
	default:
		return "auth_invalid"
	}
}

// --- /token ---

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "invalid login request")
		return
	}

	hash, err := s.Registry.GetUserHash(r.Context(), req.Username)
	if err != nil || hash == nil || *hash != KeyedHash(string(s.Secret), req.Password) {
		writeError(w, http.StatusUnauthorized, "invalid username or password")
		return
	}

	token, err := IssueToken(s.Secret, req.Username, s.TokenTTL, s.now())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to issue token")
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{AccessToken: token, TokenType: "bearer"})
}

// --- /create-instances/ ---

// CreateInstanceRequest mirrors the source's pydantic model: the fields
// the cloud-provider task needs plus a whitelisted extra bucket for
// provider-specific pass-through kwargs, per spec §9's duck-typing note.
type CreateInstanceRequest struct {
	InstanceType     string         `json:"instance_type"`
	AMIID            string         `json:"ami_id"`
	KeyName          string         `json:"key_name"`
	SecurityGroupIDs []string       `json:"security_group_ids"`
	Namespace        string         `json:"namespace"`
	MinCount         int            `json:"min_count"`
	MaxCount         int            `json:"max_count"`
	Extra            map[string]any `json:"extra,omitempty"`
}

type taskIDResponse struct {
	TaskID string `json:"task_id"`
}

func (s *Server) handleCreateInstances(w http.ResponseWriter, r *http.Request, _ string) {
	var req CreateInstanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid create-instances request")
		return
	}
	if req.InstanceType == "" || req.AMIID == "" || req.Namespace == "" {
		writeError(w, http.StatusBadRequest, "instance_type, ami_id and namespace are required")
		return
	}

	kwargs := map[string]any{
		"instance_type":      req.InstanceType,
		"ami_id":             req.AMIID,
		"key_name":           req.KeyName,
		"security_group_ids": req.SecurityGroupIDs,
		"namespace":          req.Namespace,
		"min_count":          req.MinCount,
		"max_count":          req.MaxCount,
	}
	for k, v := range req.Extra {
		if _, reserved := kwargs[k]; !reserved {
			kwargs[k] = v
		}
	}

	s.submitTask(w, r, "create_worker_nodes", "aws_interface", kwargs)
}

// --- /terminate-namespace/ ---

type terminateNamespaceRequest struct {
	Namespace string `json:"namespace"`
}

func (s *Server) handleTerminateNamespace(w http.ResponseWriter, r *http.Request, _ string) {
	var req terminateNamespaceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Namespace == "" {
		writeError(w, http.StatusBadRequest, "namespace is required")
		return
	}

	ids, err := s.Registry.ListInstanceIDsInNamespace(r.Context(), req.Namespace)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to look up namespace")
		return
	}
	if len(ids) == 0 {
		writeError(w, http.StatusNotFound, "no instances found for this namespace")
		return
	}

	instanceIDs := make([]string, 0, len(ids))
	for id := range ids {
		instanceIDs = append(instanceIDs, id)
	}

	// Registry bookkeeping happens before the response is written: once
	// submitTask writes {task_id} the response is committed, and a
	// failure discovered afterward would have nowhere to go but a second,
	// invalid WriteHeader.
	if _, err := s.Registry.DeleteNodesByInstanceIDs(r.Context(), ids); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to clean up namespace bookkeeping")
		return
	}

	s.submitTask(w, r, "terminate_worker_node", "aws_interface", map[string]any{
		"namespace":    req.Namespace,
		"instance_ids": instanceIDs,
	})
}

// --- /create_pods/ ---

// ContainerSpec mirrors pod.ContainerSpec over the wire.
type ContainerSpec struct {
	Name      string            `json:"name"`
	Image     string            `json:"image"`
	Args      []string          `json:"args,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	CPUMillis uint64            `json:"cpu_millicores,omitempty"`
	MemBytes  uint64            `json:"memory_bytes,omitempty"`
}

type createPodsRequest struct {
	HostName   string          `json:"host_name"`
	Namespace  string          `json:"namespace"`
	Containers []ContainerSpec `json:"containers"`
}

func (s *Server) handleCreatePods(w http.ResponseWriter, r *http.Request, _ string) {
	var req createPodsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid create_pods request")
		return
	}
	if req.HostName == "" || len(req.Containers) == 0 {
		writeError(w, http.StatusBadRequest, "host_name and at least one container are required")
		return
	}

	containers := make([]any, len(req.Containers))
	for i, c := range req.Containers {
		containers[i] = c
	}

	s.submitTask(w, r, "create_pod_task", req.HostName, map[string]any{
		"namespace":  req.Namespace,
		"containers": containers,
	})
}

// --- /worker-info/ ---

// workerInfoResponse mirrors registry.ClusterHealth over the wire.
type workerInfoResponse struct {
	Hostname              string  `json:"hostname"`
	IP                    string  `json:"ip"`
	FreeCPU               float64 `json:"free_cpu"`
	FreeMemory            int64   `json:"free_memory"`
	LastReportUnixSeconds int64   `json:"last_report_unix_seconds"`
}

func toWorkerInfoResponse(h registry.ClusterHealth) workerInfoResponse {
	return workerInfoResponse{
		Hostname:              h.Hostname,
		IP:                    h.IP,
		FreeCPU:               h.FreeCPU,
		FreeMemory:            h.FreeMemory,
		LastReportUnixSeconds: h.LastReportUnixSeconds,
	}
}

// handleGetWorkerInfo answers get_worker_info by reading the health record
// the agent's periodic reportOnce wrote to C2, rather than round-tripping a
// task through the queue: the data is already sitting in the registry, so
// there is nothing for a worker to compute on demand.
func (s *Server) handleGetWorkerInfo(w http.ResponseWriter, r *http.Request, _ string) {
	hostname := mux.Vars(r)["hostname"]
	health, err := s.Registry.GetClusterHealth(r.Context(), hostname)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to look up worker health")
		return
	}
	if health == nil {
		writeError(w, http.StatusNotFound, "no health report for this worker")
		return
	}
	writeJSON(w, http.StatusOK, toWorkerInfoResponse(*health))
}

func (s *Server) handleListWorkerInfo(w http.ResponseWriter, r *http.Request, _ string) {
	all, err := s.Registry.ListClusterHealth(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list worker health")
		return
	}
	resp := make([]workerInfoResponse, 0, len(all))
	for _, h := range all {
		resp = append(resp, toWorkerInfoResponse(h))
	}
	writeJSON(w, http.StatusOK, resp)
}

// submitTask is the shared tail of every task-submitting handler: it mints
// a task id, publishes the message to route_key(target), and writes the
// {task_id} response. On publish failure it writes 500 and returns "".
func (s *Server) submitTask(w http.ResponseWriter, r *http.Request, funcName, target string, kwargs map[string]any) string {
	taskID := s.Tasks.Submit(funcName)
	routingKey := s.Router.RouteKey(target)
	msg := TaskMessage{TaskID: taskID, Func: funcName, Args: []any{}, Kwargs: kwargs}
	if err := s.Publisher.Publish(r.Context(), routingKey, msg); err != nil {
		s.Tasks.Fail(taskID, err.Error(), dibberr.Retryable(err))
		writeError(w, http.StatusInternalServerError, "failed to submit task")
		return ""
	}
	writeJSON(w, http.StatusOK, taskIDResponse{TaskID: taskID})
	return taskID
}

// --- /task/{task_id} ---

type taskStatusResponse struct {
	TaskID    string `json:"task_id"`
	Status    string `json:"status"`
	Result    any    `json:"result,omitempty"`
	Error     string `json:"error,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

func (s *Server) handleGetTaskStatus(w http.ResponseWriter, r *http.Request, _ string) {
	taskID := mux.Vars(r)["task_id"]
	rec := s.Tasks.Get(taskID)
	if rec == nil {
		writeError(w, http.StatusNotFound, "no such task")
		return
	}
	resp := taskStatusResponse{TaskID: rec.ID, Status: string(rec.State)}
	if rec.State == TaskSuccess {
		resp.Result = rec.Result
	}
	if rec.State == TaskFailure {
		resp.Error = rec.Error
		resp.Retryable = rec.Retryable
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
