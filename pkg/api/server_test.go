package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"

	"jmxcluster/pkg/api/middleware"
	"jmxcluster/pkg/auth"
	"jmxcluster/pkg/cluster"
	"jmxcluster/pkg/coordination"
	"jmxcluster/pkg/coordination/memory"
	"jmxcluster/pkg/models"
	"jmxcluster/pkg/notify"
	"jmxcluster/pkg/storage"
)

type fakeAudit struct {
	events []models.OwnershipEvent
	limit  int
}

func (f *fakeAudit) Record(context.Context, *models.OwnershipEvent) error { return nil }

func (f *fakeAudit) History(_ context.Context, target string, limit int) ([]models.OwnershipEvent, error) {
	f.limit = limit
	var out []models.OwnershipEvent
	for _, e := range f.events {
		if e.Target == target {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeAudit) LastGained(context.Context, string) (*models.OwnershipEvent, error) {
	return nil, storage.ErrNotFound
}

type ServerSuite struct {
	suite.Suite
	tree     *memory.Tree
	session  *cluster.Session
	registry *notify.Registry
	audit    *fakeAudit
	tokens   *auth.TokenService
	server   *Server
}

func (s *ServerSuite) SetupTest() {
	gin.SetMode(gin.TestMode)
	ctx := context.Background()
	s.tree = memory.NewTree()

	admin := s.tree.Connect("admin")
	s.T().Cleanup(func() { _ = admin.Close() })
	p := cluster.NewProvisioner(admin, cluster.NewLayout("", ""))
	s.Require().NoError(p.PutTarget(ctx, cluster.Target{Alias: "jvm1", Affinity: "w1", Config: []byte("queries")}))

	s.registry = notify.NewRegistry()
	connect := func(context.Context, []string) (coordination.Service, error) {
		return s.tree.Connect("w1"), nil
	}
	s.session = cluster.NewSession(cluster.Config{
		WorkerAlias: "w1",
		Endpoints:   []string{"memory"},
		LockTimeout: 200 * time.Millisecond,
	}, connect, s.registry, cluster.WithLogger(zap.NewNop()))
	s.Require().NoError(s.session.Start(ctx))
	s.T().Cleanup(func() { _ = s.session.Stop(context.Background()) })

	var err error
	s.tokens, err = auth.NewTokenService(auth.DefaultTokenConfig("secret"))
	s.Require().NoError(err)

	s.audit = &fakeAudit{events: []models.OwnershipEvent{
		*models.NewOwnershipEvent("w1", "jvm1", true),
		*models.NewOwnershipEvent("w2", "other", true),
	}}
	s.server = NewServer(Config{
		Port:     "0",
		Cluster:  s.session,
		Registry: s.registry,
		Audit:    s.audit,
		Tokens:   s.tokens,
		RateLimit: middleware.RateLimiterConfig{
			RequestsPerMinute: 60,
			BurstSize:         1,
			IdleTTL:           time.Minute,
		},
	})
}

func (s *ServerSuite) request(method, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.server.Handler().ServeHTTP(w, req)
	return w
}

func (s *ServerSuite) decode(w *httptest.ResponseRecorder) map[string]interface{} {
	var body map[string]interface{}
	s.Require().NoError(json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func (s *ServerSuite) TestHealth() {
	w := s.request(http.MethodGet, "/health", "")
	s.Equal(http.StatusOK, w.Code)
	body := s.decode(w)
	s.Equal("healthy", body["status"])
	s.Equal("w1", body["worker"])
	s.EqualValues(1, body["owned"])
}

func (s *ServerSuite) TestMetricsEndpoint() {
	w := s.request(http.MethodGet, "/metrics", "")
	s.Equal(http.StatusOK, w.Code)
	s.Contains(w.Body.String(), "jmxcluster_")
}

func (s *ServerSuite) TestWorkers() {
	w := s.request(http.MethodGet, "/api/v1/cluster/workers", "")
	s.Equal(http.StatusOK, w.Code)
	s.EqualValues(1, s.decode(w)["count"])

	w = s.request(http.MethodGet, "/api/v1/cluster/worker", "")
	s.Equal(http.StatusOK, w.Code)
	s.Equal("w1", s.decode(w)["alias"])
}

func (s *ServerSuite) TestTargets() {
	w := s.request(http.MethodGet, "/api/v1/cluster/targets", "")
	s.Equal(http.StatusOK, w.Code)
	s.EqualValues(1, s.decode(w)["count"])

	w = s.request(http.MethodGet, "/api/v1/cluster/targets/jvm1", "")
	s.Equal(http.StatusOK, w.Code)
	body := s.decode(w)
	s.Equal("jvm1", body["alias"])
	s.Equal("owner", body["state"])
	s.Equal(true, body["owner"])
	collection, ok := body["collection"].(map[string]interface{})
	s.Require().True(ok)
	s.Equal(true, collection["collecting"])

	w = s.request(http.MethodGet, "/api/v1/cluster/targets/missing", "")
	s.Equal(http.StatusNotFound, w.Code)
}

func (s *ServerSuite) TestHistory() {
	w := s.request(http.MethodGet, "/api/v1/cluster/targets/jvm1/history?limit=5", "")
	s.Equal(http.StatusOK, w.Code)
	s.EqualValues(1, s.decode(w)["count"])
	s.Equal(5, s.audit.limit)

	w = s.request(http.MethodGet, "/api/v1/cluster/targets/jvm1/history?limit=-1", "")
	s.Equal(http.StatusBadRequest, w.Code)
}

func (s *ServerSuite) TestElect() {
	path := "/api/v1/cluster/targets/jvm1/elect"
	s.Equal(http.StatusUnauthorized, s.request(http.MethodPost, path, "").Code)

	viewer, err := s.tokens.Issue("bob", auth.RoleViewer)
	s.Require().NoError(err)
	s.Equal(http.StatusForbidden, s.request(http.MethodPost, path, viewer).Code)

	operator, err := s.tokens.Issue("alice", auth.RoleOperator)
	s.Require().NoError(err)
	s.Equal(http.StatusAccepted, s.request(http.MethodPost, path, operator).Code)
	s.Equal(http.StatusTooManyRequests, s.request(http.MethodPost, path, operator).Code)

	other, err := s.tokens.Issue("carol", auth.RoleOperator)
	s.Require().NoError(err)
	s.Equal(http.StatusNotFound, s.request(http.MethodPost, "/api/v1/cluster/targets/missing/elect", other).Code)

	// the owner keeps the lock across a manual election
	s.Eventually(func() bool {
		st, err := s.session.Target("jvm1")
		return err == nil && st.Owner
	}, 2*time.Second, 10*time.Millisecond)
}

func TestServerSuite(t *testing.T) {
	suite.Run(t, new(ServerSuite))
}

func TestHistory_WithoutAuditStore(t *testing.T) {
	gin.SetMode(gin.TestMode)
	srv := NewServer(Config{Cluster: stubCluster{}})
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/cluster/targets/x/history", nil))
	assert.Equal(t, http.StatusNotImplemented, w.Code)
}

func TestHealth_Disconnected(t *testing.T) {
	gin.SetMode(gin.TestMode)
	srv := NewServer(Config{Cluster: stubCluster{}})
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "disconnected")
}

type stubCluster struct{}

func (stubCluster) Connected() bool { return false }
func (stubCluster) Worker() cluster.WorkerInfo { return cluster.WorkerInfo{Alias: "w0"} }
func (stubCluster) Targets() []cluster.TargetStatus { return nil }
func (stubCluster) Misconfigured() map[string]string { return nil }
func (stubCluster) Elect(string) error { return cluster.ErrUnknownTarget }
func (stubCluster) Target(string) (cluster.TargetStatus, error) {
	return cluster.TargetStatus{}, cluster.ErrUnknownTarget
}
func (stubCluster) Workers(context.Context) ([]cluster.WorkerInfo, error) {
	return nil, cluster.ErrNotStarted
}
