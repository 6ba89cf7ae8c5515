package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helixfarm/helix/agent"
	"github.com/helixfarm/helix/cluster"
	"github.com/helixfarm/helix/common/stats"
	"github.com/helixfarm/helix/scheduler/domain"
	"github.com/helixfarm/helix/scheduler/server"
)

// stubScheduler records calls and replays canned results.
type stubScheduler struct {
	scheduleErr error
	killedJob   string
	statusView  *domain.JobStatusView
	statusErr   error
	atRisk      []string
	deadlines   map[string]time.Time
	quotas      []domain.TenantQuota
	heartbeats  []agent.Heartbeat
}

var _ server.Scheduler = (*stubScheduler)(nil)

func (s *stubScheduler) ScheduleJob(def domain.JobDefinition) (string, error) {
	if s.scheduleErr != nil {
		return "", s.scheduleErr
	}
	return "job-1", nil
}

func (s *stubScheduler) KillJob(jobId string) error {
	s.killedJob = jobId
	return nil
}

func (s *stubScheduler) GetJobStatus(jobId string) (*domain.JobStatusView, error) {
	return s.statusView, s.statusErr
}

func (s *stubScheduler) ListAtRiskJobs() ([]string, error) {
	return s.atRisk, nil
}

func (s *stubScheduler) UpdateDeadline(jobId string, deadline time.Time) error {
	if s.deadlines == nil {
		s.deadlines = map[string]time.Time{}
	}
	s.deadlines[jobId] = deadline
	return nil
}

func (s *stubScheduler) SetTenantQuota(quota domain.TenantQuota) error {
	s.quotas = append(s.quotas, quota)
	return nil
}

func (s *stubScheduler) RegisterHook(name string, hook server.HookFn) {}

func (s *stubScheduler) HeartbeatSink() agent.HeartbeatSink {
	return func(hb agent.Heartbeat) { s.heartbeats = append(s.heartbeats, hb) }
}

type stubNodes struct {
	offlined, reinstated []cluster.NodeId
}

func (n *stubNodes) OfflineNode(id cluster.NodeId)   { n.offlined = append(n.offlined, id) }
func (n *stubNodes) ReinstateNode(id cluster.NodeId) { n.reinstated = append(n.reinstated, id) }

func apiFixture() (*stubScheduler, *stubNodes, *httptest.Server) {
	sched := &stubScheduler{}
	nodes := &stubNodes{}
	srv := NewServer(sched, nodes, stats.NilStatsReceiver())
	return sched, nodes, httptest.NewServer(srv.Handler())
}

func doJSON(t *testing.T, method, url string, body interface{}) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func Test_API_SubmitJob(t *testing.T) {
	_, _, ts := apiFixture()
	defer ts.Close()

	def := domain.JobDefinition{
		TenantID: "anim",
		Deadline: time.Now().Add(time.Hour),
		Tasks: []domain.TaskDefinition{{
			TaskID:    "t1",
			Resources: cluster.ResourceVector{CPUCores: 1, MemoryGB: 1},
		}},
	}
	resp := doJSON(t, http.MethodPost, ts.URL+"/api/v1/jobs", def)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		JobID string `json:"jobId"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "job-1", out.JobID)
}

func Test_API_ErrorMapping(t *testing.T) {
	testCases := []struct {
		name     string
		err      error
		wantCode int
	}{
		{"infeasible", domain.NewInfeasibleRequest("cycle"), http.StatusBadRequest},
		{"quota exhausted", domain.NewQuotaExhausted("anim", "too many jobs"), http.StatusTooManyRequests},
		{"internal", assert.AnError, http.StatusInternalServerError},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			sched, _, ts := apiFixture()
			defer ts.Close()
			sched.scheduleErr = tc.err

			resp := doJSON(t, http.MethodPost, ts.URL+"/api/v1/jobs", domain.JobDefinition{})
			defer resp.Body.Close()
			assert.Equal(t, tc.wantCode, resp.StatusCode)

			var out struct {
				Error string `json:"error"`
			}
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
			assert.NotEmpty(t, out.Error)
		})
	}
}

func Test_API_StatusNotFound(t *testing.T) {
	sched, _, ts := apiFixture()
	defer ts.Close()
	sched.statusErr = domain.ErrJobNotFound

	resp := doJSON(t, http.MethodGet, ts.URL+"/api/v1/jobs/ghost", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func Test_API_StatusAndAtRisk(t *testing.T) {
	sched, _, ts := apiFixture()
	defer ts.Close()
	sched.statusView = &domain.JobStatusView{JobID: "job-1", Status: domain.JobRunning, AtRisk: true}
	sched.atRisk = []string{"job-1"}

	resp := doJSON(t, http.MethodGet, ts.URL+"/api/v1/jobs/job-1", nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var view domain.JobStatusView
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&view))
	assert.Equal(t, "job-1", view.JobID)
	assert.True(t, view.AtRisk)

	// The static at-risk route must not be shadowed by the {id} route.
	resp = doJSON(t, http.MethodGet, ts.URL+"/api/v1/jobs/at-risk", nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out struct {
		JobIDs []string `json:"jobIds"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, []string{"job-1"}, out.JobIDs)
}

func Test_API_KillAndDeadline(t *testing.T) {
	sched, _, ts := apiFixture()
	defer ts.Close()

	resp := doJSON(t, http.MethodDelete, ts.URL+"/api/v1/jobs/job-9", nil)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "job-9", sched.killedJob)

	newDeadline := time.Now().Add(4 * time.Hour).UTC().Round(0)
	resp = doJSON(t, http.MethodPut, ts.URL+"/api/v1/jobs/job-9/deadline",
		map[string]time.Time{"deadline": newDeadline})
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, sched.deadlines["job-9"].Equal(newDeadline))
}

func Test_API_HeartbeatFeedsSink(t *testing.T) {
	sched, _, ts := apiFixture()
	defer ts.Close()

	hb := agent.Heartbeat{JobID: "job-1", TaskID: "t1", Progress: 0.5, PreviewRef: "preview://n1/t1"}
	resp := doJSON(t, http.MethodPost, ts.URL+"/api/v1/heartbeat", hb)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.Len(t, sched.heartbeats, 1)
	assert.Equal(t, hb, sched.heartbeats[0])
}

func Test_API_NodeControl(t *testing.T) {
	_, nodes, ts := apiFixture()
	defer ts.Close()

	resp := doJSON(t, http.MethodPost, ts.URL+"/api/v1/nodes/render01/offline", nil)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doJSON(t, http.MethodPost, ts.URL+"/api/v1/nodes/render01/reinstate", nil)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, []cluster.NodeId{"render01"}, nodes.offlined)
	assert.Equal(t, []cluster.NodeId{"render01"}, nodes.reinstated)
}

func Test_API_MalformedBody(t *testing.T) {
	_, _, ts := apiFixture()
	defer ts.Close()

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/api/v1/jobs", bytes.NewBufferString("{not json"))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
