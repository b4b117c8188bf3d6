package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"giveawayd/fulfill"
	"giveawayd/sched"
)

type fakeSettlement struct {
	paused bool
}

func (f *fakeSettlement) Pause()  { f.paused = true }
func (f *fakeSettlement) Resume() { f.paused = false }
func (f *fakeSettlement) Status() fulfill.Status {
	return fulfill.Status{Paused: f.paused, Network: "ETH:137"}
}

type fakeJobs struct {
	triggered []string
	err       error
}

func (f *fakeJobs) Trigger(ctx context.Context, name string) error {
	if f.err != nil {
		return f.err
	}
	f.triggered = append(f.triggered, name)
	return nil
}

func newTestServer(t *testing.T, cfg Config) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(Handler(cfg))
	t.Cleanup(srv.Close)
	return srv
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t, Config{})
	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestStatusReportsSettlement(t *testing.T) {
	settlement := &fakeSettlement{paused: true}
	srv := newTestServer(t, Config{Settlement: settlement})

	resp, err := http.Get(srv.URL + "/status")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	var status fulfill.Status
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !status.Paused || status.Network != "ETH:137" {
		t.Fatalf("unexpected status: %+v", status)
	}
}

func TestPauseResume(t *testing.T) {
	settlement := &fakeSettlement{}
	srv := newTestServer(t, Config{Settlement: settlement})

	resp, err := http.Post(srv.URL+"/settlement/pause", "application/json", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !settlement.paused {
		t.Fatalf("pause: status=%d paused=%v", resp.StatusCode, settlement.paused)
	}

	resp, err = http.Post(srv.URL+"/settlement/resume", "application/json", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || settlement.paused {
		t.Fatalf("resume: status=%d paused=%v", resp.StatusCode, settlement.paused)
	}
}

func TestJobTrigger(t *testing.T) {
	jobs := &fakeJobs{}
	srv := newTestServer(t, Config{Jobs: jobs})

	resp, err := http.Post(srv.URL+"/jobs/settle/run", "application/json", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if len(jobs.triggered) != 1 || jobs.triggered[0] != "settle" {
		t.Fatalf("triggered = %v", jobs.triggered)
	}

	jobs.err = sched.ErrUnknownJob
	resp, err = http.Post(srv.URL+"/jobs/missing/run", "application/json", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}

	jobs.err = sched.ErrJobBusy
	resp, err = http.Post(srv.URL+"/jobs/settle/run", "application/json", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
}

func TestBearerTokenGuardsMutations(t *testing.T) {
	settlement := &fakeSettlement{}
	srv := newTestServer(t, Config{Settlement: settlement, BearerToken: "secret"})

	// No token: rejected.
	resp, err := http.Post(srv.URL+"/settlement/pause", "application/json", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}

	// Reads stay open.
	resp, err = http.Get(srv.URL + "/status")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status read = %d, want 200", resp.StatusCode)
	}

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/settlement/pause", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer secret")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !settlement.paused {
		t.Fatalf("authorized pause: status=%d paused=%v", resp.StatusCode, settlement.paused)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t, Config{})
	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}
