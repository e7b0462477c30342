// Copyright 2021-2022 Peter Bigot Consulting, LLC
// SPDX-License-Identifier: Apache-2.0

package influxpool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/influxdata/influxdb-client-go/v2" // influxdb2
	"github.com/influxdata/influxdb-client-go/v2/api"
	http2 "github.com/influxdata/influxdb-client-go/v2/api/http"
	"github.com/influxdata/influxdb-client-go/v2/domain"
	lw "github.com/pabigot/logwrap"

	svcInfluxCfg "github.com/pabigot/svcutil/influxpool/config"
)

// Run standard verification of expected errors, i.e. that err is an
// error and its text contains errstr.
func confirmError(t *testing.T, err error, base error, errstr string) {
	t.Helper()
	if err == nil {
		t.Fatalf("succeed, expected error %s", errstr)
	}
	if base != nil && !errors.Is(err, base) {
		t.Fatalf("err not from %s: %T: %s", base, err, err)
	}
	if testing.Verbose() {
		t.Logf("Error=`%v`", err.Error())
	}
	if !strings.Contains(err.Error(), errstr) {
		t.Fatalf("failed, missing %s: %v", errstr, err)
	}
}

func debugLogMaker(inst interface{}) lw.Logger {
	logger := lw.LogLogMaker(inst)
	logger.SetPriority(lw.Debug)
	lgr := logger.(*lw.LogLogger).Instance()
	lgr.SetFlags(lgr.Flags() | log.Lmicroseconds)
	return logger
}

func cancelledContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return ctx
}

type mockClient struct {
	setup             func(ctx context.Context, username, password, org, bucket string, retentionPeriodHours int) (*domain.OnboardingResponse, error)
	ready             func(ctx context.Context) (*domain.Ready, error)
	health            func(ctx context.Context) (*domain.HealthCheck, error)
	ping              func(ctx context.Context) (bool, error)
	close             func()
	options           func() *influxdb2.Options
	serverURL         func() string
	httpService       func() http2.Service
	writeAPI          func(org, bucket string) api.WriteAPI
	writeAPIBlocking  func(org, bucket string) api.WriteAPIBlocking
	queryAPI          func(org string) api.QueryAPI
	authorizationsAPI func() api.AuthorizationsAPI
	organizationsAPI  func() api.OrganizationsAPI
	usersAPI          func() api.UsersAPI
	deleteAPI         func() api.DeleteAPI
	bucketsAPI        func() api.BucketsAPI
	labelsAPI         func() api.LabelsAPI
	tasksAPI          func() api.TasksAPI
}

func (m *mockClient) Setup(ctx context.Context, username, password, org, bucket string, retentionPeriodHours int) (*domain.OnboardingResponse, error) {
	return m.setup(ctx, username, password, org, bucket, retentionPeriodHours)
}
func (m *mockClient) Ready(ctx context.Context) (*domain.Ready, error) {
	return m.ready(ctx)
}
func (m *mockClient) Health(ctx context.Context) (*domain.HealthCheck, error) {
	return m.health(ctx)
}
func (m *mockClient) Ping(ctx context.Context) (bool, error) {
	return m.ping(ctx)
}
func (m *mockClient) Close() {
	m.close()
}
func (m *mockClient) Options() *influxdb2.Options {
	return m.options()
}
func (m *mockClient) ServerURL() string {
	return m.serverURL()
}
func (m *mockClient) HTTPService() http2.Service {
	return m.httpService()
}
func (m *mockClient) WriteAPI(org, bucket string) api.WriteAPI {
	return m.writeAPI(org, bucket)
}
func (m *mockClient) WriteAPIBlocking(org, bucket string) api.WriteAPIBlocking {
	return m.writeAPIBlocking(org, bucket)
}
func (m *mockClient) QueryAPI(org string) api.QueryAPI {
	return m.queryAPI(org)
}
func (m *mockClient) AuthorizationsAPI() api.AuthorizationsAPI {
	return m.authorizationsAPI()
}
func (m *mockClient) OrganizationsAPI() api.OrganizationsAPI {
	return m.organizationsAPI()
}
func (m *mockClient) UsersAPI() api.UsersAPI {
	return m.usersAPI()
}
func (m *mockClient) DeleteAPI() api.DeleteAPI {
	return m.deleteAPI()
}
func (m *mockClient) BucketsAPI() api.BucketsAPI {
	return m.bucketsAPI()
}
func (m *mockClient) LabelsAPI() api.LabelsAPI {
	return m.labelsAPI()
}
func (m *mockClient) TasksAPI() api.TasksAPI {
	return m.tasksAPI()
}

func defaultedMockClient(mc *mockClient) *mockClient {
	if mc == nil {
		// Minimum client answers pings
		mc = &mockClient{}
	}
	if mc.ping == nil {
		mc.ping = func(ctx context.Context) (bool, error) {
			return true, nil
		}
	}
	if mc.close == nil {
		mc.close = func() {}
	}
	return mc
}

// mockPool creates a pool with one mock client per host.  The clients are
// returned in host order.
func mockPool(t *testing.T, hosts ...string) (*ServerPool, []*mockClient) {
	t.Helper()
	ep, err := svcInfluxCfg.ParseURL("http://" + strings.Join(hosts, ",") + "/db")
	if err != nil {
		t.Fatalf("parse: %s", err.Error())
	}
	var mcs []*mockClient
	pool := newServerPool(ep, func(url string) influxdb2.Client {
		mc := defaultedMockClient(nil)
		mcs = append(mcs, mc)
		return mc
	})
	return pool, mcs
}

// recordedRequest captures what a fake server received.
type recordedRequest struct {
	Method string
	Path   string
	Query  url.Values
	Header http.Header
	Body   string
}

// fakeInflux is an InfluxDB 1.x HTTP API reduced to what the client uses.
// Unless overridden writes succeed and every query statement produces an
// empty result.
type fakeInflux struct {
	srv *httptest.Server

	mu    sync.Mutex
	reqs  []recordedRequest
	write func(w http.ResponseWriter, rr recordedRequest)
	query func(w http.ResponseWriter, rr recordedRequest, q string)
}

func newFakeInflux(t *testing.T) *fakeInflux {
	t.Helper()
	fi := &fakeInflux{}
	fi.srv = httptest.NewServer(http.HandlerFunc(fi.serve))
	t.Cleanup(fi.srv.Close)
	return fi
}

// hostPort returns the authority of the fake server.
func (fi *fakeInflux) hostPort() string {
	return strings.TrimPrefix(fi.srv.URL, "http://")
}

func (fi *fakeInflux) requests() []recordedRequest {
	fi.mu.Lock()
	defer fi.mu.Unlock()
	return append([]recordedRequest(nil), fi.reqs...)
}

// requestsTo returns the requests other than pings.
func (fi *fakeInflux) requestsTo(path string) []recordedRequest {
	var rv []recordedRequest
	for _, rr := range fi.requests() {
		if rr.Path == path {
			rv = append(rv, rr)
		}
	}
	return rv
}

func (fi *fakeInflux) setWrite(fn func(w http.ResponseWriter, rr recordedRequest)) {
	fi.mu.Lock()
	fi.write = fn
	fi.mu.Unlock()
}

func (fi *fakeInflux) setQuery(fn func(w http.ResponseWriter, rr recordedRequest, q string)) {
	fi.mu.Lock()
	fi.query = fn
	fi.mu.Unlock()
}

func (fi *fakeInflux) serve(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	rr := recordedRequest{
		Method: r.Method,
		Path:   r.URL.Path,
		Query:  r.URL.Query(),
		Header: r.Header.Clone(),
		Body:   string(body),
	}
	fi.mu.Lock()
	fi.reqs = append(fi.reqs, rr)
	write := fi.write
	query := fi.query
	fi.mu.Unlock()

	w.Header().Set("X-Influxdb-Version", "1.8.10")
	switch rr.Path {
	case "/ping":
		w.WriteHeader(http.StatusNoContent)
	case "/write":
		if write != nil {
			write(w, rr)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case "/query":
		q := rr.Query.Get("q")
		if rr.Method == http.MethodPost && q == "" {
			if form, err := url.ParseQuery(rr.Body); err == nil {
				q = form.Get("q")
			}
		}
		if query != nil {
			query(w, rr, q)
			return
		}
		writeResults(w, emptyResults(q))
	default:
		http.NotFound(w, r)
	}
}

func emptyResults(q string) []Result {
	n := strings.Count(q, ";") + 1
	rv := make([]Result, n)
	for i := range rv {
		rv[i].StatementID = i
	}
	return rv
}

func writeResults(w http.ResponseWriter, results []Result) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(Response{Results: results})
}

func writeStatus(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("X-Influxdb-Error", msg)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"error":%q}`+"\n", msg)
}

// newTestClient creates a client for the given servers.  tweak may adjust
// the configuration before the client is created.
func newTestClient(t *testing.T, tweak func(cfg *svcInfluxCfg.Client), hosts ...string) *Client {
	t.Helper()
	cfg := &svcInfluxCfg.Client{
		Id:  t.Name(),
		URL: "http://" + strings.Join(hosts, ",") + "/mydb",
	}
	if tweak != nil {
		tweak(cfg)
	}
	c, err := NewClient(cfg, nil, debugLogMaker)
	if err != nil {
		t.Fatalf("NewClient: %s", err.Error())
	}
	t.Cleanup(c.Close)
	return c
}

// deadHost returns the authority of a server that is no longer listening.
func deadHost(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.NotFoundHandler())
	hp := strings.TrimPrefix(srv.URL, "http://")
	srv.Close()
	return hp
}
