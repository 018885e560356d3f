package hcloud

import (
	"context"
	"errors"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/hetznercloud/hcloud-go/v2/hcloud"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/broker/pkg/engine"
)

// fakeAPI is an in-memory API keyed by server ID.
type fakeAPI struct {
	mu        sync.Mutex
	servers   map[int64]*hcloud.Server
	nextID    int64
	createErr error
	pingErr   error
	calls     []string
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{servers: make(map[int64]*hcloud.Server), nextID: 100}
}

func (f *fakeAPI) record(call string) {
	f.calls = append(f.calls, call)
}

func (f *fakeAPI) ListServers(ctx context.Context, selector string) ([]*hcloud.Server, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("list")

	want := map[string]string{}
	for _, part := range strings.Split(selector, ",") {
		kv := strings.SplitN(part, "=", 2)
		want[kv[0]] = kv[1]
	}
	var out []*hcloud.Server
	for _, s := range f.servers {
		match := true
		for k, v := range want {
			if s.Labels[k] != v {
				match = false
			}
		}
		if match {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeAPI) GetServer(ctx context.Context, id int64) (*hcloud.Server, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("get")
	return f.servers[id], nil
}

func (f *fakeAPI) CreateServer(ctx context.Context, opts hcloud.ServerCreateOpts) (*hcloud.Server, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("create")
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.nextID++
	status := hcloud.ServerStatusInitializing
	if opts.StartAfterCreate != nil && !*opts.StartAfterCreate {
		status = hcloud.ServerStatusOff
	}
	s := &hcloud.Server{
		ID:         f.nextID,
		Name:       opts.Name,
		Status:     status,
		ServerType: opts.ServerType,
		Labels:     opts.Labels,
	}
	s.PublicNet.IPv4.IP = net.ParseIP("203.0.113.10")
	f.servers[s.ID] = s
	return s, nil
}

func (f *fakeAPI) ChangeServerType(ctx context.Context, server *hcloud.Server, serverType string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("change_type:" + serverType)
	f.servers[server.ID].ServerType = &hcloud.ServerType{Name: serverType}
	return nil
}

func (f *fakeAPI) PowerOff(ctx context.Context, server *hcloud.Server) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("poweroff")
	f.servers[server.ID].Status = hcloud.ServerStatusOff
	return nil
}

func (f *fakeAPI) PowerOn(ctx context.Context, server *hcloud.Server) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("poweron")
	f.servers[server.ID].Status = hcloud.ServerStatusRunning
	return nil
}

func (f *fakeAPI) DeleteServer(ctx context.Context, server *hcloud.Server) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("delete")
	if _, ok := f.servers[server.ID]; !ok {
		return hcloud.Error{Code: hcloud.ErrorCodeNotFound, Message: "server not found"}
	}
	delete(f.servers, server.ID)
	return nil
}

func (f *fakeAPI) Ping(ctx context.Context) error {
	return f.pingErr
}

func (f *fakeAPI) setStatus(id string, status hcloud.ServerStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, _ := strconv.ParseInt(id, 10, 64)
	f.servers[n].Status = status
}

func vmSpec(resourceID string, attempt int, attrs engine.Attributes) engine.ResourceSpec {
	return engine.ResourceSpec{
		ResourceID:   resourceID,
		Tag:          engine.NewAttemptTag(resourceID, attempt),
		Name:         "Web Frontend",
		ResourceType: "vm",
		AccountID:    "acme",
		ProjectID:    "web",
		Attributes:   attrs,
	}
}

func TestCreateLabelsAndAdopts(t *testing.T) {
	api := newFakeAPI()
	a := NewWithAPI(Config{Location: "fsn1"}, api)
	ctx := context.Background()

	h, st, err := a.Create(ctx, vmSpec("r1", 1, engine.Attributes{"cores": 3}))
	require.NoError(t, err)
	assert.Equal(t, "101", h.BackendID)
	assert.Equal(t, engine.PhasePending, st.Phase)
	assert.Equal(t, "cx32", st.Properties["server_type"])
	assert.Equal(t, "203.0.113.10", st.Properties["ipv4"])

	server := api.servers[101]
	assert.Equal(t, "web-frontend", server.Name)
	assert.Equal(t, map[string]string{
		LabelResource: "r1",
		LabelAttempt:  "1",
		LabelAccount:  "acme",
		LabelProject:  "web",
	}, server.Labels)

	// Same attempt again adopts the server.
	h2, _, err := a.Create(ctx, vmSpec("r1", 1, engine.Attributes{"cores": 3}))
	require.NoError(t, err)
	assert.Equal(t, h.BackendID, h2.BackendID)
	assert.Len(t, api.servers, 1)

	// A new attempt creates a distinctly named server.
	_, _, err = a.Create(ctx, vmSpec("r1", 2, engine.Attributes{"cores": 3}))
	require.NoError(t, err)
	assert.Len(t, api.servers, 2)
	assert.Equal(t, "web-frontend-a2", api.servers[102].Name)
}

func TestCreateSuspendedStaysOff(t *testing.T) {
	api := newFakeAPI()
	a := NewWithAPI(Config{}, api)

	spec := vmSpec("r1", 1, nil)
	spec.Suspended = true
	_, st, err := a.Create(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, engine.PhaseSuspended, st.Phase)
}

func TestCreateErrors(t *testing.T) {
	api := newFakeAPI()
	a := NewWithAPI(Config{}, api)

	_, _, err := a.Create(context.Background(), vmSpec("r1", 1, engine.Attributes{"server_type": "cx99"}))
	assert.True(t, engine.IsInvalidRequest(err))
	assert.NotContains(t, api.calls, "create")

	api.createErr = hcloud.Error{Code: hcloud.ErrorCode("resource_limit_exceeded"), Message: "server limit reached"}
	_, _, err = a.Create(context.Background(), vmSpec("r1", 1, nil))
	assert.True(t, engine.IsPermanent(err))

	api.createErr = hcloud.Error{Code: hcloud.ErrorCodeRateLimitExceeded, Message: "slow down"}
	_, _, err = a.Create(context.Background(), vmSpec("r1", 1, nil))
	assert.True(t, engine.IsThrottled(err))
}

func TestDescribeByTagAndByID(t *testing.T) {
	api := newFakeAPI()
	a := NewWithAPI(Config{}, api)
	ctx := context.Background()

	h, _, err := a.Create(ctx, vmSpec("r1", 1, nil))
	require.NoError(t, err)
	api.setStatus(h.BackendID, hcloud.ServerStatusRunning)

	st, err := a.Describe(ctx, engine.BackendHandle{ResourceID: "r1", Tag: engine.NewAttemptTag("r1", 1)})
	require.NoError(t, err)
	assert.Equal(t, h.BackendID, st.BackendID)
	assert.Equal(t, engine.PhaseReady, st.Phase)

	_, err = a.Describe(ctx, engine.BackendHandle{ResourceID: "r1", Tag: engine.NewAttemptTag("r1", 2)})
	assert.True(t, engine.IsNotFound(err))

	_, err = a.Describe(ctx, engine.BackendHandle{ResourceID: "r1", BackendID: "999"})
	assert.True(t, engine.IsNotFound(err))

	_, err = a.Describe(ctx, engine.BackendHandle{ResourceID: "r1", BackendID: "abc"})
	assert.True(t, engine.IsPermanent(err))
}

func TestUpdateResizesAndSuspends(t *testing.T) {
	api := newFakeAPI()
	a := NewWithAPI(Config{}, api)
	ctx := context.Background()

	h, _, err := a.Create(ctx, vmSpec("r1", 1, engine.Attributes{"cores": 2}))
	require.NoError(t, err)
	api.setStatus(h.BackendID, hcloud.ServerStatusRunning)

	api.calls = nil
	st, err := a.Update(ctx, *h, vmSpec("r1", 1, engine.Attributes{"cores": 8}))
	require.NoError(t, err)
	assert.Equal(t, []string{"get", "poweroff", "change_type:cx42", "poweron", "get"}, api.calls)
	assert.Equal(t, engine.PhaseReady, st.Phase)
	assert.Equal(t, "cx42", st.Properties["server_type"])

	suspend := vmSpec("r1", 1, engine.Attributes{"cores": 8})
	suspend.Suspended = true
	api.calls = nil
	st, err = a.Update(ctx, *h, suspend)
	require.NoError(t, err)
	assert.Equal(t, []string{"get", "poweroff", "get"}, api.calls)
	assert.Equal(t, engine.PhaseSuspended, st.Phase)

	// Resizing a suspended server leaves it off.
	suspend.Attributes = engine.Attributes{"cores": 16}
	api.calls = nil
	st, err = a.Update(ctx, *h, suspend)
	require.NoError(t, err)
	assert.Equal(t, []string{"get", "change_type:cx52", "get"}, api.calls)
	assert.Equal(t, engine.PhaseSuspended, st.Phase)
}

func TestDestroy(t *testing.T) {
	api := newFakeAPI()
	a := NewWithAPI(Config{}, api)
	ctx := context.Background()

	h, _, err := a.Create(ctx, vmSpec("r1", 1, nil))
	require.NoError(t, err)

	require.NoError(t, a.Destroy(ctx, *h))
	assert.Empty(t, api.servers)

	// Absent servers are already destroyed.
	require.NoError(t, a.Destroy(ctx, *h))
	require.NoError(t, a.Destroy(ctx, engine.BackendHandle{ResourceID: "r2", Tag: engine.NewAttemptTag("r2", 1)}))
}

func TestAllocationFromCatalog(t *testing.T) {
	a := NewWithAPI(Config{ServerTypes: []ServerType{
		{Name: "big", Cores: 32, RAMGB: 128},
		{Name: "small", Cores: 1, RAMGB: 2, DiskGB: 20},
	}}, newFakeAPI())

	alloc, err := a.Allocation(engine.Attributes{"cores": 1})
	require.NoError(t, err)
	assert.Equal(t, engine.Allocation{
		engine.DimensionInstances: 1,
		engine.DimensionCores:     1,
		engine.DimensionRAMGB:     2,
		engine.DimensionStorageGB: 20,
	}, alloc)

	alloc, err = a.Allocation(engine.Attributes{"ram_gb": "64"})
	require.NoError(t, err)
	assert.Equal(t, float64(32), alloc[engine.DimensionCores])

	_, err = a.Allocation(engine.Attributes{"cores": 64})
	assert.True(t, engine.IsInvalidRequest(err))

	_, err = a.Allocation(engine.Attributes{"cores": -2})
	assert.True(t, engine.IsInvalidRequest(err))
}

func TestHealth(t *testing.T) {
	api := newFakeAPI()
	a := NewWithAPI(Config{}, api)
	require.NoError(t, a.Health(context.Background()))

	api.pingErr = errors.New("dial tcp: connection refused")
	assert.True(t, engine.IsTransient(a.Health(context.Background())))
}

func TestMapError(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		check func(error) bool
	}{
		{"not found", hcloud.Error{Code: hcloud.ErrorCodeNotFound}, engine.IsNotFound},
		{"rate limit", hcloud.Error{Code: hcloud.ErrorCodeRateLimitExceeded}, engine.IsThrottled},
		{"locked", hcloud.Error{Code: hcloud.ErrorCodeLocked}, engine.IsTransient},
		{"conflict", hcloud.Error{Code: hcloud.ErrorCodeConflict}, engine.IsTransient},
		{"unavailable", hcloud.Error{Code: hcloud.ErrorCodeResourceUnavailable}, engine.IsTransient},
		{"invalid input", hcloud.Error{Code: hcloud.ErrorCodeInvalidInput}, engine.IsPermanent},
		{"unauthorized", hcloud.Error{Code: hcloud.ErrorCode("unauthorized")}, engine.IsPermanent},
		{"network", errors.New("connection reset by peer"), engine.IsTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, tt.check(mapError("create", tt.err)))
		})
	}

	assert.ErrorIs(t, mapError("create", context.DeadlineExceeded), context.DeadlineExceeded)
	assert.Nil(t, mapError("create", nil))
}

func TestServerName(t *testing.T) {
	assert.Equal(t, "web-frontend", serverName("Web Frontend", 1))
	assert.Equal(t, "db-a3", serverName("db", 3))
	assert.Equal(t, "server", serverName("!!!", 1))
	assert.LessOrEqual(t, len(serverName(strings.Repeat("x", 80), 2)), 63)
}
