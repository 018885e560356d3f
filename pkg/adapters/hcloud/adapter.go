// Package hcloud provides the IaaS backend: every resource is one Hetzner
// Cloud server. Servers are labelled with the resource ID and attempt number
// so a create whose response was lost can be found and adopted.
package hcloud

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/hetznercloud/hcloud-go/v2/hcloud"

	"github.com/openfroyo/broker/pkg/engine"
	"github.com/openfroyo/broker/pkg/telemetry"
)

// Label keys written on every server.
const (
	LabelResource = "broker-resource"
	LabelAttempt  = "broker-attempt"
	LabelAccount  = "broker-account"
	LabelProject  = "broker-project"
)

// Config configures the adapter.
type Config struct {
	// Name is the backend key; defaults to "hcloud".
	Name string `yaml:"name"`

	Token    string `yaml:"token" validate:"required"`
	Endpoint string `yaml:"endpoint"`

	// Location is the default datacenter location, e.g. "fsn1".
	Location string `yaml:"location"`

	// Image is the default OS image.
	Image string `yaml:"image"`

	SSHKeys []string `yaml:"ssh_keys"`

	ServerTypes []ServerType `yaml:"server_types" validate:"dive"`
}

// Adapter implements engine.Adapter on Hetzner Cloud.
type Adapter struct {
	name     string
	api      API
	catalog  *Catalog
	location string
	image    string
	sshKeys  []string
}

var _ engine.Adapter = (*Adapter)(nil)

// New creates an adapter using the real API.
func New(cfg Config) *Adapter {
	return NewWithAPI(cfg, NewAPI(cfg.Token, cfg.Endpoint))
}

// NewWithAPI creates an adapter over the given API (useful for testing).
func NewWithAPI(cfg Config, api API) *Adapter {
	name := cfg.Name
	if name == "" {
		name = "hcloud"
	}
	image := cfg.Image
	if image == "" {
		image = "ubuntu-24.04"
	}
	return &Adapter{
		name:     name,
		api:      api,
		catalog:  NewCatalog(cfg.ServerTypes),
		location: cfg.Location,
		image:    image,
		sshKeys:  cfg.SSHKeys,
	}
}

// Type implements engine.Adapter.
func (a *Adapter) Type() string {
	return a.name
}

// Create implements engine.Adapter. It lists servers by attempt labels first
// and adopts a match instead of creating a second server.
func (a *Adapter) Create(ctx context.Context, spec engine.ResourceSpec) (*engine.BackendHandle, *engine.BackendState, error) {
	st, err := a.catalog.Select(spec.Attributes)
	if err != nil {
		return nil, nil, err
	}

	existing, err := a.findByTag(ctx, spec.ResourceID, spec.Tag)
	if err != nil {
		return nil, nil, err
	}
	if existing != nil {
		telemetry.FromContext(ctx).WithResourceID(spec.ResourceID).
			WithBackend(a.name, strconv.FormatInt(existing.ID, 10)).
			Info("Adopting existing server for attempt")
		return a.handle(spec.ResourceID, spec.Tag, existing), a.state(existing), nil
	}

	_, attempt, err := spec.Tag.Parse()
	if err != nil {
		return nil, nil, engine.NewInvalidRequestError("invalid attempt tag", err)
	}

	labels := map[string]string{
		LabelResource: spec.ResourceID,
		LabelAttempt:  strconv.Itoa(attempt),
		LabelAccount:  labelValue(spec.AccountID),
	}
	if spec.ProjectID != "" {
		labels[LabelProject] = labelValue(spec.ProjectID)
	}

	opts := hcloud.ServerCreateOpts{
		Name:             serverName(spec.Name, attempt),
		ServerType:       &hcloud.ServerType{Name: st.Name},
		Image:            &hcloud.Image{Name: a.imageFor(spec.Attributes)},
		Labels:           labels,
		StartAfterCreate: hcloud.Ptr(!spec.Suspended),
	}
	if loc := a.locationFor(spec.Attributes); loc != "" {
		opts.Location = &hcloud.Location{Name: loc}
	}
	for _, key := range a.sshKeys {
		opts.SSHKeys = append(opts.SSHKeys, &hcloud.SSHKey{Name: key})
	}

	server, err := a.api.CreateServer(ctx, opts)
	if err != nil {
		return nil, nil, mapError("create", err)
	}
	return a.handle(spec.ResourceID, spec.Tag, server), a.state(server), nil
}

// Describe implements engine.Adapter.
func (a *Adapter) Describe(ctx context.Context, handle engine.BackendHandle) (*engine.BackendState, error) {
	server, err := a.resolve(ctx, handle)
	if err != nil {
		return nil, err
	}
	if server == nil {
		return nil, engine.NewNotFoundError("hcloud server", handleKey(handle))
	}
	return a.state(server), nil
}

// Update implements engine.Adapter. A resize powers the server off, changes
// the type and powers it on again unless the resource is suspended.
func (a *Adapter) Update(ctx context.Context, handle engine.BackendHandle, spec engine.ResourceSpec) (*engine.BackendState, error) {
	server, err := a.resolve(ctx, handle)
	if err != nil {
		return nil, err
	}
	if server == nil {
		return nil, engine.NewNotFoundError("hcloud server", handleKey(handle))
	}

	want, err := a.catalog.Select(spec.Attributes)
	if err != nil {
		return nil, err
	}

	running := server.Status == hcloud.ServerStatusRunning
	if server.ServerType == nil || server.ServerType.Name != want.Name {
		if running {
			if err := a.api.PowerOff(ctx, server); err != nil {
				return nil, mapError("poweroff", err)
			}
			running = false
		}
		if err := a.api.ChangeServerType(ctx, server, want.Name); err != nil {
			return nil, mapError("change_type", err)
		}
	}

	switch {
	case spec.Suspended && running:
		if err := a.api.PowerOff(ctx, server); err != nil {
			return nil, mapError("poweroff", err)
		}
	case !spec.Suspended && !running:
		if err := a.api.PowerOn(ctx, server); err != nil {
			return nil, mapError("poweron", err)
		}
	}

	fresh, err := a.api.GetServer(ctx, server.ID)
	if err != nil {
		return nil, mapError("get", err)
	}
	if fresh == nil {
		return nil, engine.NewNotFoundError("hcloud server", strconv.FormatInt(server.ID, 10))
	}
	return a.state(fresh), nil
}

// Destroy implements engine.Adapter.
func (a *Adapter) Destroy(ctx context.Context, handle engine.BackendHandle) error {
	server, err := a.resolve(ctx, handle)
	if err != nil {
		return err
	}
	if server == nil {
		return nil
	}
	if err := a.api.DeleteServer(ctx, server); err != nil {
		mapped := mapError("delete", err)
		if engine.IsNotFound(mapped) {
			return nil
		}
		return mapped
	}
	return nil
}

// PollUsage implements engine.Adapter. Servers are charged by reservation;
// Hetzner does not report metered consumption.
func (a *Adapter) PollUsage(ctx context.Context, handle engine.BackendHandle) ([]engine.UsageSample, error) {
	return nil, nil
}

// Allocation implements engine.Adapter.
func (a *Adapter) Allocation(attrs engine.Attributes) (engine.Allocation, error) {
	st, err := a.catalog.Select(attrs)
	if err != nil {
		return nil, err
	}
	return st.Allocation(), nil
}

// Health implements engine.Adapter.
func (a *Adapter) Health(ctx context.Context) error {
	if err := a.api.Ping(ctx); err != nil {
		return mapError("health", err)
	}
	return nil
}

// resolve finds the server by ID, falling back to the attempt labels when the
// ID was never recorded. It returns nil when no server exists.
func (a *Adapter) resolve(ctx context.Context, handle engine.BackendHandle) (*hcloud.Server, error) {
	if handle.BackendID != "" {
		id, err := strconv.ParseInt(handle.BackendID, 10, 64)
		if err != nil {
			return nil, engine.NewPermanentError(fmt.Sprintf("malformed server id %q", handle.BackendID), err)
		}
		server, err := a.api.GetServer(ctx, id)
		if err != nil {
			return nil, mapError("get", err)
		}
		return server, nil
	}
	return a.findByTag(ctx, handle.ResourceID, handle.Tag)
}

func (a *Adapter) findByTag(ctx context.Context, resourceID string, tag engine.AttemptTag) (*hcloud.Server, error) {
	selector := LabelResource + "=" + resourceID
	if tag != "" {
		_, attempt, err := tag.Parse()
		if err != nil {
			return nil, engine.NewInvalidRequestError("invalid attempt tag", err)
		}
		selector += "," + LabelAttempt + "=" + strconv.Itoa(attempt)
	}

	servers, err := a.api.ListServers(ctx, selector)
	if err != nil {
		return nil, mapError("list", err)
	}
	if len(servers) == 0 {
		return nil, nil
	}
	return servers[0], nil
}

func (a *Adapter) handle(resourceID string, tag engine.AttemptTag, server *hcloud.Server) *engine.BackendHandle {
	return &engine.BackendHandle{
		ResourceID: resourceID,
		BackendID:  strconv.FormatInt(server.ID, 10),
		Tag:        tag,
	}
}

func (a *Adapter) state(server *hcloud.Server) *engine.BackendState {
	props := map[string]string{
		"name": server.Name,
	}
	if server.ServerType != nil {
		props["server_type"] = server.ServerType.Name
	}
	if ip := server.PublicNet.IPv4.IP; ip != nil && !ip.IsUnspecified() {
		props["ipv4"] = ip.String()
	}
	if !server.Created.IsZero() {
		props["created_at"] = server.Created.UTC().Format(time.RFC3339)
	}
	if attempt, ok := server.Labels[LabelAttempt]; ok {
		props["attempt"] = attempt
	}

	return &engine.BackendState{
		BackendID:  strconv.FormatInt(server.ID, 10),
		Phase:      phaseOf(server.Status),
		Status:     string(server.Status),
		Properties: props,
		ObservedAt: time.Now().UTC(),
	}
}

// phaseOf maps server status to a backend phase. A powered-off server is
// reported suspended; the Reconciler compares that with the resource's flag.
func phaseOf(status hcloud.ServerStatus) engine.BackendPhase {
	switch status {
	case hcloud.ServerStatusRunning:
		return engine.PhaseReady
	case hcloud.ServerStatusOff:
		return engine.PhaseSuspended
	case hcloud.ServerStatusDeleting:
		return engine.PhaseTerminating
	default:
		return engine.PhasePending
	}
}

func (a *Adapter) imageFor(attrs engine.Attributes) string {
	if image := attrs.String("image"); image != "" {
		return image
	}
	return a.image
}

func (a *Adapter) locationFor(attrs engine.Attributes) string {
	if loc := attrs.String("location"); loc != "" {
		return loc
	}
	return a.location
}

func handleKey(handle engine.BackendHandle) string {
	if handle.BackendID != "" {
		return handle.BackendID
	}
	return string(handle.Tag)
}

var invalidName = regexp.MustCompile(`[^a-z0-9-]+`)

// serverName builds an RFC 1123 hostname. Later attempts get a suffix so they
// never collide with a server left behind by an earlier one.
func serverName(name string, attempt int) string {
	n := strings.Trim(invalidName.ReplaceAllString(strings.ToLower(name), "-"), "-")
	if n == "" {
		n = "server"
	}
	if attempt > 1 {
		n = fmt.Sprintf("%s-a%d", n, attempt)
	}
	if len(n) > 63 {
		n = strings.TrimRight(n[:63], "-")
	}
	return n
}

var invalidLabel = regexp.MustCompile(`[^A-Za-z0-9_.-]+`)

func labelValue(v string) string {
	v = invalidLabel.ReplaceAllString(v, "_")
	if len(v) > 63 {
		v = v[:63]
	}
	return v
}
