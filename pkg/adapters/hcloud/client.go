package hcloud

import (
	"context"
	"fmt"

	"github.com/hetznercloud/hcloud-go/v2/hcloud"
)

// API is the subset of the Hetzner Cloud API the adapter needs.
type API interface {
	ListServers(ctx context.Context, labelSelector string) ([]*hcloud.Server, error)
	GetServer(ctx context.Context, id int64) (*hcloud.Server, error)
	CreateServer(ctx context.Context, opts hcloud.ServerCreateOpts) (*hcloud.Server, error)
	ChangeServerType(ctx context.Context, server *hcloud.Server, serverType string) error
	PowerOff(ctx context.Context, server *hcloud.Server) error
	PowerOn(ctx context.Context, server *hcloud.Server) error
	DeleteServer(ctx context.Context, server *hcloud.Server) error
	Ping(ctx context.Context) error
}

// apiClient implements API with hcloud-go.
type apiClient struct {
	client *hcloud.Client
}

// NewAPI creates an API client. An empty endpoint uses the public API.
func NewAPI(token, endpoint string) API {
	opts := []hcloud.ClientOption{
		hcloud.WithToken(token),
		hcloud.WithApplication("brokerd", "1"),
	}
	if endpoint != "" {
		opts = append(opts, hcloud.WithEndpoint(endpoint))
	}
	return &apiClient{client: hcloud.NewClient(opts...)}
}

// NewAPIFromClient wraps an existing hcloud client (useful for testing).
func NewAPIFromClient(client *hcloud.Client) API {
	return &apiClient{client: client}
}

func (c *apiClient) ListServers(ctx context.Context, labelSelector string) ([]*hcloud.Server, error) {
	servers, err := c.client.Server.AllWithOpts(ctx, hcloud.ServerListOpts{
		ListOpts: hcloud.ListOpts{LabelSelector: labelSelector},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list servers: %w", err)
	}
	return servers, nil
}

// GetServer returns nil without error when the server does not exist.
func (c *apiClient) GetServer(ctx context.Context, id int64) (*hcloud.Server, error) {
	server, _, err := c.client.Server.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get server: %w", err)
	}
	return server, nil
}

// CreateServer submits the create and returns without waiting for the
// action; readiness is observed through later describes.
func (c *apiClient) CreateServer(ctx context.Context, opts hcloud.ServerCreateOpts) (*hcloud.Server, error) {
	result, _, err := c.client.Server.Create(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create server: %w", err)
	}
	return result.Server, nil
}

func (c *apiClient) ChangeServerType(ctx context.Context, server *hcloud.Server, serverType string) error {
	action, _, err := c.client.Server.ChangeType(ctx, server, hcloud.ServerChangeTypeOpts{
		ServerType:  &hcloud.ServerType{Name: serverType},
		UpgradeDisk: false,
	})
	if err != nil {
		return fmt.Errorf("failed to change server type: %w", err)
	}
	if err := c.client.Action.WaitFor(ctx, action); err != nil {
		return fmt.Errorf("failed to wait for server type change: %w", err)
	}
	return nil
}

func (c *apiClient) PowerOff(ctx context.Context, server *hcloud.Server) error {
	action, _, err := c.client.Server.Poweroff(ctx, server)
	if err != nil {
		return fmt.Errorf("failed to poweroff server: %w", err)
	}
	if err := c.client.Action.WaitFor(ctx, action); err != nil {
		return fmt.Errorf("failed to wait for poweroff: %w", err)
	}
	return nil
}

func (c *apiClient) PowerOn(ctx context.Context, server *hcloud.Server) error {
	action, _, err := c.client.Server.Poweron(ctx, server)
	if err != nil {
		return fmt.Errorf("failed to poweron server: %w", err)
	}
	if err := c.client.Action.WaitFor(ctx, action); err != nil {
		return fmt.Errorf("failed to wait for poweron: %w", err)
	}
	return nil
}

// DeleteServer submits the delete; the server may still be listed as deleting.
func (c *apiClient) DeleteServer(ctx context.Context, server *hcloud.Server) error {
	if _, _, err := c.client.Server.DeleteWithResult(ctx, server); err != nil {
		return fmt.Errorf("failed to delete server: %w", err)
	}
	return nil
}

func (c *apiClient) Ping(ctx context.Context) error {
	if _, err := c.client.Location.All(ctx); err != nil {
		return fmt.Errorf("failed to reach hcloud api: %w", err)
	}
	return nil
}
