package docker

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/moby/moby/api/types/container"
	dockerclient "github.com/moby/moby/client"
)

// Client wraps the underlying Docker SDK client.
type Client struct {
	cli *dockerclient.Client
}

// ContainerSpec describes a container to create
type ContainerSpec struct {
	Name    string
	Image   string
	Cmd     []string
	Env     []string
	Labels  map[string]string
	Network string
	Binds   []string
}

// ContainerInfo is the subset of container state the agent uses
type ContainerInfo struct {
	ID     string
	Name   string
	State  string
	Labels map[string]string
}

// NewClient creates a docker client using environment variables and API negotiation.
func NewClient() (*Client, error) {
	cli, err := dockerclient.New(dockerclient.FromEnv)
	if err != nil {
		return nil, err
	}
	return &Client{cli: cli}, nil
}

func (c *Client) Close() error {
	if c.cli == nil {
		return nil
	}
	return c.cli.Close()
}

// Ping checks connectivity to the Docker daemon.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.cli.Ping(ctx, dockerclient.PingOptions{})
	return err
}

// ListContainers returns every container, running or not, that carries the
// label key
func (c *Client) ListContainers(ctx context.Context, labelKey string) ([]ContainerInfo, error) {
	result, err := c.cli.ContainerList(ctx, dockerclient.ContainerListOptions{All: true})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	var out []ContainerInfo
	for _, ct := range result.Items {
		if _, ok := ct.Labels[labelKey]; labelKey != "" && !ok {
			continue
		}
		name := ""
		if len(ct.Names) > 0 {
			name = strings.TrimPrefix(ct.Names[0], "/")
		}
		out = append(out, ContainerInfo{
			ID:     ct.ID,
			Name:   name,
			State:  string(ct.State),
			Labels: ct.Labels,
		})
	}
	return out, nil
}

// EnsureImage pulls image unless a local tag already matches
func (c *Client) EnsureImage(ctx context.Context, image string) error {
	result, err := c.cli.ImageList(ctx, dockerclient.ImageListOptions{})
	if err != nil {
		return fmt.Errorf("failed to list images: %w", err)
	}
	for _, img := range result.Items {
		for _, tag := range img.RepoTags {
			if tag == image {
				return nil
			}
		}
	}

	reader, err := c.cli.ImagePull(ctx, image, dockerclient.ImagePullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", image, err)
	}
	defer reader.Close()

	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("failed to read image pull output: %w", err)
	}
	return nil
}

// EnsureNetwork creates a bridge network unless it already exists
func (c *Client) EnsureNetwork(ctx context.Context, name string) error {
	networks, err := c.cli.NetworkList(ctx, dockerclient.NetworkListOptions{})
	if err != nil {
		return fmt.Errorf("failed to list networks: %w", err)
	}
	for _, n := range networks.Items {
		if n.Name == name {
			return nil
		}
	}
	if _, err := c.cli.NetworkCreate(ctx, name, dockerclient.NetworkCreateOptions{}); err != nil {
		return fmt.Errorf("failed to create network %s: %w", name, err)
	}
	return nil
}

// RemoveNetwork removes a network by name; a missing network is not an error
func (c *Client) RemoveNetwork(ctx context.Context, name string) error {
	networks, err := c.cli.NetworkList(ctx, dockerclient.NetworkListOptions{})
	if err != nil {
		return fmt.Errorf("failed to list networks: %w", err)
	}

	var networkID string
	for _, n := range networks.Items {
		if n.Name == name {
			networkID = n.ID
			break
		}
	}
	if networkID == "" {
		return nil
	}

	if _, err := c.cli.NetworkRemove(ctx, networkID, dockerclient.NetworkRemoveOptions{}); err != nil {
		return fmt.Errorf("failed to remove network %s: %w", name, err)
	}
	return nil
}

// CreateContainer creates a container from spec and returns its id
func (c *Client) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	hostConfig := &container.HostConfig{
		Binds: spec.Binds,
		RestartPolicy: container.RestartPolicy{
			Name: "unless-stopped",
		},
	}
	if spec.Network != "" {
		hostConfig.NetworkMode = container.NetworkMode(spec.Network)
	}

	resp, err := c.cli.ContainerCreate(ctx, dockerclient.ContainerCreateOptions{
		Name: spec.Name,
		Config: &container.Config{
			Image:  spec.Image,
			Cmd:    spec.Cmd,
			Env:    spec.Env,
			Labels: spec.Labels,
		},
		HostConfig: hostConfig,
	})
	if err != nil {
		return "", fmt.Errorf("failed to create container %s: %w", spec.Name, err)
	}
	return resp.ID, nil
}

// StartContainer starts a container by id
func (c *Client) StartContainer(ctx context.Context, id string) error {
	if _, err := c.cli.ContainerStart(ctx, id, dockerclient.ContainerStartOptions{}); err != nil {
		return fmt.Errorf("failed to start container %s: %w", shortID(id), err)
	}
	return nil
}

// StopContainer stops a container by id
func (c *Client) StopContainer(ctx context.Context, id string) error {
	if _, err := c.cli.ContainerStop(ctx, id, dockerclient.ContainerStopOptions{}); err != nil {
		return fmt.Errorf("failed to stop container %s: %w", shortID(id), err)
	}
	return nil
}

// RemoveContainer force-removes a container by id
func (c *Client) RemoveContainer(ctx context.Context, id string) error {
	if _, err := c.cli.ContainerRemove(ctx, id, dockerclient.ContainerRemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("failed to remove container %s: %w", shortID(id), err)
	}
	return nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
