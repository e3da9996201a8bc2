// Package dockerapi wraps the Docker Engine API with the handful of
// operations framework handlers need: container lifecycle, exec sessions
// with collected output, image presence, and a running-name snapshot for
// the reconciler. No retry policy lives here; that belongs to callers.
package dockerapi

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
)

// stopTimeout is how long to wait for graceful container stop before SIGKILL.
const stopTimeout = 10 * time.Second

// Client wraps a Docker Engine API client bound to one bridge network.
type Client struct {
	cli     *dockerclient.Client
	network string
}

// New creates a client from the environment (DOCKER_HOST or the default
// socket) with API version negotiation, attached to the given network name.
func New(networkName string) (*Client, error) {
	cli, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &Client{cli: cli, network: networkName}, nil
}

// IsNotFound reports whether err means the referenced container, image, or
// exec session does not exist. Callers treat this as already-absent on
// idempotent stop/remove paths.
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}
	if dockerclient.IsErrNotFound(err) {
		return true
	}
	// Raw daemon errors surface as strings when they cross process
	// boundaries (handler -> reconciler log -> terminal reply).
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "no such container") || strings.Contains(msg, "404")
}

// Network returns the bridge network this client attaches containers to.
func (c *Client) Network() string {
	return c.network
}

// EnsureNetwork creates the bridge network if it does not exist yet.
func (c *Client) EnsureNetwork(ctx context.Context) error {
	nets, err := c.cli.NetworkList(ctx, network.ListOptions{
		Filters: filters.NewArgs(filters.Arg("name", c.network)),
	})
	if err != nil {
		return fmt.Errorf("list networks: %w", err)
	}
	for _, n := range nets {
		if n.Name == c.network {
			return nil
		}
	}
	_, err = c.cli.NetworkCreate(ctx, c.network, network.CreateOptions{
		Driver:     "bridge",
		Attachable: true,
	})
	if err != nil {
		return fmt.Errorf("create network %q: %w", c.network, err)
	}
	return nil
}

// RunningContainerNames returns the set of currently running container
// names. The reconciler takes this snapshot once per tick.
func (c *Client) RunningContainerNames(ctx context.Context) (map[string]bool, error) {
	containers, err := c.cli.ContainerList(ctx, container.ListOptions{All: true})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}
	running := make(map[string]bool, len(containers))
	for _, ct := range containers {
		if strings.ToLower(ct.State) != "running" {
			continue
		}
		for _, name := range ct.Names {
			running[strings.TrimPrefix(name, "/")] = true
		}
	}
	return running, nil
}

// IsRunning reports whether the named container exists and is running.
func (c *Client) IsRunning(ctx context.Context, name string) (bool, error) {
	info, err := c.cli.ContainerInspect(ctx, name)
	if err != nil {
		if dockerclient.IsErrNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("inspect container %s: %w", name, err)
	}
	return info.State != nil && info.State.Running, nil
}

// PortBinding publishes one container port on a host port, bound to hostIP.
type PortBinding struct {
	HostIP        string
	HostPort      int
	ContainerPort int
}

// ContainerSpec describes a container to create and start.
type ContainerSpec struct {
	Name   string
	Image  string
	Cmd    []string
	Env    []string
	User   string
	Binds  []string
	Ports  []PortBinding
	Labels map[string]string

	// Security posture, resolved by the handlers package.
	CapAdd          []string
	CapDropAll      bool
	ReadonlyRootfs  bool
	NoNewPrivileges bool
	Tmpfs           map[string]string
}

// CreateAndStart creates a container from spec, attaches it to the client's
// network, and starts it. On start failure the created container is removed
// so a retry does not collide with a half-made name.
func (c *Client) CreateAndStart(ctx context.Context, spec ContainerSpec) (string, error) {
	if spec.Image == "" {
		return "", fmt.Errorf("spec.Image is required")
	}

	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for _, p := range spec.Ports {
		port, err := nat.NewPort("tcp", fmt.Sprintf("%d", p.ContainerPort))
		if err != nil {
			return "", fmt.Errorf("port %d: %w", p.ContainerPort, err)
		}
		exposed[port] = struct{}{}
		bindings[port] = append(bindings[port], nat.PortBinding{
			HostIP:   p.HostIP,
			HostPort: fmt.Sprintf("%d", p.HostPort),
		})
	}

	containerCfg := &container.Config{
		Image:        spec.Image,
		Cmd:          spec.Cmd,
		Env:          spec.Env,
		User:         spec.User,
		Labels:       spec.Labels,
		ExposedPorts: exposed,
	}

	hostCfg := &container.HostConfig{
		Binds:          spec.Binds,
		PortBindings:   bindings,
		RestartPolicy:  container.RestartPolicy{Name: "unless-stopped"},
		CapAdd:         spec.CapAdd,
		ReadonlyRootfs: spec.ReadonlyRootfs,
	}
	if spec.CapDropAll {
		hostCfg.CapDrop = []string{"ALL"}
	}
	if spec.NoNewPrivileges {
		hostCfg.SecurityOpt = []string{"no-new-privileges"}
	}
	if len(spec.Tmpfs) > 0 {
		hostCfg.Tmpfs = spec.Tmpfs
	}

	networkCfg := &network.NetworkingConfig{
		EndpointsConfig: map[string]*network.EndpointSettings{
			c.network: {},
		},
	}

	resp, err := c.cli.ContainerCreate(ctx, containerCfg, hostCfg, networkCfg, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("create container %s: %w", spec.Name, err)
	}

	if err := c.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = c.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return "", fmt.Errorf("start container %s: %w", spec.Name, err)
	}

	return resp.ID, nil
}

// Stop gracefully stops a container, escalating to SIGKILL after the stop
// timeout.
func (c *Client) Stop(ctx context.Context, name string) error {
	timeout := int(stopTimeout.Seconds())
	if err := c.cli.ContainerStop(ctx, name, container.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("stop container %s: %w", name, err)
	}
	return nil
}

// Remove force-removes a container. An absent container is not an error.
func (c *Client) Remove(ctx context.Context, name string) error {
	err := c.cli.ContainerRemove(ctx, name, container.RemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	})
	if err != nil && !dockerclient.IsErrNotFound(err) {
		return fmt.Errorf("remove container %s: %w", name, err)
	}
	return nil
}

// EnsureImage makes sure an image is available locally, pulling it when the
// local inspect misses.
func (c *Client) EnsureImage(ctx context.Context, ref string) error {
	if _, _, err := c.cli.ImageInspectWithRaw(ctx, ref); err == nil {
		return nil
	}
	reader, err := c.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", ref, err)
	}
	defer reader.Close()
	// The pull completes only once the progress stream is drained.
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("pull image %s: %w", ref, err)
	}
	return nil
}

// ExecOptions describes a command run inside a running container.
type ExecOptions struct {
	Cmd        []string
	Env        []string
	WorkingDir string
	Tty        bool
}

// Exec creates and runs an exec session in the named container and returns
// the combined output once the command finishes.
func (c *Client) Exec(ctx context.Context, containerName string, opts ExecOptions) (string, error) {
	created, err := c.cli.ContainerExecCreate(ctx, containerName, container.ExecOptions{
		Cmd:          opts.Cmd,
		Env:          opts.Env,
		WorkingDir:   opts.WorkingDir,
		Tty:          opts.Tty,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return "", fmt.Errorf("create exec in %s: %w", containerName, err)
	}

	attach, err := c.cli.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{Tty: opts.Tty})
	if err != nil {
		return "", fmt.Errorf("start exec in %s: %w", containerName, err)
	}
	defer attach.Close()

	var out strings.Builder
	if opts.Tty {
		// With a TTY stdout and stderr share one raw stream.
		if _, err := io.Copy(&out, attach.Reader); err != nil {
			return "", fmt.Errorf("read exec output: %w", err)
		}
	} else {
		// Without a TTY the stream is multiplexed; demux both into one buffer.
		if _, err := stdcopy.StdCopy(&out, &out, attach.Reader); err != nil {
			return "", fmt.Errorf("read exec output: %w", err)
		}
	}

	return out.String(), nil
}
