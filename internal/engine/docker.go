package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
)

// DockerEngine drives containers through the Docker Engine API. It is the
// default engine; restart policy is always "no" since self-healing is the
// reconciler's job, not the container runtime's.
type DockerEngine struct {
	cli         *client.Client
	networkName string
}

// NewDockerEngine connects to the Docker daemon using the standard
// environment (DOCKER_HOST, DOCKER_CERT_PATH, ...).
func NewDockerEngine(networkName string) (*DockerEngine, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &DockerEngine{cli: cli, networkName: networkName}, nil
}

func (e *DockerEngine) Available(ctx context.Context) bool {
	_, err := e.cli.Ping(ctx)
	return err == nil
}

func (e *DockerEngine) EnsureNetwork(ctx context.Context) error {
	if !e.Available(ctx) {
		return nil
	}
	networks, err := e.cli.NetworkList(ctx, network.ListOptions{
		Filters: filters.NewArgs(filters.Arg("name", e.networkName)),
	})
	if err != nil {
		return fmt.Errorf("list networks: %w", err)
	}
	for _, n := range networks {
		if n.Name == e.networkName {
			return nil
		}
	}
	_, err = e.cli.NetworkCreate(ctx, e.networkName, network.CreateOptions{Driver: "bridge"})
	if err != nil {
		return fmt.Errorf("create network %s: %w", e.networkName, err)
	}
	return nil
}

func (e *DockerEngine) CreateAndStart(ctx context.Context, spec CreateSpec) (ContainerRef, error) {
	if !e.Available(ctx) {
		return ContainerRef{}, fmt.Errorf("docker engine is not available")
	}
	if err := e.EnsureNetwork(ctx); err != nil {
		return ContainerRef{}, err
	}
	if err := e.pullIfMissing(ctx, spec.Image); err != nil {
		return ContainerRef{}, err
	}

	name := fmt.Sprintf("dsr-%s-%s-%s", spec.Service, spec.Version, randSuffix())

	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}

	exposed := nat.PortSet{}
	if spec.InternalPort > 0 {
		exposed[nat.Port(fmt.Sprintf("%d/tcp", spec.InternalPort))] = struct{}{}
	}

	cfg := &container.Config{
		Image:        spec.Image,
		Env:          env,
		Cmd:          spec.Command,
		ExposedPorts: exposed,
		Labels: map[string]string{
			LabelService: spec.Service,
			LabelVersion: spec.Version,
		},
	}

	hostCfg := &container.HostConfig{
		RestartPolicy: container.RestartPolicy{Name: "no"},
	}

	netCfg := &network.NetworkingConfig{
		EndpointsConfig: map[string]*network.EndpointSettings{
			e.networkName: {},
		},
	}

	created, err := e.cli.ContainerCreate(ctx, cfg, hostCfg, netCfg, nil, name)
	if err != nil {
		return ContainerRef{}, fmt.Errorf("create container %s: %w", name, err)
	}

	if err := e.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		_ = e.cli.ContainerRemove(ctx, created.ID, container.RemoveOptions{Force: true})
		return ContainerRef{}, fmt.Errorf("start container %s: %w", name, err)
	}

	return ContainerRef{ID: created.ID, Name: name}, nil
}

func (e *DockerEngine) Remove(ctx context.Context, containerID string, force bool) error {
	if !e.Available(ctx) {
		return nil
	}
	err := e.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: force})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("remove container %s: %w", containerID, err)
	}
	return nil
}

func (e *DockerEngine) ListByLabels(ctx context.Context, labels map[string]string) ([]ContainerRef, error) {
	if !e.Available(ctx) {
		return nil, nil
	}
	args := filters.NewArgs()
	for k, v := range labels {
		args.Add("label", fmt.Sprintf("%s=%s", k, v))
	}
	containers, err := e.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}
	refs := make([]ContainerRef, 0, len(containers))
	for _, c := range containers {
		name := c.ID
		if len(c.Names) > 0 {
			name = trimLeadingSlash(c.Names[0])
		}
		refs = append(refs, ContainerRef{ID: c.ID, Name: name})
	}
	return refs, nil
}

func (e *DockerEngine) IsRunning(ctx context.Context, containerID string) bool {
	if !e.Available(ctx) {
		return false
	}
	inspect, err := e.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return false
	}
	return inspect.State != nil && inspect.State.Running
}

func (e *DockerEngine) pullIfMissing(ctx context.Context, ref string) error {
	if _, _, err := e.cli.ImageInspectWithRaw(ctx, ref); err == nil {
		return nil
	}
	out, err := e.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", ref, err)
	}
	defer out.Close()
	buf := make([]byte, 4096)
	for {
		if _, err := out.Read(buf); err != nil {
			break
		}
	}
	return nil
}

func randSuffix() string {
	b := make([]byte, 3)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

func trimLeadingSlash(s string) string {
	if len(s) > 0 && s[0] == '/' {
		return s[1:]
	}
	return s
}

var _ Engine = (*DockerEngine)(nil)
