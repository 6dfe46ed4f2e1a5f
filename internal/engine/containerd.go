package engine

import (
	"context"
	"fmt"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
)

// DefaultNamespace is the containerd namespace this engine operates in.
const DefaultNamespace = "dsr"

// DefaultSocketPath is the default containerd socket.
const DefaultSocketPath = "/run/containerd/containerd.sock"

// ContainerdEngine is the alternate engine driver, selected via
// DSR_ENGINE=containerd. It implements the same Engine surface as
// DockerEngine but talks to containerd directly; it has no network
// concept of its own, so EnsureNetwork is a no-op (containerd tasks on a
// single host already share the host network namespace assignment done
// by the CNI plugin configured on the daemon).
type ContainerdEngine struct {
	client    *containerd.Client
	namespace string
}

// NewContainerdEngine connects to a containerd socket.
func NewContainerdEngine(socketPath string) (*ContainerdEngine, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("connect to containerd: %w", err)
	}
	return &ContainerdEngine{client: client, namespace: DefaultNamespace}, nil
}

func (e *ContainerdEngine) Available(ctx context.Context) bool {
	ctx = namespaces.WithNamespace(ctx, e.namespace)
	_, err := e.client.Version(ctx)
	return err == nil
}

// EnsureNetwork is a no-op: containerd networking is configured at the
// daemon/CNI level, not per engine call.
func (e *ContainerdEngine) EnsureNetwork(ctx context.Context) error {
	return nil
}

func (e *ContainerdEngine) CreateAndStart(ctx context.Context, spec CreateSpec) (ContainerRef, error) {
	ctx = namespaces.WithNamespace(ctx, e.namespace)

	image, err := e.client.Pull(ctx, spec.Image, containerd.WithPullUnpack)
	if err != nil {
		return ContainerRef{}, fmt.Errorf("pull image %s: %w", spec.Image, err)
	}

	name := fmt.Sprintf("dsr-%s-%s-%s", spec.Service, spec.Version, randSuffix())

	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}

	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithEnv(env),
	}
	if len(spec.Command) > 0 {
		opts = append(opts, oci.WithProcessArgs(spec.Command...))
	}

	ctr, err := e.client.NewContainer(
		ctx,
		name,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(name+"-snapshot", image),
		containerd.WithNewSpec(opts...),
		containerd.WithContainerLabels(map[string]string{
			LabelService: spec.Service,
			LabelVersion: spec.Version,
		}),
	)
	if err != nil {
		return ContainerRef{}, fmt.Errorf("create container %s: %w", name, err)
	}

	task, err := ctr.NewTask(ctx, cio.NullIO)
	if err != nil {
		return ContainerRef{}, fmt.Errorf("create task for %s: %w", name, err)
	}
	if err := task.Start(ctx); err != nil {
		return ContainerRef{}, fmt.Errorf("start task for %s: %w", name, err)
	}

	return ContainerRef{ID: ctr.ID(), Name: name}, nil
}

func (e *ContainerdEngine) Remove(ctx context.Context, containerID string, force bool) error {
	ctx = namespaces.WithNamespace(ctx, e.namespace)

	ctr, err := e.client.LoadContainer(ctx, containerID)
	if err != nil {
		return nil
	}

	if task, err := ctr.Task(ctx, nil); err == nil {
		_, _ = task.Delete(ctx, containerd.WithProcessKill)
	}

	if err := ctr.Delete(ctx, containerd.WithSnapshotCleanup); err != nil {
		return fmt.Errorf("delete container %s: %w", containerID, err)
	}
	return nil
}

func (e *ContainerdEngine) ListByLabels(ctx context.Context, labels map[string]string) ([]ContainerRef, error) {
	ctx = namespaces.WithNamespace(ctx, e.namespace)

	var filterStrings []string
	for k, v := range labels {
		filterStrings = append(filterStrings, fmt.Sprintf(`labels."%s"=="%s"`, k, v))
	}

	containers, err := e.client.Containers(ctx, filterStrings...)
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}

	refs := make([]ContainerRef, 0, len(containers))
	for _, c := range containers {
		refs = append(refs, ContainerRef{ID: c.ID(), Name: c.ID()})
	}
	return refs, nil
}

func (e *ContainerdEngine) IsRunning(ctx context.Context, containerID string) bool {
	ctx = namespaces.WithNamespace(ctx, e.namespace)

	ctr, err := e.client.LoadContainer(ctx, containerID)
	if err != nil {
		return false
	}
	task, err := ctr.Task(ctx, nil)
	if err != nil {
		return false
	}
	status, err := task.Status(ctx)
	if err != nil {
		return false
	}
	return status.Status == containerd.Running
}

// Close releases the containerd client connection.
func (e *ContainerdEngine) Close() error {
	if e.client != nil {
		return e.client.Close()
	}
	return nil
}

var _ Engine = (*ContainerdEngine)(nil)
