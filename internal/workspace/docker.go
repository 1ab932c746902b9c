package workspace

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
)

// DockerDriver acquires a workspace by bind-mounting a fresh host temp
// directory into a throwaway container built from a fixed toolchain image,
// then idling the container (via a sleep command) for the lifetime of the
// workspace. Path returns the host directory, and nothing in this package
// executes commands inside the container. This is the
// teacher's DockerDispatcher narrowed from running a whole agent session
// inside the container down to owning one scoped directory: no prompt
// files, no agent/provider selection, no session-name bookkeeping beyond
// what's needed to stop and remove the container on release.
type DockerDriver struct {
	cli   *client.Client
	Image string
}

// NewDockerDriver builds a Docker client from the standard
// environment-based configuration. It does not contact the daemon, so an
// unreachable Docker daemon surfaces as an error from Acquire rather than
// from this constructor.
func NewDockerDriver(image string) (*DockerDriver, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("workspace: connect to docker: %w", err)
	}
	if image == "" {
		image = "forge-build:latest"
	}
	return &DockerDriver{cli: cli, Image: image}, nil
}

func (d *DockerDriver) Acquire(ctx context.Context, jobID string) (Workspace, error) {
	hostDir, err := os.MkdirTemp("", "forge-job-"+jobID+"-")
	if err != nil {
		return nil, fmt.Errorf("workspace: create host bind dir for job %s: %w", jobID, err)
	}

	name := fmt.Sprintf("forge-job-%s-%d", jobID, time.Now().UnixNano())
	resp, err := d.cli.ContainerCreate(ctx, &container.Config{
		Image:      d.Image,
		Cmd:        []string{"sleep", "infinity"},
		WorkingDir: "/workspace",
	}, &container.HostConfig{
		Mounts: []mount.Mount{
			{Type: mount.TypeBind, Source: hostDir, Target: "/workspace"},
		},
		AutoRemove: false,
	}, nil, nil, name)
	if err != nil {
		os.RemoveAll(hostDir)
		return nil, fmt.Errorf("workspace: create container for job %s: %w", jobID, err)
	}

	if err := d.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		os.RemoveAll(hostDir)
		return nil, fmt.Errorf("workspace: start container for job %s: %w", jobID, err)
	}

	return &dockerWorkspace{cli: d.cli, containerID: resp.ID, hostDir: hostDir}, nil
}

type dockerWorkspace struct {
	mu          sync.Mutex
	cli         *client.Client
	containerID string
	hostDir     string
	released    bool
}

func (w *dockerWorkspace) Path() string {
	return w.hostDir
}

func (w *dockerWorkspace) Release(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.released {
		return nil
	}
	w.released = true

	removeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := w.cli.ContainerRemove(removeCtx, w.containerID, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
		os.RemoveAll(w.hostDir)
		return fmt.Errorf("workspace: remove container %s: %w", w.containerID, err)
	}
	return os.RemoveAll(w.hostDir)
}
