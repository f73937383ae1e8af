package sandbox

import (
	"context"
	"fmt"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"

	warrenlog "github.com/warren-run/warren/pkg/log"
)

const groupLabel = "warren.group"

// DockerConfig describes how sandbox containers are created.
type DockerConfig struct {
	Image   string
	Cmd     []string
	Env     map[string]string
	Workdir string
}

// DockerRunner runs one container per group, labeled with the group key
// so orphans can be found again after a daemon restart.
type DockerRunner struct {
	cli *client.Client
	cfg DockerConfig
}

// NewDockerRunner connects to the Docker daemon using the standard
// environment configuration.
func NewDockerRunner(cfg DockerConfig) (*DockerRunner, error) {
	if cfg.Image == "" {
		return nil, fmt.Errorf("sandbox image is required")
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &DockerRunner{cli: cli, cfg: cfg}, nil
}

// Start creates and starts a container for the group, or re-attaches to
// a running container carrying the group label (warm reuse).
func (r *DockerRunner) Start(ctx context.Context, group, sessionToken string) (Handle, error) {
	if id, ok, err := r.findRunning(ctx, group); err != nil {
		return nil, err
	} else if ok {
		warrenlog.Debug("reusing warm sandbox", "group", group, "container", shortID(id))
		return r.attach(id), nil
	}

	env := []string{
		"WARREN_GROUP=" + group,
	}
	if sessionToken != "" {
		env = append(env, "WARREN_SESSION="+sessionToken)
	}
	for k, v := range r.cfg.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	resp, err := r.cli.ContainerCreate(ctx, &container.Config{
		Image:      r.cfg.Image,
		Cmd:        r.cfg.Cmd,
		Env:        env,
		WorkingDir: r.cfg.Workdir,
		Labels:     map[string]string{groupLabel: group},
		Tty:        false,
	}, &container.HostConfig{
		AutoRemove: true,
	}, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("failed to create sandbox container: %w", err)
	}

	if err := r.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		// Best effort: a created-but-unstarted container would otherwise linger.
		_ = r.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("failed to start sandbox container: %w", err)
	}

	warrenlog.Info("sandbox started", "group", group, "container", shortID(resp.ID))
	return r.attach(resp.ID), nil
}

// ReapOrphans kills and removes every container carrying the group
// label. Called once on startup: any sandbox found at that point
// predates this process and has no queue entry owning it.
func (r *DockerRunner) ReapOrphans(ctx context.Context) error {
	args := filters.NewArgs(filters.Arg("label", groupLabel))
	list, err := r.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return fmt.Errorf("failed to list sandbox containers: %w", err)
	}
	for _, c := range list {
		warrenlog.Warn("reaping orphaned sandbox", "group", c.Labels[groupLabel], "container", shortID(c.ID))
		if err := r.cli.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true}); err != nil {
			warrenlog.Warn("failed to remove orphaned sandbox", "container", shortID(c.ID), "error", err)
		}
	}
	return nil
}

func (r *DockerRunner) findRunning(ctx context.Context, group string) (string, bool, error) {
	args := filters.NewArgs(filters.Arg("label", groupLabel+"="+group))
	list, err := r.cli.ContainerList(ctx, container.ListOptions{Filters: args})
	if err != nil {
		return "", false, fmt.Errorf("failed to list sandbox containers: %w", err)
	}
	if len(list) == 0 {
		return "", false, nil
	}
	return list[0].ID, true, nil
}

func (r *DockerRunner) attach(id string) *dockerHandle {
	h := &dockerHandle{
		id:   id,
		cli:  r.cli,
		done: make(chan ExitStatus, 1),
	}
	go h.wait()
	return h
}

type dockerHandle struct {
	id   string
	cli  *client.Client
	done chan ExitStatus
}

func (h *dockerHandle) ID() string { return h.id }

func (h *dockerHandle) Signal(ctx context.Context) error {
	if err := h.cli.ContainerKill(ctx, h.id, "SIGTERM"); err != nil {
		return fmt.Errorf("failed to signal sandbox %s: %w", shortID(h.id), err)
	}
	return nil
}

func (h *dockerHandle) Kill(ctx context.Context) error {
	if err := h.cli.ContainerRemove(ctx, h.id, container.RemoveOptions{Force: true}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to kill sandbox %s: %w", shortID(h.id), err)
	}
	return nil
}

func (h *dockerHandle) Done() <-chan ExitStatus { return h.done }

func (h *dockerHandle) Alive(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	inspect, err := h.cli.ContainerInspect(probeCtx, h.id)
	if err != nil {
		return false
	}
	return inspect.State != nil && inspect.State.Running
}

// wait blocks on the container and forwards a single exit status. It
// runs with a background context so queue shutdown does not lose the
// terminal event.
func (h *dockerHandle) wait() {
	statusCh, errCh := h.cli.ContainerWait(context.Background(), h.id, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if err != nil {
			h.done <- ExitStatus{Code: -1, Crashed: true}
			return
		}
		h.done <- ExitStatus{}
	case status := <-statusCh:
		h.done <- ExitStatus{
			Code:    int(status.StatusCode),
			Crashed: status.StatusCode != 0,
		}
	}
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
