// Package docker runs an agent container with the task workspace mounted and
// streams its output back to the caller.
package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/mount"
	"github.com/moby/moby/client"
)

// WorkspaceTarget is where the task workspace is mounted inside the container.
const WorkspaceTarget = "/workspace"

type RunOpts struct {
	Image       string
	Command     []string
	WorkDir     string
	Env         map[string]string
	ExtraMounts []Mount
	CPULimit    float64
	MemoryLimit int64
	UserID      string
	Labels      map[string]string
}

type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// Container is a started container. Output streams its TTY until the
// container stops or Remove is called.
type Container struct {
	ID string

	cli        *client.Client
	logs       io.ReadCloser
	stopLogs   context.CancelFunc
	removeOnce sync.Once
}

// Start creates and starts a container for opts and attaches to its output.
// The caller must call Remove.
func Start(ctx context.Context, opts *RunOpts) (*Container, error) {
	if opts.Image == "" {
		return nil, errors.New("docker image is required")
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}

	envSlice := make([]string, 0, len(opts.Env))
	for k, v := range opts.Env {
		envSlice = append(envSlice, k+"="+v)
	}

	mounts := []mount.Mount{
		{
			Type:   mount.TypeBind,
			Source: opts.WorkDir,
			Target: WorkspaceTarget,
		},
	}
	for _, m := range opts.ExtraMounts {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}

	initTrue := true
	hostCfg := &container.HostConfig{
		Mounts:     mounts,
		Init:       &initTrue,
		ExtraHosts: []string{"host.docker.internal:host-gateway"},
	}
	if opts.CPULimit > 0 {
		hostCfg.NanoCPUs = int64(opts.CPULimit * 1e9)
	}
	if opts.MemoryLimit > 0 {
		hostCfg.Memory = opts.MemoryLimit
	}

	labels := map[string]string{"pinchbench": "true"}
	for k, v := range opts.Labels {
		labels[k] = v
	}
	// A TTY gives a single unframed output stream, which is what the event
	// decoder reads line by line.
	containerCfg := &container.Config{
		Image:      opts.Image,
		Cmd:        opts.Command,
		Env:        envSlice,
		WorkingDir: WorkspaceTarget,
		Tty:        true,
		Labels:     labels,
	}
	if opts.UserID != "" {
		containerCfg.User = opts.UserID
	}

	createResp, err := cli.ContainerCreate(ctx, client.ContainerCreateOptions{
		Config:     containerCfg,
		HostConfig: hostCfg,
	})
	if err != nil {
		cli.Close()
		return nil, fmt.Errorf("creating container: %w", err)
	}
	c := &Container{ID: createResp.ID, cli: cli}

	if _, err := cli.ContainerStart(ctx, c.ID, client.ContainerStartOptions{}); err != nil {
		c.Remove()
		return nil, fmt.Errorf("starting container: %w", err)
	}

	logCtx, cancel := context.WithCancel(context.Background())
	logs, err := cli.ContainerLogs(logCtx, c.ID, client.ContainerLogsOptions{ShowStdout: true, ShowStderr: true, Follow: true})
	if err != nil {
		cancel()
		c.Remove()
		return nil, fmt.Errorf("attaching to container logs: %w", err)
	}
	c.logs, c.stopLogs = logs, cancel
	return c, nil
}

// Output is the container's combined TTY output.
func (c *Container) Output() io.Reader { return c.logs }

// Wait blocks until the container stops and returns its exit code.
func (c *Container) Wait(ctx context.Context) (int, error) {
	waitResult := c.cli.ContainerWait(ctx, c.ID, client.ContainerWaitOptions{
		Condition: container.WaitConditionNotRunning,
	})
	for {
		select {
		case err := <-waitResult.Error:
			if err != nil {
				return -1, fmt.Errorf("waiting for container: %w", err)
			}
			// nil error means no error on this channel; wait for result
		case status := <-waitResult.Result:
			return int(status.StatusCode), nil
		}
	}
}

// Kill stops the container immediately.
func (c *Container) Kill() error {
	if _, err := c.cli.ContainerKill(context.Background(), c.ID, client.ContainerKillOptions{Signal: "SIGKILL"}); err != nil {
		return fmt.Errorf("killing container: %w", err)
	}
	return nil
}

// Remove force-removes the container and releases the client. It is safe to
// call more than once.
func (c *Container) Remove() error {
	var err error
	c.removeOnce.Do(func() {
		if c.stopLogs != nil {
			c.stopLogs()
		}
		if c.logs != nil {
			c.logs.Close()
		}
		if _, rmErr := c.cli.ContainerRemove(context.Background(), c.ID, client.ContainerRemoveOptions{Force: true}); rmErr != nil {
			err = fmt.Errorf("removing container: %w", rmErr)
		}
		c.cli.Close()
	})
	return err
}
