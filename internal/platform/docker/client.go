package docker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/dontdude/forgejudge/internal/domain"
)

// DefaultImage ships the forge toolchain.
const DefaultImage = "ghcr.io/foundry-rs/foundry:latest"

const (
	defaultMemory = 2 * 1024 * 1024 * 1024 // 2GB
	removeTimeout = 10 * time.Second
)

// Client runs toolchain invocations inside ephemeral containers.
type Client struct {
	cli    *client.Client
	image  string
	binary string
	binds  []string

	pullMu sync.Mutex
	pulled bool
}

// Check if Client implements domain.CommandRunner
var _ domain.CommandRunner = (*Client)(nil)

// NewClient initializes a Docker client and verifies the daemon with Ping.
// mountRoots are bind-mounted at the same path inside every container, so
// workspace paths mean the same thing on both sides.
func NewClient(ctx context.Context, imageName, binary string, mountRoots ...string) (*Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	if _, err := cli.Ping(ctx); err != nil {
		cli.Close()
		return nil, fmt.Errorf("failed to connect to docker daemon: %w", err)
	}

	if imageName == "" {
		imageName = DefaultImage
	}
	binds := make([]string, 0, len(mountRoots))
	for _, root := range mountRoots {
		binds = append(binds, root+":"+root)
	}

	slog.Info("Docker Client initialized successfully", "image", imageName)
	return &Client{cli: cli, image: imageName, binary: binary, binds: binds}, nil
}

// Close releases the Docker client.
func (c *Client) Close() error {
	return c.cli.Close()
}

// Exec runs the toolchain binary with args in a fresh container and collects
// its demultiplexed output.
func (c *Client) Exec(ctx context.Context, dir string, args ...string) (domain.ExecResult, error) {
	var res domain.ExecResult

	if err := c.ensureImage(ctx); err != nil {
		return res, err
	}

	// Configures a hard memory limit via Cgroups to prevent resource exhaustion.
	resp, err := c.cli.ContainerCreate(ctx, &container.Config{
		Image:      c.image,
		Entrypoint: []string{c.binary},
		Cmd:        args,
		WorkingDir: dir,
		User:       fmt.Sprintf("%d:%d", os.Getuid(), os.Getgid()),
	}, &container.HostConfig{
		Binds: c.binds,
		Resources: container.Resources{
			Memory: defaultMemory,
		},
	}, nil, nil, "")
	if err != nil {
		return res, fmt.Errorf("failed to create container: %w", err)
	}

	defer func() {
		// The job context may be gone already.
		rmCtx, cancel := context.WithTimeout(context.Background(), removeTimeout)
		defer cancel()
		if err := c.cli.ContainerRemove(rmCtx, resp.ID, container.RemoveOptions{Force: true}); err != nil {
			slog.Warn("Failed to remove container", "containerID", resp.ID, "error", err)
		}
	}()

	if err := c.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return res, fmt.Errorf("failed to start container: %w", err)
	}

	statusCh, errCh := c.cli.ContainerWait(ctx, resp.ID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if err != nil {
			return res, fmt.Errorf("failed waiting for container: %w", err)
		}
	case status := <-statusCh:
		res.ExitCode = int(status.StatusCode)
	}

	logs, err := c.cli.ContainerLogs(ctx, resp.ID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return res, fmt.Errorf("failed to read container logs: %w", err)
	}
	defer logs.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, logs); err != nil {
		return res, fmt.Errorf("failed to demux container logs: %w", err)
	}
	res.Stdout = stdout.Bytes()
	res.Stderr = stderr.Bytes()
	return res, nil
}

// ensureImage pulls the image once per process.
func (c *Client) ensureImage(ctx context.Context) error {
	c.pullMu.Lock()
	defer c.pullMu.Unlock()
	if c.pulled {
		return nil
	}

	slog.Info("Pulling image", "image", c.image)
	reader, err := c.cli.ImagePull(ctx, c.image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image: %w", err)
	}
	// Drain the response body to ensure the pull completes properly.
	defer reader.Close()
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("failed to pull image: %w", err)
	}
	c.pulled = true
	return nil
}
