package docker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"

	"github.com/seclab/aegis/internal/core/domain"
	"github.com/seclab/aegis/internal/core/ports"
)

const scannerLabel = "aegis.scanner"

// Scanner runs every port scan in a fresh throwaway container. The container
// gets network access (it has to reach the target) but nothing else: no
// mounts, read-only rootfs, all capabilities dropped except the raw-socket
// ones nmap needs, hard memory cap, force-removed when done.
type Scanner struct {
	logger  *slog.Logger
	cli     *client.Client
	image   string
	timeout time.Duration
}

// NewScanner creates a scanner using the Docker daemon from the environment.
func NewScanner(logger *slog.Logger, cfg domain.ScannerConfig) (*Scanner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	img := cfg.Image
	if img == "" {
		img = "instrumentisto/nmap"
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}

	return &Scanner{logger: logger, cli: cli, image: img, timeout: timeout}, nil
}

var _ ports.ScannerRuntime = (*Scanner)(nil)

// Scan runs the scanner image against target and returns combined stdout.
// The scan is bounded by the configured timeout regardless of the caller's
// context.
func (s *Scanner) Scan(ctx context.Context, target string, args []string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	runID := uuid.New().String()
	name := "aegis-scan-" + runID

	cfg := &container.Config{
		Image: s.image,
		Cmd:   append(append([]string{}, args...), target),
		Tty:   false,
		Labels: map[string]string{
			scannerLabel: "true",
			"aegis.run":  runID,
		},
	}

	hostCfg := &container.HostConfig{
		ReadonlyRootfs: true,
		CapDrop:        []string{"ALL"},
		CapAdd:         []string{"NET_RAW", "NET_ADMIN"},
		Tmpfs: map[string]string{
			"/tmp": "rw,noexec,nosuid,size=32m",
		},
		Resources: container.Resources{
			Memory:   256 * 1024 * 1024,
			NanoCPUs: 1e9,
		},
	}

	resp, err := s.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	if client.IsErrNotFound(err) {
		reader, pullErr := s.cli.ImagePull(ctx, s.image, image.PullOptions{})
		if pullErr != nil {
			return "", fmt.Errorf("failed to pull image %s: %w", s.image, pullErr)
		}
		io.Copy(io.Discard, reader)
		reader.Close()
		resp, err = s.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	}
	if err != nil {
		return "", fmt.Errorf("failed to create scan container: %w", err)
	}

	defer func() {
		// Removal must not inherit the (possibly expired) scan context.
		rmCtx, rmCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer rmCancel()
		if err := s.cli.ContainerRemove(rmCtx, resp.ID, container.RemoveOptions{Force: true}); err != nil && !client.IsErrNotFound(err) {
			s.logger.Warn("failed to remove scan container", "container", name, "error", err)
		}
	}()

	if err := s.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("failed to start scan container: %w", err)
	}

	s.logger.Info("scan container started", "container", name, "target", target)

	statusCh, errCh := s.cli.ContainerWait(ctx, resp.ID, container.WaitConditionNotRunning)
	var exitCode int64
	select {
	case err := <-errCh:
		if err != nil {
			return "", fmt.Errorf("scan wait failed: %w", err)
		}
	case status := <-statusCh:
		exitCode = status.StatusCode
	case <-ctx.Done():
		return "", fmt.Errorf("scan timed out after %s", s.timeout)
	}

	stdout, stderr, err := s.collectLogs(resp.ID)
	if err != nil {
		return "", err
	}

	if exitCode != 0 {
		return "", fmt.Errorf("scanner exited with code %d: %s", exitCode, firstLine(stderr))
	}
	return stdout, nil
}

func (s *Scanner) collectLogs(containerID string) (string, string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	reader, err := s.cli.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return "", "", fmt.Errorf("failed to read scan logs: %w", err)
	}
	defer reader.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, reader); err != nil {
		return "", "", fmt.Errorf("failed to demux scan logs: %w", err)
	}
	return stdout.String(), stderr.String(), nil
}

// Prune removes leftover scan containers from previous runs. Called at
// startup; a crash mid-scan otherwise leaks a container.
func (s *Scanner) Prune(ctx context.Context) error {
	containers, err := s.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", scannerLabel+"=true")),
	})
	if err != nil {
		return fmt.Errorf("failed to list scan containers: %w", err)
	}

	for _, c := range containers {
		if err := s.cli.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true}); err != nil && !client.IsErrNotFound(err) {
			s.logger.Warn("failed to prune scan container", "container", c.ID, "error", err)
		}
	}
	if len(containers) > 0 {
		s.logger.Info("pruned leftover scan containers", "count", len(containers))
	}
	return nil
}

// Close releases the Docker client.
func (s *Scanner) Close() error {
	return s.cli.Close()
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
}
