// Package executor runs assignments on the worker host.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"

	"titangrid/internal/logging"
	"titangrid/pkg/model"
	"titangrid/pkg/store"
)

const defaultImage = "alpine:latest"

// ContainerSpec is the payload of a container task.
type ContainerSpec struct {
	Image   string   `json:"image,omitempty"`
	Command []string `json:"command"`
	Env     []string `json:"env,omitempty"`
}

// ParseSpec decodes an assignment payload. An empty payload is invalid.
func ParseSpec(payload []byte) (ContainerSpec, error) {
	var spec ContainerSpec
	if len(payload) == 0 {
		return spec, fmt.Errorf("empty task payload")
	}
	if err := json.Unmarshal(payload, &spec); err != nil {
		return spec, fmt.Errorf("invalid container spec: %w", err)
	}
	if spec.Image == "" {
		spec.Image = defaultImage
	}
	return spec, nil
}

type DockerExecutor struct {
	cli *client.Client
	log *zap.Logger
}

// NewDockerExecutor connects to the local daemon, or to host when given.
func NewDockerExecutor(host string, log *zap.Logger) (*DockerExecutor, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, err
	}
	return &DockerExecutor{cli: cli, log: logging.OrNop(log).Named("docker")}, nil
}

func (e *DockerExecutor) Close() error {
	return e.cli.Close()
}

// Run executes the assignment in a fresh container and returns its combined
// output. Cancelling ctx stops the container. A non-zero exit is an error,
// returned together with the output.
func (e *DockerExecutor) Run(ctx context.Context, a *store.Assignment) (string, error) {
	spec, err := ParseSpec(a.Payload)
	if err != nil {
		return "", err
	}
	log := e.log.With(zap.String("task", a.TaskID), zap.String("image", spec.Image))

	if err := e.ensureImage(ctx, spec.Image); err != nil {
		return "", fmt.Errorf("pull %s: %w", spec.Image, err)
	}

	resp, err := e.cli.ContainerCreate(ctx, &container.Config{
		Image: spec.Image,
		Cmd:   spec.Command,
		Env:   spec.Env,
		Tty:   false,
		Labels: map[string]string{
			"titan.task":    a.TaskID,
			"titan.attempt": fmt.Sprint(a.Attempt),
		},
	}, &container.HostConfig{Resources: limits(a.Requirements)}, nil, nil, "")
	if err != nil {
		return "", err
	}
	containerID := resp.ID
	defer e.remove(containerID)
	log.Debug("container created", zap.String("container", containerID[:12]))

	if err := e.cli.ContainerStart(ctx, containerID, types.ContainerStartOptions{}); err != nil {
		return "", err
	}

	var exitCode int64
	statusCh, errCh := e.cli.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if err != nil {
			if ctx.Err() != nil {
				e.stop(containerID)
				output, _ := e.output(containerID)
				return output, fmt.Errorf("aborted: %w", ctx.Err())
			}
			return "", err
		}
	case status := <-statusCh:
		exitCode = status.StatusCode
	}

	output, err := e.output(containerID)
	if err != nil {
		return "", err
	}
	if exitCode != 0 {
		return output, fmt.Errorf("exit status %d", exitCode)
	}
	log.Debug("container finished")
	return output, nil
}

func (e *DockerExecutor) ensureImage(ctx context.Context, image string) error {
	if _, _, err := e.cli.ImageInspectWithRaw(ctx, image); err == nil {
		return nil
	} else if !client.IsErrNotFound(err) {
		return err
	}
	e.log.Info("pulling image", zap.String("image", image))
	reader, err := e.cli.ImagePull(ctx, image, types.ImagePullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()
	_, err = io.Copy(io.Discard, reader)
	return err
}

// output collects the demultiplexed stdout and stderr of a container.
func (e *DockerExecutor) output(containerID string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	reader, err := e.cli.ContainerLogs(ctx, containerID, types.ContainerLogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return "", err
	}
	defer reader.Close()

	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, reader); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func (e *DockerExecutor) stop(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	timeout := 5
	if err := e.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		e.log.Warn("container stop failed", zap.String("container", containerID), zap.Error(err))
	}
}

func (e *DockerExecutor) remove(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := e.cli.ContainerRemove(ctx, containerID, types.ContainerRemoveOptions{Force: true}); err != nil {
		e.log.Warn("container remove failed", zap.String("container", containerID), zap.Error(err))
	}
}

// limits turns task requirements into container resource limits.
func limits(req model.Resources) container.Resources {
	var r container.Resources
	if cpu := req[model.ResourceCPU]; cpu > 0 {
		r.NanoCPUs = int64(cpu * 1e9)
	}
	if mem := req[model.ResourceMemory]; mem > 0 {
		r.Memory = int64(mem * 1024 * 1024)
	}
	return r
}
