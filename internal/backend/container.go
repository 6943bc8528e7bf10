package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
	"github.com/mtzanidakis/crew/internal/config"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

const (
	labelPrefix   = "crew"
	workspacePath = "/workspace"
)

// dockerAPI is the subset of the docker client the container backend uses.
type dockerAPI interface {
	ContainerCreate(ctx context.Context, config *dockercontainer.Config, hostConfig *dockercontainer.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (dockercontainer.CreateResponse, error)
	ContainerAttach(ctx context.Context, container string, options dockercontainer.AttachOptions) (types.HijackedResponse, error)
	ContainerStart(ctx context.Context, containerID string, options dockercontainer.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options dockercontainer.StopOptions) error
	ContainerKill(ctx context.Context, containerID, signal string) error
	ContainerRemove(ctx context.Context, containerID string, options dockercontainer.RemoveOptions) error
	ContainerWait(ctx context.Context, containerID string, condition dockercontainer.WaitCondition) (<-chan dockercontainer.WaitResponse, <-chan error)
}

// Container runs the assistant CLI inside a docker container with the
// working directory bind-mounted at /workspace. Input and output travel over
// the attached stdio streams.
type Container struct {
	docker      dockerAPI
	cfg         config.BackendConfig
	ensureImage func(ctx context.Context) error

	imageOnce sync.Once
	imageErr  error
}

func NewContainer(cfg config.BackendConfig) (*Container, error) {
	docker, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &Container{
		docker: docker,
		cfg:    cfg,
		ensureImage: func(ctx context.Context) error {
			return EnsureAgentImage(ctx, docker, cfg.Container)
		},
	}, nil
}

func (c *Container) Name() string { return "container" }

func (c *Container) Spawn(ctx context.Context, prompt, workDir, sessionID string) (Handle, <-chan Output, error) {
	if c.ensureImage != nil {
		c.imageOnce.Do(func() { c.imageErr = c.ensureImage(ctx) })
		if c.imageErr != nil {
			return nil, nil, c.imageErr
		}
	}

	absDir, err := filepath.Abs(workDir)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve working dir: %w", err)
	}

	name := "crew-agent-" + shortID(sessionID)
	cli := c.cfg.Claude.CLIPath
	if cli == "" {
		cli = "claude"
	}

	env := []string{}
	for _, key := range []string{"ANTHROPIC_API_KEY", "CLAUDE_CODE_OAUTH_TOKEN", "TZ"} {
		if v := os.Getenv(key); v != "" {
			env = append(env, fmt.Sprintf("%s=%s", key, v))
		}
	}

	containerCfg := &dockercontainer.Config{
		Image:        c.cfg.Container.Image,
		Cmd:          append([]string{cli}, claudeArgs(c.cfg.Claude, sessionID)...),
		Env:          env,
		WorkingDir:   workspacePath,
		OpenStdin:    true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Labels: map[string]string{
			labelPrefix + ".managed": "true",
			labelPrefix + ".session": sessionID,
		},
	}
	hostCfg := &dockercontainer.HostConfig{
		Binds: []string{absDir + ":" + workspacePath},
	}
	if c.cfg.Container.Network != "" {
		hostCfg.NetworkMode = dockercontainer.NetworkMode(c.cfg.Container.Network)
	}

	resp, err := c.docker.ContainerCreate(ctx, containerCfg, hostCfg, &network.NetworkingConfig{}, nil, name)
	if err != nil {
		return nil, nil, fmt.Errorf("create container: %w", err)
	}

	attach, err := c.docker.ContainerAttach(ctx, resp.ID, dockercontainer.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		_ = c.docker.ContainerRemove(context.Background(), resp.ID, dockercontainer.RemoveOptions{Force: true})
		return nil, nil, fmt.Errorf("attach container: %w", err)
	}

	if err := c.docker.ContainerStart(ctx, resp.ID, dockercontainer.StartOptions{}); err != nil {
		attach.Close()
		_ = c.docker.ContainerRemove(context.Background(), resp.ID, dockercontainer.RemoveOptions{Force: true})
		return nil, nil, fmt.Errorf("start container: %w", err)
	}

	h := &containerHandle{
		docker:    c.docker,
		id:        resp.ID,
		attach:    attach,
		stopGrace: 5,
		done:      make(chan struct{}),
	}

	stdoutR, stdoutW := io.Pipe()
	stderr := &tailBuffer{max: 8 << 10}
	go func() {
		_, err := stdcopy.StdCopy(stdoutW, stderr, attach.Reader)
		stdoutW.CloseWithError(err)
	}()

	out := make(chan Output, 64)
	go pump(stdoutR, out, c.Name())
	go h.wait()

	if err := h.Send(prompt); err != nil {
		_ = h.Kill()
		return nil, nil, fmt.Errorf("send initial prompt: %w", err)
	}

	slog.Info("agent container started", "container", shortID(resp.ID), "session", sessionID)
	return h, out, nil
}

type containerHandle struct {
	docker    dockerAPI
	id        string
	attach    types.HijackedResponse
	stopGrace int

	mu     sync.Mutex
	closed bool

	done     chan struct{}
	exitCode int
	waitErr  error
}

func (h *containerHandle) wait() {
	defer close(h.done)
	statusCh, errCh := h.docker.ContainerWait(context.Background(), h.id, dockercontainer.WaitConditionNotRunning)
	select {
	case st := <-statusCh:
		h.exitCode = int(st.StatusCode)
		if st.Error != nil && st.Error.Message != "" {
			h.waitErr = errors.New(st.Error.Message)
		}
	case err := <-errCh:
		h.exitCode = -1
		h.waitErr = err
	}
	h.attach.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := h.docker.ContainerRemove(ctx, h.id, dockercontainer.RemoveOptions{Force: true}); err != nil {
		slog.Warn("failed to remove container", "container", shortID(h.id), "error", err)
	}
}

func (h *containerHandle) Send(text string) error {
	line, err := encodeUserTurn(text)
	if err != nil {
		return fmt.Errorf("encode turn: %w", err)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return errors.New("container input is closed")
	}
	if _, err := h.attach.Conn.Write(line); err != nil {
		return fmt.Errorf("write turn: %w", err)
	}
	return nil
}

func (h *containerHandle) closeInput() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.closed {
		h.closed = true
		_ = h.attach.CloseWrite()
	}
}

func (h *containerHandle) Terminate() error {
	h.closeInput()
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(h.stopGrace+5)*time.Second)
	defer cancel()
	timeout := h.stopGrace
	if err := h.docker.ContainerStop(ctx, h.id, dockercontainer.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("stop container: %w", err)
	}
	return nil
}

func (h *containerHandle) Kill() error {
	h.closeInput()
	select {
	case <-h.done:
		return nil
	default:
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := h.docker.ContainerKill(ctx, h.id, "SIGKILL"); err != nil {
		return fmt.Errorf("kill container: %w", err)
	}
	return nil
}

func (h *containerHandle) Wait() (int, error) {
	<-h.done
	return h.exitCode, h.waitErr
}

// Pid is not meaningful for a container; the container id is logged instead.
func (h *containerHandle) Pid() int { return 0 }

func shortID(id string) string {
	if id == "" {
		id = uuid.NewString()
	}
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
