package backend

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"testing"

	"github.com/docker/docker/api/types"
	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/mtzanidakis/crew/internal/config"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// fakeDocker plays an attached container that answers every stream-json
// user turn with one assistant text and one result line.
type fakeDocker struct {
	mu      sync.Mutex
	created *dockercontainer.Config
	host    *dockercontainer.HostConfig
	removed bool
	stopped bool

	exit     chan int64
	exitOnce sync.Once
}

func newFakeDocker() *fakeDocker {
	return &fakeDocker{exit: make(chan int64, 1)}
}

func (f *fakeDocker) finish(code int64) {
	f.exitOnce.Do(func() { f.exit <- code })
}

func (f *fakeDocker) ContainerCreate(ctx context.Context, cfg *dockercontainer.Config, host *dockercontainer.HostConfig, _ *network.NetworkingConfig, _ *ocispec.Platform, name string) (dockercontainer.CreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created, f.host = cfg, host
	return dockercontainer.CreateResponse{ID: "0123456789abcdef"}, nil
}

func (f *fakeDocker) ContainerAttach(ctx context.Context, id string, opts dockercontainer.AttachOptions) (types.HijackedResponse, error) {
	ours, theirs := net.Pipe()
	pr, pw := io.Pipe()
	go func() {
		stdout := stdcopy.NewStdWriter(pw, stdcopy.Stdout)
		stderr := stdcopy.NewStdWriter(pw, stdcopy.Stderr)
		fmt.Fprintln(stderr, "booting")
		sc := bufio.NewScanner(theirs)
		n := 0
		for sc.Scan() {
			n++
			fmt.Fprintf(stdout, `{"type":"assistant","message":{"content":[{"type":"text","text":"EVALUATION: turn %d"}]}}`+"\n", n)
			fmt.Fprintf(stdout, `{"type":"result","result":"EVALUATION: turn %d"}`+"\n", n)
		}
		pw.Close()
	}()
	return types.HijackedResponse{Conn: ours, Reader: bufio.NewReader(pr)}, nil
}

func (f *fakeDocker) ContainerStart(ctx context.Context, id string, opts dockercontainer.StartOptions) error {
	return nil
}

func (f *fakeDocker) ContainerStop(ctx context.Context, id string, opts dockercontainer.StopOptions) error {
	f.mu.Lock()
	f.stopped = true
	f.mu.Unlock()
	f.finish(143)
	return nil
}

func (f *fakeDocker) ContainerKill(ctx context.Context, id, signal string) error {
	f.finish(137)
	return nil
}

func (f *fakeDocker) ContainerRemove(ctx context.Context, id string, opts dockercontainer.RemoveOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = true
	return nil
}

func (f *fakeDocker) ContainerWait(ctx context.Context, id string, cond dockercontainer.WaitCondition) (<-chan dockercontainer.WaitResponse, <-chan error) {
	statusCh := make(chan dockercontainer.WaitResponse, 1)
	errCh := make(chan error, 1)
	go func() {
		code := <-f.exit
		statusCh <- dockercontainer.WaitResponse{StatusCode: code}
	}()
	return statusCh, errCh
}

func TestContainerSpawnConversation(t *testing.T) {
	fake := newFakeDocker()
	c := &Container{
		docker: fake,
		cfg: config.BackendConfig{
			Kind:      config.BackendContainer,
			Claude:    config.ClaudeConfig{CLIPath: "claude", Model: "opus"},
			Container: config.ContainerConfig{Image: "crew-agent:test", Network: "crew-net"},
		},
	}

	dir := t.TempDir()
	h, out, err := c.Spawn(context.Background(), "you are the scorer", dir, "11111111-2222-3333")
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}

	fake.mu.Lock()
	cfg, host := fake.created, fake.host
	fake.mu.Unlock()
	if cfg.Image != "crew-agent:test" || !cfg.OpenStdin {
		t.Errorf("unexpected container config %+v", cfg)
	}
	if cfg.Cmd[0] != "claude" || !strings.Contains(strings.Join(cfg.Cmd, " "), "--model opus") {
		t.Errorf("unexpected command %v", cfg.Cmd)
	}
	if host.Binds[0] != dir+":"+workspacePath {
		t.Errorf("unexpected binds %v", host.Binds)
	}
	if string(host.NetworkMode) != "crew-net" {
		t.Errorf("unexpected network %s", host.NetworkMode)
	}

	first := nextTurn(t, out)
	if first[0].Text != "EVALUATION: turn 1" {
		t.Errorf("unexpected first turn %+v", first)
	}
	if err := h.Send("INFO from operator:\nhow is it going?"); err != nil {
		t.Fatalf("send: %v", err)
	}
	second := nextTurn(t, out)
	if second[0].Text != "EVALUATION: turn 2" {
		t.Errorf("unexpected second turn %+v", second)
	}

	if err := h.Terminate(); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	code, err := h.Wait()
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if code != 143 {
		t.Errorf("expected exit 143, got %d", code)
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if !fake.stopped || !fake.removed {
		t.Errorf("expected container stopped and removed, got stopped=%v removed=%v", fake.stopped, fake.removed)
	}
}
