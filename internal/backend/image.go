package backend

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/client"
	goarchive "github.com/moby/go-archive"
	"github.com/mtzanidakis/crew/internal/config"
)

// EnsureAgentImage makes sure the agent image exists locally, building it
// from cfg.BuildContext when it is missing and a build context is set.
func EnsureAgentImage(ctx context.Context, docker *client.Client, cfg config.ContainerConfig) error {
	if _, err := docker.ImageInspect(ctx, cfg.Image); err == nil {
		return nil
	} else if cfg.BuildContext == "" {
		return fmt.Errorf("agent image %s not available and no build context configured: %w", cfg.Image, err)
	}
	return BuildAgentImage(ctx, docker, cfg)
}

func BuildAgentImage(ctx context.Context, docker *client.Client, cfg config.ContainerConfig) error {
	tar, err := goarchive.TarWithOptions(cfg.BuildContext, &goarchive.TarOptions{})
	if err != nil {
		return fmt.Errorf("create build context: %w", err)
	}
	defer tar.Close()

	dockerfile := cfg.Dockerfile
	if dockerfile == "" {
		dockerfile = "Dockerfile.agent"
	}

	resp, err := docker.ImageBuild(ctx, tar, build.ImageBuildOptions{
		Tags:       []string{cfg.Image},
		Dockerfile: dockerfile,
		Remove:     true,
	})
	if err != nil {
		return fmt.Errorf("build image: %w", err)
	}
	defer resp.Body.Close()

	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		slog.Warn("error reading build output", "error", err)
	}

	slog.Info("agent image built", "image", cfg.Image, "context", cfg.BuildContext)
	return nil
}
