// Package reload signals the web server to re-read its configuration after
// the deny list changed.
//
// Exactly one mechanism is active per deployment, chosen by New:
//  1. an operator command (reload.command)
//  2. `docker exec <container> nginx -s reload` (reload.container)
//  3. the first running container started from reload.image
package reload

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/google/shlex"
	"github.com/rs/zerolog/log"

	"github.com/xoelrdgz/logjail/internal/domain"
	"github.com/xoelrdgz/logjail/internal/ports"
	"github.com/xoelrdgz/logjail/pkg/sanitize"
)

const maxOutputLen = 512

// Runner executes an external program and returns its combined output.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs programs with os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return out.Bytes(), err
}

type Config struct {
	Command   string // full command line, split shell-style
	Container string // container running nginx
	Image     string // image used to discover the container (default: nginx)
	DockerBin string // docker CLI (default: docker)
}

// New selects the reload mechanism by precedence. A nil runner means
// ExecRunner.
func New(cfg Config, runner Runner) (ports.Reloader, error) {
	if runner == nil {
		runner = ExecRunner{}
	}
	if cfg.DockerBin == "" {
		cfg.DockerBin = "docker"
	}
	if cfg.Image == "" {
		cfg.Image = "nginx"
	}

	switch {
	case strings.TrimSpace(cfg.Command) != "":
		r, err := NewCommandReloader(cfg.Command, runner)
		if err != nil {
			return nil, err
		}
		return r, nil
	case cfg.Container != "":
		return &ContainerReloader{Container: cfg.Container, DockerBin: cfg.DockerBin, runner: runner}, nil
	default:
		return &DiscoveryReloader{Image: cfg.Image, DockerBin: cfg.DockerBin, runner: runner}, nil
	}
}

func failure(mechanism string, out []byte, err error) error {
	return &domain.ReloadError{
		Mechanism: mechanism,
		Output:    sanitize.ForLog(strings.TrimSpace(string(out)), maxOutputLen),
		Err:       err,
	}
}

// CommandReloader runs an operator-supplied command. The command is not
// passed through a shell; wrap it in `sh -c '...'` when one is needed.
type CommandReloader struct {
	args   []string
	runner Runner
}

func NewCommandReloader(command string, runner Runner) (*CommandReloader, error) {
	args, err := shlex.Split(command)
	if err != nil {
		return nil, fmt.Errorf("parse reload command %q: %w", command, err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("empty reload command")
	}
	return &CommandReloader{args: args, runner: runner}, nil
}

func (r *CommandReloader) Mechanism() string { return "command" }

func (r *CommandReloader) Reload(ctx context.Context) error {
	out, err := r.runner.Run(ctx, r.args[0], r.args[1:]...)
	if err != nil {
		return failure(r.Mechanism(), out, err)
	}
	log.Debug().Strs("command", r.args).Msg("Reload command succeeded")
	return nil
}

// ContainerReloader reloads nginx inside a named container.
type ContainerReloader struct {
	Container string
	DockerBin string
	runner    Runner
}

func (r *ContainerReloader) Mechanism() string { return "container" }

func (r *ContainerReloader) Reload(ctx context.Context) error {
	return execReload(ctx, r.runner, r.DockerBin, r.Container, r.Mechanism())
}

// DiscoveryReloader reloads the first running container whose ancestor is
// Image.
type DiscoveryReloader struct {
	Image     string
	DockerBin string
	runner    Runner
}

func (r *DiscoveryReloader) Mechanism() string { return "discovery" }

func (r *DiscoveryReloader) Reload(ctx context.Context) error {
	out, err := r.runner.Run(ctx, r.DockerBin, "container", "ls",
		"--filter", "ancestor="+r.Image, "--format", "{{.ID}}")
	if err != nil {
		return failure(r.Mechanism(), out, fmt.Errorf("list containers: %w", err))
	}

	ids := strings.Fields(string(out))
	if len(ids) == 0 {
		return failure(r.Mechanism(), nil, fmt.Errorf("no running container from image %q", r.Image))
	}
	if len(ids) > 1 {
		log.Debug().Str("image", r.Image).Int("containers", len(ids)).Msg("Several containers match, reloading the first")
	}
	return execReload(ctx, r.runner, r.DockerBin, ids[0], r.Mechanism())
}

func execReload(ctx context.Context, runner Runner, dockerBin, container, mechanism string) error {
	out, err := runner.Run(ctx, dockerBin, "exec", container, "nginx", "-s", "reload")
	if err != nil {
		return failure(mechanism, out, fmt.Errorf("container %s: %w", container, err))
	}
	log.Debug().Str("container", container).Msg("Reloaded nginx")
	return nil
}
