package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

const (
	maxOutputBytes = 64 << 10
	cleanupTimeout = 10 * time.Second
)

// containerAPI is the subset of the Docker client used by Docker.
type containerAPI interface {
	ContainerCreate(ctx context.Context, cfg *container.Config, hostCfg *container.HostConfig, netCfg *network.NetworkingConfig, platform *ocispec.Platform, name string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, id string, opts container.StartOptions) error
	ContainerWait(ctx context.Context, id string, cond container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerLogs(ctx context.Context, id string, opts container.LogsOptions) (io.ReadCloser, error)
	ContainerRemove(ctx context.Context, id string, opts container.RemoveOptions) error
}

// Docker runs each program in a fresh, network-less container that is removed
// once the run finishes.
type Docker struct {
	api    containerAPI
	policy *Policy
	logger *log.Logger
}

var (
	metricsOnce sync.Once
	runsCounter otelmetric.Int64Counter
	runDuration otelmetric.Float64Histogram
)

func initMetrics() {
	meter := otel.Meter("antimomentum/sandbox")
	var err error
	runsCounter, err = meter.Int64Counter("sandbox_runs_total",
		otelmetric.WithDescription("Sandboxed program runs by language and outcome"))
	if err != nil {
		log.Printf("sandbox metrics init: runs counter: %v", err)
	}
	runDuration, err = meter.Float64Histogram("sandbox_run_seconds",
		otelmetric.WithDescription("Wall-clock duration of sandboxed runs"),
		otelmetric.WithUnit("s"))
	if err != nil {
		log.Printf("sandbox metrics init: duration histogram: %v", err)
	}
}

// NewDocker connects to the Docker daemon described by the environment
// (DOCKER_HOST and friends).
func NewDocker(policy *Policy, logger *log.Logger) (*Docker, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return newDocker(cli, policy, logger), nil
}

func newDocker(api containerAPI, policy *Policy, logger *log.Logger) *Docker {
	if logger == nil {
		logger = log.New(log.Writer(), "[SANDBOX] ", log.LstdFlags)
	}
	return &Docker{api: api, policy: policy, logger: logger}
}

// Run executes prog and returns its combined output.
func (d *Docker) Run(ctx context.Context, prog Program) (out string, err error) {
	metricsOnce.Do(initMetrics)
	start := time.Now()
	lang := prog.Language.base()
	defer func() {
		d.record(ctx, lang, outcomeOf(err), time.Since(start))
	}()

	timeout := d.policy.TimeoutDuration()
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	name := "antimomentum-exec-" + uuid.NewString()
	created, err := d.api.ContainerCreate(runCtx, d.containerConfig(lang, prog.Code), d.hostConfig(), nil, nil, name)
	if err != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return "", ErrTimeout
		}
		return "", fmt.Errorf("create container: %w", err)
	}
	defer d.remove(created.ID)

	if err := d.api.ContainerStart(runCtx, created.ID, container.StartOptions{}); err != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return "", ErrTimeout
		}
		return "", fmt.Errorf("start container: %w", err)
	}

	statusCh, errCh := d.api.ContainerWait(runCtx, created.ID, container.WaitConditionNotRunning)
	var exitCode int64
	select {
	case status := <-statusCh:
		if status.Error != nil && status.Error.Message != "" {
			return "", fmt.Errorf("wait container: %s", status.Error.Message)
		}
		exitCode = status.StatusCode
	case err := <-errCh:
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return "", ErrTimeout
		}
		return "", fmt.Errorf("wait container: %w", err)
	case <-runCtx.Done():
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return "", ErrTimeout
		}
		return "", runCtx.Err()
	}

	output, err := d.logs(created.ID)
	if err != nil {
		return "", err
	}
	if exitCode != 0 {
		return output, &ExitError{Code: exitCode, Output: output}
	}
	return output, nil
}

func (d *Docker) containerConfig(lang Language, code string) *container.Config {
	return &container.Config{
		Image:           d.policy.Image(lang),
		Cmd:             lang.command(code),
		User:            "65534:65534",
		WorkingDir:      "/tmp",
		NetworkDisabled: !d.policy.Network.Enabled,
		Env:             []string{"HOME=/tmp"},
		Labels:          map[string]string{"app": "antimomentum", "role": "code-exec"},
	}
}

func (d *Docker) hostConfig() *container.HostConfig {
	pids := d.policy.Pids
	hc := &container.HostConfig{
		ReadonlyRootfs: true,
		CapDrop:        []string{"ALL"},
		SecurityOpt:    []string{"no-new-privileges"},
		Tmpfs:          map[string]string{"/tmp": "rw,noexec,nosuid,size=16m"},
		Resources: container.Resources{
			Memory:    d.policy.MemoryBytes(),
			NanoCPUs:  int64(d.policy.CPU * 1e9),
			PidsLimit: &pids,
		},
	}
	if !d.policy.Network.Enabled {
		hc.NetworkMode = "none"
	}
	return hc
}

// logs collects stdout and stderr into one buffer, bounded by maxOutputBytes.
func (d *Docker) logs(id string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	rc, err := d.api.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return "", fmt.Errorf("container logs: %w", err)
	}
	defer rc.Close()
	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, io.LimitReader(rc, maxOutputBytes)); err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read container logs: %w", err)
	}
	return textOutput(buf.Bytes()), nil
}

// textOutput turns raw container output into text a TEXT column accepts:
// invalid UTF-8 becomes U+FFFD and NUL bytes are dropped.
func textOutput(b []byte) string {
	s := strings.ToValidUTF8(string(b), "\uFFFD")
	return strings.ReplaceAll(s, "\x00", "")
}

// remove force-removes the container. It uses its own context so cleanup
// still happens after the run context expired.
func (d *Docker) remove(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := d.api.ContainerRemove(ctx, id, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
		d.logger.Printf("remove container %s: %v", id, err)
	}
}

func (d *Docker) record(ctx context.Context, lang Language, outcome string, elapsed time.Duration) {
	attrs := otelmetric.WithAttributes(
		attribute.String("language", string(lang)),
		attribute.String("outcome", outcome),
	)
	if runsCounter != nil {
		runsCounter.Add(ctx, 1, attrs)
	}
	if runDuration != nil {
		runDuration.Record(ctx, elapsed.Seconds(), attrs)
	}
}

func outcomeOf(err error) string {
	var exitErr *ExitError
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.As(err, &exitErr):
		return "exit_error"
	default:
		return "error"
	}
}
