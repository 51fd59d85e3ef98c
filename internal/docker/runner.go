// Package docker runs a workload inside a container on the local
// Docker daemon, with the board's device nodes passed through.
package docker

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/mount"
	"github.com/moby/moby/client"
)

// TimeoutExitCode is reported when the container outlives its timeout.
const TimeoutExitCode = 124

type RunOpts struct {
	Image      string
	Command    []string
	WorkDir    string
	Env        map[string]string
	Timeout    time.Duration
	Devices    []string
	Binds      []string
	Privileged bool
}

type RunResult struct {
	ExitCode int
	Output   string
	TimedOut bool
	Duration time.Duration
}

// RunContainer creates, starts and waits for a container, then returns
// its exit status and combined output. A zero Timeout waits
// indefinitely. Cancelling ctx kills the container and returns
// ctx.Err().
func RunContainer(ctx context.Context, opts *RunOpts) (*RunResult, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	defer cli.Close()

	keys := make([]string, 0, len(opts.Env))
	for k := range opts.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	envSlice := make([]string, 0, len(keys))
	for _, k := range keys {
		envSlice = append(envSlice, k+"="+opts.Env[k])
	}

	var mounts []mount.Mount
	workDir := ""
	if opts.WorkDir != "" {
		mounts = append(mounts, mount.Mount{
			Type:   mount.TypeBind,
			Source: opts.WorkDir,
			Target: "/workspace",
		})
		workDir = "/workspace"
	}

	devices := make([]container.DeviceMapping, 0, len(opts.Devices))
	for _, d := range opts.Devices {
		devices = append(devices, parseDevice(d))
	}

	hostCfg := &container.HostConfig{
		Mounts:     mounts,
		Binds:      opts.Binds,
		Privileged: opts.Privileged,
	}
	hostCfg.Devices = devices

	// Tty merges stdout and stderr into one plain stream, which is what
	// the accuracy regex is matched against.
	containerCfg := &container.Config{
		Image:      opts.Image,
		Cmd:        opts.Command,
		Env:        envSlice,
		WorkingDir: workDir,
		Tty:        true,
		Labels:     map[string]string{"railsweep": "true"},
	}

	createResp, err := cli.ContainerCreate(ctx, client.ContainerCreateOptions{
		Config:     containerCfg,
		HostConfig: hostCfg,
	})
	if err != nil {
		return nil, fmt.Errorf("creating container: %w", err)
	}
	containerID := createResp.ID
	defer func() {
		cli.ContainerRemove(context.Background(), containerID, client.ContainerRemoveOptions{Force: true})
	}()

	start := time.Now()
	if _, err := cli.ContainerStart(ctx, containerID, client.ContainerStartOptions{}); err != nil {
		return nil, fmt.Errorf("starting container: %w", err)
	}

	waitCtx := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	readLogs := func() string {
		logReader, _ := cli.ContainerLogs(context.Background(), containerID, client.ContainerLogsOptions{ShowStdout: true, ShowStderr: true})
		if logReader == nil {
			return ""
		}
		defer logReader.Close()
		logData, _ := io.ReadAll(logReader)
		return string(logData)
	}

	waitResult := cli.ContainerWait(waitCtx, containerID, client.ContainerWaitOptions{
		Condition: container.WaitConditionNotRunning,
	})
	for {
		select {
		case err := <-waitResult.Error:
			if err == nil {
				// nil error means no error on this channel; wait for result
				continue
			}
			cli.ContainerKill(context.Background(), containerID, client.ContainerKillOptions{Signal: "SIGKILL"})
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return &RunResult{
				ExitCode: TimeoutExitCode,
				Output:   readLogs(),
				TimedOut: true,
				Duration: time.Since(start),
			}, nil
		case status := <-waitResult.Result:
			return &RunResult{
				ExitCode: int(status.StatusCode),
				Output:   readLogs(),
				Duration: time.Since(start),
			}, nil
		}
	}
}

// parseDevice accepts "host", "host:container" or
// "host:container:permissions", as docker run --device does.
func parseDevice(spec string) container.DeviceMapping {
	parts := strings.SplitN(spec, ":", 3)
	d := container.DeviceMapping{PathOnHost: parts[0], PathInContainer: parts[0], CgroupPermissions: "rwm"}
	if len(parts) > 1 && parts[1] != "" {
		d.PathInContainer = parts[1]
	}
	if len(parts) > 2 && parts[2] != "" {
		d.CgroupPermissions = parts[2]
	}
	return d
}
