package builder

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/fleepzon/apkforge/internal/config"
	forgeerrors "github.com/fleepzon/apkforge/internal/errors"
	"github.com/fleepzon/apkforge/internal/job"
	"github.com/fleepzon/apkforge/internal/logfields"
)

const (
	stderrTailLines          = 200
	defaultHeartbeatInterval = 5 * time.Second
	consoleLogName           = "console.log"
)

// GradleBuilder runs the workspace's Gradle wrapper.
type GradleBuilder struct {
	Runner            Runner
	GOOS              string
	Timeout           time.Duration
	ExtraArgs         []string
	Env               []string
	HeartbeatInterval time.Duration
}

func NewGradleBuilder(cfg config.Config) *GradleBuilder {
	return &GradleBuilder{
		Runner:    OSRunner{},
		GOOS:      runtime.GOOS,
		Timeout:   cfg.BuildTimeout,
		ExtraArgs: append([]string(nil), cfg.GradleArgs...),
	}
}

// Task maps an output kind to the Gradle release task producing it.
func Task(kind job.OutputKind) (string, error) {
	switch kind {
	case job.OutputBinary:
		return "assembleRelease", nil
	case job.OutputBundle:
		return "bundleRelease", nil
	default:
		return "", forgeerrors.InvalidRequest(fmt.Sprintf("unknown output kind %q", kind))
	}
}

func wrapperName(goos string) string {
	if goos == "windows" {
		return "gradlew.bat"
	}
	return "gradlew"
}

func (b *GradleBuilder) Build(ctx context.Context, j BuildJob) (BuildResult, error) {
	task, err := Task(j.OutputKind)
	if err != nil {
		return BuildResult{ExitCode: -1}, err
	}
	goos := b.GOOS
	if goos == "" {
		goos = runtime.GOOS
	}
	wrapper := filepath.Join(j.WorkDir, wrapperName(goos))
	if _, err := os.Stat(wrapper); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return BuildResult{ExitCode: -1}, forgeerrors.New(forgeerrors.KindToolNotFound, "invoke",
				fmt.Sprintf("gradle wrapper %s not found in workspace", wrapperName(goos)))
		}
		return BuildResult{ExitCode: -1}, forgeerrors.IO("invoke", err)
	}

	logsDir := j.LogsDir
	if logsDir == "" {
		logsDir = j.WorkDir
	}
	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		return BuildResult{ExitCode: -1}, forgeerrors.IO("invoke", err)
	}
	console, err := os.Create(filepath.Join(logsDir, consoleLogName))
	if err != nil {
		return BuildResult{ExitCode: -1}, forgeerrors.IO("invoke", err)
	}
	defer console.Close()

	report := func(message string) {
		if j.Progress != nil {
			j.Progress(ProgressUpdate{Step: string(job.StateInvoking), Message: message, HeartbeatAt: time.Now().UTC()})
		}
	}

	runCtx := ctx
	if b.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, b.Timeout)
		defer cancel()
	}

	var mu sync.Mutex
	tail := &tailBuffer{max: stderrTailLines}
	sink := func(stream, line string) {
		_, _ = fmt.Fprintln(console, line)
		if stream == streamStderr {
			tail.Add(line)
		}
		if strings.HasPrefix(line, "> Task ") {
			report(line)
		}
	}
	stdout := &lineWriter{mu: &mu, stream: streamStdout, sink: sink}
	stderr := &lineWriter{mu: &mu, stream: streamStderr, sink: sink}

	spec := buildGradleCommand(goos, task, j.WorkDir, b.ExtraArgs)
	spec.Env = b.Env
	report(fmt.Sprintf("running gradle %s", task))
	slog.Info("Invoking Gradle",
		logfields.BuildID(j.ID),
		logfields.PackageID(j.PackageID),
		slog.String("task", task),
		logfields.Path(j.WorkDir))

	stopHeartbeat := b.heartbeat(runCtx, report)
	start := time.Now()
	code, runErr := b.Runner.Run(runCtx, spec, stdout, stderr)
	elapsed := time.Since(start)
	stopHeartbeat()
	stdout.Flush()
	stderr.Flush()

	mu.Lock()
	res := BuildResult{ExitCode: code, StderrTail: tail.String(), Duration: elapsed}
	mu.Unlock()

	if runErr == nil && code == 0 {
		res.Message = fmt.Sprintf("gradle %s succeeded", task)
		return res, nil
	}
	return res, classifyRunError(ctx, runCtx, runErr, task, b.Timeout, res)
}

func classifyRunError(parent, runCtx context.Context, runErr error, task string, timeout time.Duration, res BuildResult) error {
	switch {
	case parent.Err() != nil && errors.Is(parent.Err(), context.DeadlineExceeded):
		return forgeerrors.Wrapf(forgeerrors.KindTimeout, "invoke", parent.Err(), "gradle %s did not finish before the deadline", task).WithLog(res.StderrTail)
	case parent.Err() != nil:
		return forgeerrors.Wrapf(forgeerrors.KindCancelled, "invoke", parent.Err(), "gradle %s cancelled", task).WithLog(res.StderrTail)
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		return forgeerrors.Wrapf(forgeerrors.KindTimeout, "invoke", runCtx.Err(), "gradle %s exceeded timeout of %s", task, timeout).WithLog(res.StderrTail)
	case errors.Is(runErr, exec.ErrNotFound), errors.Is(runErr, fs.ErrNotExist):
		return forgeerrors.Wrapf(forgeerrors.KindToolNotFound, "invoke", runErr, "gradle could not be started")
	case errors.Is(runErr, fs.ErrPermission):
		return forgeerrors.Wrapf(forgeerrors.KindToolNotFound, "invoke", runErr, "gradle wrapper is not executable")
	default:
		cause := runErr
		if cause == nil {
			cause = fmt.Errorf("exit code %d", res.ExitCode)
		}
		return forgeerrors.Wrapf(forgeerrors.KindToolFailure, "invoke", cause, "gradle %s exited with code %d", task, res.ExitCode).WithLog(res.StderrTail)
	}
}

func (b *GradleBuilder) heartbeat(ctx context.Context, report func(string)) func() {
	interval := b.HeartbeatInterval
	if interval <= 0 {
		interval = defaultHeartbeatInterval
	}
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ticker.C:
				report("gradle running")
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

func buildGradleCommand(goos, task, workDir string, extraArgs []string) CommandSpec {
	args := append([]string{task, "--console=plain"}, extraArgs...)
	if goos == "windows" {
		return CommandSpec{
			Name: "cmd.exe",
			Args: append([]string{"/C", filepath.Join(workDir, "gradlew.bat")}, args...),
			Dir:  workDir,
		}
	}
	return CommandSpec{
		Name: filepath.Join(workDir, "gradlew"),
		Args: args,
		Dir:  workDir,
	}
}
