package builder

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	forgeerrors "github.com/fleepzon/apkforge/internal/errors"
	"github.com/fleepzon/apkforge/internal/job"
	"github.com/fleepzon/apkforge/internal/publish"
)

// FakeBuilder is intended for tests and local dry-runs. It writes a console
// log and a placeholder artifact where Gradle would put the real one.
type FakeBuilder struct {
	mu sync.Mutex

	Calls []BuildJob

	// FailPackages makes builds of the given package ids fail with the error.
	FailPackages map[string]error
	// SkipArtifact makes builds of the given package ids succeed without
	// producing an artifact.
	SkipArtifact      map[string]bool
	BlockCh           <-chan struct{}
	HeartbeatInterval time.Duration

	active    int
	maxActive int
}

// MaxConcurrent reports the highest number of builds that ran at once.
func (b *FakeBuilder) MaxConcurrent() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.maxActive
}

// Snapshot returns a copy of the recorded calls.
func (b *FakeBuilder) Snapshot() []BuildJob {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]BuildJob(nil), b.Calls...)
}

func (b *FakeBuilder) CallCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.Calls)
}

func (b *FakeBuilder) Build(ctx context.Context, j BuildJob) (BuildResult, error) {
	report := func(message string) {
		if j.Progress != nil {
			j.Progress(ProgressUpdate{
				Step:        string(job.StateInvoking),
				Message:     message,
				HeartbeatAt: time.Now().UTC(),
			})
		}
	}

	b.mu.Lock()
	b.Calls = append(b.Calls, j)
	b.active++
	if b.active > b.maxActive {
		b.maxActive = b.active
	}
	failErr, fail := b.FailPackages[j.PackageID]
	skip := b.SkipArtifact[j.PackageID]
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		b.active--
		b.mu.Unlock()
	}()

	report("fake gradle starting")

	if b.BlockCh != nil {
		interval := b.HeartbeatInterval
		if interval <= 0 {
			interval = 2 * time.Second
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
	wait:
		for {
			select {
			case <-ctx.Done():
				return BuildResult{ExitCode: -1}, forgeerrors.Wrap(forgeerrors.KindCancelled, "invoke", ctx.Err())
			case <-ticker.C:
				report("fake heartbeat")
			case <-b.BlockCh:
				break wait
			}
		}
	}

	logsDir := j.LogsDir
	if logsDir == "" {
		logsDir = j.WorkDir
	}
	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		return BuildResult{ExitCode: -1}, forgeerrors.IO("invoke", err)
	}
	if err := os.WriteFile(filepath.Join(logsDir, consoleLogName), []byte("> Task :app:fake\nfake build\n"), 0o644); err != nil {
		return BuildResult{ExitCode: -1}, forgeerrors.IO("invoke", err)
	}

	if fail {
		report("fake build failed")
		return BuildResult{ExitCode: 1, Message: "fake build failed", StderrTail: "fake failure"}, failErr
	}

	if !skip {
		out := filepath.Join(j.WorkDir, publish.OutputPath(j.OutputKind))
		if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
			return BuildResult{ExitCode: -1}, forgeerrors.IO("invoke", err)
		}
		if err := os.WriteFile(out, []byte("fake-"+string(j.OutputKind)+"-"+j.PackageID), 0o644); err != nil {
			return BuildResult{ExitCode: -1}, forgeerrors.IO("invoke", err)
		}
	}
	report("fake artifact written")
	return BuildResult{ExitCode: 0, Message: fmt.Sprintf("fake build succeeded for %s", j.ID)}, nil
}
