package errors

import (
	stderrors "errors"
	"fmt"
	"io/fs"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildError_MessageIncludesOpKindAndCause(t *testing.T) {
	err := IO("copy template", fs.ErrPermission)
	assert.Equal(t, "copy template: io_error: permission denied", err.Error())
	assert.ErrorIs(t, err, fs.ErrPermission)
}

func TestKindOf_FindsWrappedBuildError(t *testing.T) {
	inner := New(KindToolFailure, "gradle", "exit status 1")
	wrapped := fmt.Errorf("build abc: %w", inner)

	assert.Equal(t, KindToolFailure, KindOf(wrapped))
	assert.True(t, IsKind(wrapped, KindToolFailure))
	assert.Equal(t, KindInternal, KindOf(stderrors.New("plain")))
	assert.Equal(t, Kind(""), KindOf(nil))
}

func TestIs_MatchesSentinelByKind(t *testing.T) {
	err := fmt.Errorf("submit: %w", New(KindBusy, "submit", "com.demo.app already building"))
	require.ErrorIs(t, err, ErrBusy)
	assert.NotErrorIs(t, err, ErrTimeout)
}

func TestWithLog_DoesNotMutateOriginal(t *testing.T) {
	base := New(KindToolFailure, "gradle", "exit status 1")
	withLog := base.WithLog("FAILURE: Build failed")

	assert.Empty(t, base.Log)
	assert.Equal(t, "FAILURE: Build failed", LogOf(withLog))
	assert.Equal(t, "FAILURE: Build failed", LogOf(fmt.Errorf("x: %w", withLog)))
}

func TestRetryable_OnlyBusy(t *testing.T) {
	assert.True(t, Retryable(New(KindBusy, "", "")))
	for _, k := range []Kind{KindTemplateMissing, KindIO, KindToolNotFound, KindToolFailure, KindTimeout, KindArtifactNotFound, KindCancelled} {
		assert.False(t, Retryable(New(k, "", "")), "kind %s", k)
	}
}
