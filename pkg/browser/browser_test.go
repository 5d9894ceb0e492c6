package browser

import (
	"context"
	"errors"
	"testing"

	"github.com/ethpandaops/webtestoor/pkg/testrun"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBasicAuthHeader(t *testing.T) {
	assert.Empty(t, BasicAuthHeader(nil))
	assert.Empty(t, BasicAuthHeader(&testrun.Credentials{}))
	assert.Equal(t, "Basic dXNlcjpwYXNz",
		BasicAuthHeader(&testrun.Credentials{Username: "user", Password: "pass"}))
}

func TestQuery(t *testing.T) {
	sel, _ := query("#login")
	assert.Equal(t, "#login", sel)

	sel, _ = query("xpath=//button[text()='Go']")
	assert.Equal(t, "//button[text()='Go']", sel)
}

func TestLaunchOptionsValidate(t *testing.T) {
	require.NoError(t, LaunchOptions{}.validate())
	require.NoError(t, LaunchOptions{Browser: "chromium"}.validate())
	require.Error(t, LaunchOptions{Browser: "netscape"}.validate())
}

type stubSession struct{ Session }

func TestCapacityGuard(t *testing.T) {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	launched := 0
	next := LauncherFunc(func(context.Context, LaunchOptions) (Session, error) {
		launched++

		return stubSession{}, nil
	})

	tests := []struct {
		name      string
		available uint64
		memErr    error
		wantErr   error
	}{
		{name: "enough memory", available: 4 << 30},
		{name: "low memory", available: 64 << 20, wantErr: ErrInsufficientCapacity},
		{name: "unreadable stats", memErr: errors.New("boom")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			launched = 0

			guard := WithCapacityGuard(log, next, 1<<30, func(context.Context) (uint64, error) {
				return tt.available, tt.memErr
			})

			_, err := guard.Launch(context.Background(), LaunchOptions{})
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				assert.Equal(t, 0, launched)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, 1, launched)
		})
	}
}

func TestCapacityGuard_Disabled(t *testing.T) {
	next := LauncherFunc(func(context.Context, LaunchOptions) (Session, error) {
		return nil, nil
	})

	guard := WithCapacityGuard(logrus.New(), next, 0, nil)
	_, isGuard := guard.(*capacityGuard)
	assert.False(t, isGuard)
}

func TestDockerContainerSpec(t *testing.T) {
	l := &dockerLauncher{opts: DockerOptions{
		Image:       "chromedp/headless-shell:latest",
		Network:     "webtestoor",
		MemoryLimit: "2g",
	}}

	spec, err := l.containerSpec("0123456789abcdef")
	require.NoError(t, err)

	assert.Contains(t, spec.Name, "webtestoor-browser-01234567-")
	assert.Equal(t, int64(2<<30), spec.MemoryBytes)
	assert.Equal(t, int64(1<<30), spec.ShmBytes)
	assert.Equal(t, "0123456789abcdef", spec.Labels["webtestoor.run-id"])

	l.opts.MemoryLimit = "lots"
	_, err = l.containerSpec("run")
	require.Error(t, err)
}
