package main

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/webtestoor/pkg/docker"
	"github.com/ethpandaops/webtestoor/pkg/testrun"
)

func TestMain(m *testing.M) {
	log = logrus.New()
	log.SetOutput(io.Discard)

	os.Exit(m.Run())
}

func TestLoadRunRequest(t *testing.T) {
	req, err := loadRunRequest(filepath.Join("..", "..", "examples", "login.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "demo", req.ProjectID)
	require.Len(t, req.Cases, 1)
	assert.Len(t, req.Cases[0].Steps, 6)
	assert.Equal(t, "greeting", req.Cases[0].Steps[4].SaveAs)

	planned, err := req.Plan()
	require.NoError(t, err)
	require.Len(t, planned, 1)

	p := planned[0]
	assert.Equal(t, "login", p.Run.CaseID)
	assert.Equal(t, p.Run.ID, p.Job.RunID)
	assert.Equal(t, testrun.ScreenshotOnFailure, p.Job.Config.Screenshot)
	assert.Equal(t, "chromium", p.Job.Config.Browser)
}

func TestLoadRunRequest_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("cases: [unclosed"), 0o600))

	_, err := loadRunRequest(path)
	assert.Error(t, err)

	_, err = loadRunRequest(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

type fakeManager struct {
	docker.Manager

	containers []docker.ContainerInfo
	removed    []string
}

func (f *fakeManager) ListContainers(context.Context) ([]docker.ContainerInfo, error) {
	return f.containers, nil
}

func (f *fakeManager) RemoveContainer(_ context.Context, id string) error {
	f.removed = append(f.removed, id)

	return nil
}

func TestPerformCleanup(t *testing.T) {
	containers := []docker.ContainerInfo{
		{ID: "0123456789abcdef", Name: "webtestoor-browser-a", State: "running",
			Labels: map[string]string{docker.LabelRunID: "run-a"}},
		{ID: "fedcba9876543210", Name: "webtestoor-browser-b", State: "exited"},
	}

	tests := []struct {
		name    string
		input   string
		force   bool
		removed []string
	}{
		{name: "confirmed", input: "y\n", removed: []string{"0123456789abcdef", "fedcba9876543210"}},
		{name: "declined", input: "n\n"},
		{name: "no answer", input: ""},
		{name: "forced", force: true, removed: []string{"0123456789abcdef", "fedcba9876543210"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mgr := &fakeManager{containers: containers}

			require.NoError(t, performCleanup(context.Background(), mgr, strings.NewReader(tt.input), tt.force))
			assert.Equal(t, tt.removed, mgr.removed)
		})
	}
}
