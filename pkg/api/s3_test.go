package api

import (
	"context"
	"errors"
	"testing"

	"github.com/ethpandaops/webtestoor/pkg/config"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPresigner(t *testing.T, prefix string) (*s3Presigner, *int) {
	t.Helper()

	p := newS3Presigner(logrus.New(), &config.S3Config{
		Enabled: true,
		Bucket:  "shots",
		Region:  "us-east-1",
		Prefix:  prefix,
	})

	calls := 0
	p.presign = func(_ context.Context, key string) (string, error) {
		calls++

		if key == "screenshots/broken/step-000.png" {
			return "", errors.New("boom")
		}

		return "https://shots.example/" + key, nil
	}

	return p, &calls
}

func TestS3Presigner_PresignRef(t *testing.T) {
	tests := []struct {
		name    string
		prefix  string
		ref     string
		want    string
		wantErr bool
	}{
		{
			name: "screenshot in bucket",
			ref:  "s3://shots/screenshots/run-1/step-000.png",
			want: "https://shots.example/screenshots/run-1/step-000.png",
		},
		{
			name:   "screenshot under prefix",
			prefix: "/ci/",
			ref:    "s3://shots/ci/screenshots/run-1/step-000.png",
			want:   "https://shots.example/ci/screenshots/run-1/step-000.png",
		},
		{
			name:    "other bucket",
			ref:     "s3://elsewhere/screenshots/run-1/step-000.png",
			wantErr: true,
		},
		{
			name:    "outside screenshot prefix",
			ref:     "s3://shots/secrets/key",
			wantErr: true,
		},
		{
			name:    "traversal",
			ref:     "s3://shots/screenshots/../secrets/key",
			wantErr: true,
		},
		{
			name:    "local reference",
			ref:     "run-1/step-000.png",
			wantErr: true,
		},
		{
			name:    "presign failure",
			ref:     "s3://shots/screenshots/broken/step-000.png",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, _ := testPresigner(t, tt.prefix)

			url, err := p.PresignRef(context.Background(), tt.ref)
			if tt.wantErr {
				assert.Error(t, err)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, url)
		})
	}
}

func TestS3Presigner_Caches(t *testing.T) {
	p, calls := testPresigner(t, "")

	ref := "s3://shots/screenshots/run-1/step-000.png"

	for range 3 {
		_, err := p.PresignRef(context.Background(), ref)
		require.NoError(t, err)
	}

	assert.Equal(t, 1, *calls)
}
