package vram

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticSnapshot(t *testing.T) {
	probe := &Static{Total: 64, Used: 16}

	snap, err := probe.Snapshot(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 64.0, snap.TotalGB)
	assert.Equal(t, 16.0, snap.UsedGB)
	assert.Equal(t, 48.0, snap.AvailableGB)
	assert.Equal(t, 25.0, snap.UsagePct)
}

func TestStaticSnapshotZeroTotal(t *testing.T) {
	probe := &Static{}

	snap, err := probe.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0.0, snap.UsagePct)
}

func TestReadPressureFile(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    float64
	}{
		{
			name: "standard format",
			content: "some avg10=3.14 avg60=1.00 avg300=0.50 total=123456\n" +
				"full avg10=0.10 avg60=0.05 avg300=0.01 total=654\n",
			want: 3.14,
		},
		{
			name:    "zero pressure",
			content: "some avg10=0.00 avg60=0.00 avg300=0.00 total=0\n",
			want:    0,
		},
		{
			name:    "malformed value",
			content: "some avg10=garbage avg60=0.00\n",
			want:    0,
		},
		{
			name:    "empty file",
			content: "",
			want:    0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "pressure")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o644))
			assert.Equal(t, tt.want, readPressureFile(path))
		})
	}
}

func TestReadPressureFileMissing(t *testing.T) {
	assert.Equal(t, 0.0, readPressureFile(filepath.Join(t.TempDir(), "absent")))
}
