package alert

import (
	"testing"

	goslack "github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poigraph/corepipeline/pkg/health"
)

func TestBuildAlertMessageUnhealthy(t *testing.T) {
	a := health.Alert{
		Type:    "dependency",
		Subject: "store",
		Status:  health.StatusUnhealthy,
		Message: "ping failed",
	}
	blocks := BuildAlertMessage(a, "https://dash.example.com")

	require.Len(t, blocks, 2)
	header := blocks[0].(*goslack.SectionBlock)
	assert.Contains(t, header.Text.Text, ":x:")
	assert.Contains(t, header.Text.Text, "dependency/store")
	assert.Contains(t, header.Text.Text, "ping failed")
}

func TestBuildAlertMessageWithoutDashboardSkipsButton(t *testing.T) {
	a := health.Alert{Type: "worker", Subject: "file-analysis", Status: health.StatusWarning}
	blocks := BuildAlertMessage(a, "")
	require.Len(t, blocks, 1)
}

func TestTruncateLongMessage(t *testing.T) {
	long := make([]byte, maxBlockTextLength+500)
	for i := range long {
		long[i] = 'a'
	}
	out := truncate(string(long))
	assert.Less(t, len(out), len(long))
	assert.Contains(t, out, "truncated")
}
