package output

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func newTestUI() (*UI, *bytes.Buffer, *bytes.Buffer) {
	out := &bytes.Buffer{}
	errOut := &bytes.Buffer{}
	return &UI{Out: out, ErrOut: errOut}, out, errOut
}

func TestInfo(t *testing.T) {
	u, out, _ := newTestUI()
	u.Info("hello %s", "world")
	assert.Contains(t, out.String(), "hello world")
}

func TestSuccess(t *testing.T) {
	u, out, _ := newTestUI()
	u.Success("reviewed %d files", 3)
	assert.Contains(t, out.String(), "reviewed 3 files")
}

func TestWarning(t *testing.T) {
	u, _, errOut := newTestUI()
	u.Warning("agent %s timed out", "performance")
	assert.Contains(t, errOut.String(), "agent performance timed out")
}

func TestError(t *testing.T) {
	u, _, errOut := newTestUI()
	u.Error("review %s failed", "abc")
	assert.Contains(t, errOut.String(), "review abc failed")
}

func TestVerboseLog(t *testing.T) {
	u, out, _ := newTestUI()
	u.VerboseLog("hidden")
	assert.Empty(t, out.String())

	u.Verbose = true
	u.VerboseLog("shown")
	assert.Contains(t, out.String(), "shown")
}

func TestStatusColor(t *testing.T) {
	// Color codes may be stripped when not a TTY; the text survives.
	assert.Contains(t, StatusColor("completed"), "completed")
	assert.Contains(t, StatusColor("failed"), "failed")
	assert.Contains(t, StatusColor("pending"), "pending")
	assert.Equal(t, "unknown", StatusColor("unknown"))
}

func TestSeverityColor(t *testing.T) {
	assert.Contains(t, SeverityColor("high"), "high")
	assert.Contains(t, SeverityColor("medium"), "medium")
	assert.Contains(t, SeverityColor("low"), "low")
	assert.Equal(t, "info", SeverityColor("info"))
}

func TestTableRenders(t *testing.T) {
	u, out, _ := newTestUI()
	table := u.Table([]string{"REPO", "PR", "STATUS"})
	_ = table.Append([]string{"octocat/hello", "#7", "completed"})
	assert.NoError(t, table.Render())
	assert.Contains(t, out.String(), "octocat/hello")
}
