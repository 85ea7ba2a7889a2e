package app

import (
	"bytes"
	"testing"

	"github.com/pricefeed-oracle/orchestrator/pkg/config"
	"github.com/stretchr/testify/require"
)

func TestVersion(t *testing.T) {
	config.Version = "0.1.0-test"
	ctl := New()
	buf := bytes.NewBuffer(nil)
	ctl.Writer = buf
	require.NoError(t, ctl.Run([]string{"orchestrator", "--version"}))
	require.Contains(t, buf.String(), "Orchestrator\nVersion: 0.1.0-test\n")
	require.NotNil(t, ctl.Command("node"))
}
