package cmd

import (
	"bytes"
	"fmt"
	"github.com/Lorian-Workspace/Lorian-s-DiscordBot/lorian"
	"github.com/stretchr/testify/assert"
	"testing"
)

func TestVersionCommand(t *testing.T) {
	originalVersion := lorian.Version
	originalCommitSHA := lorian.CommitSHA
	originalBuildTime := lorian.BuildTime

	t.Cleanup(
		func() {
			lorian.Version = originalVersion
			lorian.CommitSHA = originalCommitSHA
			lorian.BuildTime = originalBuildTime
			versionCmd.SetOut(nil)
		},
	)

	lorian.Version = "1.0.0"
	lorian.CommitSHA = "abc123"
	lorian.BuildTime = "2024-10-01T12:00:00Z"

	var out bytes.Buffer
	versionCmd.SetOut(&out)
	versionCmd.Run(versionCmd, nil)

	expected := fmt.Sprintf(
		"version=%s commit=%s built: %s",
		lorian.Version,
		lorian.CommitSHA,
		lorian.BuildTime,
	)
	assert.Equal(t, expected, out.String())
}
