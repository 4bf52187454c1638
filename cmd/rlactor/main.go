package main

import (
	"context"

	"github.com/openeeap/rlactor/internal/api/cli"
)

var (
	// Version is the application version
	Version = "dev"
	// BuildTime is the build timestamp
	BuildTime = "unknown"
	// GitCommit is the git commit hash
	GitCommit = "unknown"
)

func main() {
	info := cli.VersionInfo{Version: Version, BuildTime: BuildTime, GitCommit: GitCommit}
	if err := cli.Execute(context.Background(), info); err != nil {
		cli.Exit(err)
	}
}

//Personal.AI order the ending
