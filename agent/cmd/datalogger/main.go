package main

import (
	"fmt"
	"os"

	"github.com/fieldlog/datalogger/agent/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "datalogger:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
