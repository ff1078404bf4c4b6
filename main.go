package main

import (
	"os"

	"evhub/cmd"
	"evhub/core"
)

func main() {
	os.Exit(core.ExitCode(cmd.Execute()))
}
