package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/Blackdeer1524/CipherKV/src/cli"
)

func main() {
	cmd := cli.NewRootCommand(os.Stdout)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)

		var withExitCode interface{ ExitCode() int }
		if errors.As(err, &withExitCode) {
			os.Exit(withExitCode.ExitCode())
		}
		os.Exit(cli.ExitCodeGeneric)
	}
}
