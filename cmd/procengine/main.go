package main

import (
	"os"

	"github.com/DEEJ4Y/procengine/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.Execute(); err != nil {
		out := &cli.OutputFormatter{Writer: os.Stdout, ErrWriter: os.Stderr}
		if f := cmd.PersistentFlags().Lookup("format"); f != nil {
			out.Format = f.Value.String()
		}
		_ = out.Error(err)
		os.Exit(cli.GetExitCode(err))
	}
}
