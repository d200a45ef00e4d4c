package main

import (
	"os"

	"github.com/tokengate/tokengate/internal/cli"
)

func main() {
	cli.InitCLI()
	os.Exit(cli.ExecuteWithErrorCode(os.Args[1:]))
}
