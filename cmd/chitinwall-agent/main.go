package main

import (
	"os"

	"github.com/chitinwall/chitinwall/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
