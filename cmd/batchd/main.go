package main

import (
	"os"

	"batchd/internal/cli"
)

func main() { os.Exit(cli.Main()) }
