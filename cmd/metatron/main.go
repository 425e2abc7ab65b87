package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/avi-rzv/metatron/cmd/metatron/commands"
)

// version is set via -ldflags at build time.
var version = "dev"

func main() {
	// .env is optional; real env vars win over it.
	_ = godotenv.Load()

	if err := commands.NewRootCmd(version).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
