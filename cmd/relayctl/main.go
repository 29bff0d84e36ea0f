package main

import (
	"fmt"
	"os"

	"github.com/EternisAI/silo-relay/internal/cli"
)

var AppVersion string

func main() {
	if err := cli.Execute(os.Stdout, os.Stderr, AppVersion); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
