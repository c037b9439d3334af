package main

import (
	"os"

	"github.com/avelines/usdt-keeper/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
