package main

import (
	"os"

	"github.com/qsched/qsched/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
