package main

import (
	"os"

	"github.com/remdap/remdap/cmd/remdap/cmds"
)

func main() {
	if err := cmds.New().Execute(); err != nil {
		os.Exit(1)
	}
}
