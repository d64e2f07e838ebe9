package main

import (
	"os"

	"github.com/user/price-tracker/cmd/tracker/commands"
)

func main() {
	if err := commands.RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
