package main

import (
	"os"

	"github.com/grovetools/devrelay/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
