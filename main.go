package main

import (
	"os"

	"github.com/zjrosen/squad/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
