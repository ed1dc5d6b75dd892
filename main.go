package main

import (
	"os"

	"github.com/ziadkadry99/devtrail/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
