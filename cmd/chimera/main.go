package main

import "github.com/chimera-gw/chimera/cmd/chimera/cmd"

func main() {
	cmd.Execute()
}
