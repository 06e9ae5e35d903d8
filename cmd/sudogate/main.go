package main

import "github.com/jmcleod/sudogate/cmd/sudogate/cmd"

func main() {
	cmd.Execute()
}
