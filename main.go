package main

import "github.com/artemis-suite/artemis/cmd"

func main() {
	cmd.Execute()
}
