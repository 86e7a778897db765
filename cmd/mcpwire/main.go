package main

import "github.com/mcpwire/mcpwire/cmd/mcpwire/cmd"

func main() {
	cmd.Execute()
}
