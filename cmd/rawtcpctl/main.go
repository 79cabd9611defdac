// Command rawtcpctl is the CLI client for the rawtcpd daemon's admin API.
package main

import "github.com/quietriver/rawtcp/cmd/rawtcpctl/commands"

func main() {
	commands.Execute()
}
