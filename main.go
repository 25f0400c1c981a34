package main

import "github.com/agentcmd/agentcmd/cmd"

func main() {
	cmd.Execute()
}
