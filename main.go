package main

import "github.com/agentic-research/rulebridge/cmd"

func main() {
	cmd.Execute()
}
