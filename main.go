package main

import "github.com/clawdbot/clawdbot/cmd"

func main() {
	cmd.Execute()
}
