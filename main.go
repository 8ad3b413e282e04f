package main

import "github.com/Lorian-Workspace/Lorian-s-DiscordBot/cmd"

func main() {
	cmd.Execute()
}
