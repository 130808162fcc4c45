package main

import "github.com/ameureka/ai-deepresearch-agent/cmd"

func main() {
	cmd.Execute()
}
