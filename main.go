package main

import "github.com/wkin-t/dingtalk-ai-bot/cmd"

func main() {
	cmd.Execute()
}
