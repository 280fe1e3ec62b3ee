package main

import "github.com/akropp/openclaw/cmd"

func main() {
	cmd.Execute()
}
