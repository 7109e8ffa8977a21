package main

import "github.com/stratoform/cartograph/cmd/cartograph/commands"

func main() {
	commands.Execute()
}
