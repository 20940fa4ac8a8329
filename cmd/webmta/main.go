package main

import (
	"github.com/jvalenc/webmta/cmd/webmta/commands"
)

func main() {
	commands.Execute()
}
