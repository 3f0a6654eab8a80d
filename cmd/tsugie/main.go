package main

import "github.com/boogieLing/Tsugie/cmd/tsugie/cmd"

func main() {
	cmd.Execute()
}
