package main

import "github.com/jmcleod/shelfguard/cmd/shelfguard/cmd"

func main() {
	cmd.Execute()
}
