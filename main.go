package main

import "goldrenard/cmd"

func main() {
	cmd.Execute()
}
