package main

import "ppcache/cmd"

func main() {
	cmd.Execute()
}
