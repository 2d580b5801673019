package main

import "github.com/jmcleod/marquee/cmd/marquee/cmd"

func main() {
	cmd.Execute()
}
