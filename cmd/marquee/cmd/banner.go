package cmd

import (
	"fmt"

	"github.com/common-nighthawk/go-figure"
)

func printBanner() {
	fmt.Printf("\x1b[34m%s\x1b[0m", figure.NewFigure("marquee", "cybermedium", true).String())
	fmt.Printf("\x1b[32m  Session Authentication Server - Version %s\x1b[0m\n\n", Version)
}
