package main

import "fxsettle/internal/cli"

func main() {
	cli.Execute()
}
