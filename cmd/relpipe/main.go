package main

import "github.com/davarch/relpipe/cmd/relpipe/cli"

func main() {
	cli.Execute()
}
