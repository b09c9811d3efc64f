package main

import "github.com/corvino/connectsphere/internal/cli"

func main() {
	cli.Execute()
}
