package main

import "github.com/felixgeelhaar/murmur/cmd/murmur/cli"

func main() {
	cli.Execute()
}
