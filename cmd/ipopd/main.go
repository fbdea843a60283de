package main

import (
	"github.com/ipoplabs/goIPOPd/internal/cli"
)

func main() {
	cli.Execute()
}
