package main

import (
	"paperdash/internal/cli"
)

func main() {
	cli.Execute()
}
