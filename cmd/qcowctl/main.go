package main

import "github.com/ehrlich-b/go-qcow/internal/cli"

func main() {
	cli.Execute()
}
