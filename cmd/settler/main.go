package main

import "github.com/vietddude/settler/internal/cli"

func main() {
	cli.Execute()
}
