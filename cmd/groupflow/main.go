package main

import "github.com/yichenzhou/groupflow/internal/cli"

func main() {
	cli.Execute()
}
