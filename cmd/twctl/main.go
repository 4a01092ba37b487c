package main

import "taskworker/cmd/cli"

func main() {
	cli.Execute()
}
