package main

import "github.com/jsiwek/repkv/cmd"

func main() {
	cmd.Execute()
}
