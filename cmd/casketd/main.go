package main

import "github.com/casket-io/casket/cmd/casketd/cmd"

func main() {
	cmd.Execute()
}
