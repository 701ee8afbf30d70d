package main

import "github.com/pvavrin/facelens/cmd"

func main() {
	cmd.Execute()
}
