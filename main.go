package main

import "github.com/stevehiehn/tmtgo/cmd"

func main() {
	cmd.Execute()
}
