package main

import "github.com/ghyeongl/ccsync/cmd"

func main() {
	cmd.Execute()
}
