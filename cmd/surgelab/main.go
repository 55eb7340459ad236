package main

import "surgelab/cmd"

func main() {
	cmd.Execute()
}
