package main

import "streamwalk/cmd"

func main() {
	cmd.Execute()
}
