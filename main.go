package main

import "github.com/photopick/photopick/cmd"

func main() {
	cmd.Execute()
}
