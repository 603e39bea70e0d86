package main

import "midiseq/cmd"

func main() {
	cmd.Execute()
}
