package main

import "github.com/epiloop/epiloop/cmd"

func main() {
	cmd.Execute()
}
