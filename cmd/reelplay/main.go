package main

import "github.com/zsiec/reel/internal/cmd"

func main() {
	cmd.Execute()
}
