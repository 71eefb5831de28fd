// Package main is entrypoint for the application
package main

import (
	"meet/cmd"
)

func main() {
	cmd.Run()
}
