// The main package for the refharvest executable.
package main

import (
	"github.com/reflib/refharvest/cmd"
)

func main() {
	cmd.Execute()
}
