// Command picpool runs listing discovery, market tracking and the API.
package main

import (
	"os"

	"github.com/mat-shur/picpool/internal/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
