// The main package for the pageaudit executable.
package main

import (
	"github.com/Nochiis/web-metrics-probuilds/cmd"
)

func main() {
	cmd.Execute()
}
