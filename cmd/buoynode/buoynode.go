/*
buoynode runs a drifter or localizer node
*/
package main

import "github.com/acousea/buoynode/cmd/buoynode/commands"

func main() {
	commands.Execute()
}
