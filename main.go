package main

import "github.com/NamanBalaji/mediagate/cmd"

func main() {
	cmd.Execute()
}
