package main

import "github.com/dhcgn/mail-sanitizer/cmd"

func main() {
	cmd.Execute()
}
