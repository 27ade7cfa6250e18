// Command snocat runs the peer-capable stream tunneling daemon.
package main

import "github.com/age-rs/snocat/internal/cli"

func main() {
	cli.Execute()
}
