package main

import "github.com/brocaar/chirpstack-p2p/cmd/chirpstack-p2p/cmd"

var version string // set by the compiler

func main() {
	cmd.Execute(version)
}
