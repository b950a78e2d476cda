package main

import "github.com/stationside/orbitcache/cmd"

func main() {
	cmd.Execute()
}
