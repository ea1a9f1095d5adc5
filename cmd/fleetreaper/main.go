// Fleetreaper - stop, strip and terminate long-running EC2 instances.
package main

import "os"

func main() {
	os.Exit(Execute())
}
