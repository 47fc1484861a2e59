// Command updateverify runs the background update-verification pipeline
// and its status/control HTTP surface.
package main

import "github.com/ironledger/updateverify/cmd"

func main() {
	cmd.Execute()
}
