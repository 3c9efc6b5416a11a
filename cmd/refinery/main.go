// Command refinery is the operator CLI for the molecule engine: submit and
// start molecule definitions, inspect progress, decide gates, and abort or
// archive runs.
package main

import "os"

func main() {
	os.Exit(run())
}
