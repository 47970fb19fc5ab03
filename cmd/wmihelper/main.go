// wmihelper relays WMI hardware events to a JSON-lines file read by the
// desktop shell, and exits when stop.txt is created next to it.
package main

import "github.com/ppiankov/wmihelper/internal/cli"

func main() {
	cli.Execute()
}
