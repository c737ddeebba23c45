// mitigatectl - operator CLI for a running mitigator server
package main

import "github.com/mbd888/mitigator/internal/cli"

func main() {
	cli.Execute()
}
