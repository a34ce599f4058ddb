// Command docmutex acquires, inspects and releases leases on document-store
// records from the shell.
package main

import "github.com/nimburion/docmutex/pkg/cli"

func main() {
	cli.Execute(cli.NewRootCommand(cli.Options{
		Name:        "docmutex",
		Description: "Lease-based mutual exclusion over document-store records",
		EnvPrefix:   "DOCMUTEX",
	}))
}
