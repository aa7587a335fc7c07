package main

import "context"

func runStatusCmd(args []string) {
	fs := newFlagSet("status")
	fs.ParseArgs(args)
	status, err := fs.client().Status(context.Background())
	check(err)
	printJSON(status)
}
