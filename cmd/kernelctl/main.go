package main

import "github.com/erpkernel/erpkernel/cmd/kernelctl/cmd"

func main() {
	cmd.Execute()
}
