package main

import "github.com/iclaustron/gridctl/pkg/paramreg"

// defaultRegistry returns the one parameter registry every subcommand
// encodes and decodes configuration against.
func defaultRegistry() *paramreg.Registry {
	return paramreg.Default()
}
