package main

import (
	"fmt"
	"os"

	"github.com/technosupport/guardian/internal/auth"
)

// Hashes a password for the operators block in the config file.
func main() {
	if len(os.Args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: genpass <password>")
		os.Exit(1)
	}
	hash, err := auth.HashPassword(os.Args[1])
	if err != nil {
		panic(err)
	}
	fmt.Println(hash)
}
