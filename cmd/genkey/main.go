// Package main provides a small tool to generate DeQ credentials: age key
// pairs for the secrets cipher, and raw API keys with their hashes.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/deqlabs/deq/internal/auth"
	"github.com/deqlabs/deq/internal/secrets"
)

func main() {
	kind := flag.String("type", "age", "Credential type to generate: age or apikey")
	flag.Parse()

	switch *kind {
	case "age":
		pub, priv, err := secrets.GenerateKeyPair()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error generating key pair: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("DEQ_AGE_PUBLIC_KEY=%s\n", pub)
		fmt.Printf("DEQ_AGE_PRIVATE_KEY=%s\n", priv)

	case "apikey":
		key, err := auth.GenerateAPIKey()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error generating API key: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("api_key: %s\n", key)
		fmt.Printf("key_hash: %s\n", auth.HashAPIKey(key))

	default:
		fmt.Fprintf(os.Stderr, "Unknown type %q, expected age or apikey\n", *kind)
		os.Exit(1)
	}
}
