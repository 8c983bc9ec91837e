// Generator of the shared backend key used by services which publish to the gateway.
package main

import (
	"crypto/rand"
	"encoding/base64"
	"flag"
	"fmt"
	"os"
)

const (
	// Keys shorter than this are refused.
	minKeyLength = 16
	// Default length of a generated key in bytes.
	defaultKeyLength = 32
)

func main() {
	var length = flag.Int("length", defaultKeyLength, "Length of the key in bytes")
	var key = flag.String("validate", "", "Backend key to validate")

	flag.Parse()

	if *key != "" {
		os.Exit(validate(*key))
	}
	os.Exit(generate(*length))
}

// Generate a random key and print it base64-encoded, suitable for
// "backend_key" in the config or TMC_COMET_BACKEND_KEY.
func generate(length int) int {
	if length < minKeyLength {
		fmt.Fprintf(os.Stderr, "Key must be at least %d bytes long\n", minKeyLength)
		return 1
	}

	data := make([]byte, length)
	if _, err := rand.Read(data); err != nil {
		fmt.Fprintln(os.Stderr, "Failed to generate key:", err)
		return 1
	}

	fmt.Printf("Backend key (%d bytes): %s\n", length, base64.URLEncoding.EncodeToString(data))
	return 0
}

// Check that the key is a base64 string of sufficient length.
func validate(key string) int {
	data, err := base64.URLEncoding.DecodeString(key)
	if err != nil {
		if data, err = base64.StdEncoding.DecodeString(key); err != nil {
			fmt.Println("INVALID: not base64:", err)
			return 1
		}
	}

	if len(data) < minKeyLength {
		fmt.Printf("INVALID: key is %d bytes long, at least %d required\n", len(data), minKeyLength)
		return 1
	}

	fmt.Printf("Valid, %d bytes\n", len(data))
	return 0
}
