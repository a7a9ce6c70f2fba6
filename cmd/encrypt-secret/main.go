// Command encrypt-secret writes an exchange API secret to the encrypted file
// format read by exchange.encrypted_secret_path. The secret is read from
// stdin and the password from SIGNALBOT_EXCHANGE_SECRET_PASSWORD.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/alanyoungcy/signalbot/internal/crypto"
)

func main() {
	out := flag.String("out", "exchange_secret.json", "output file")
	flag.Parse()

	password := os.Getenv("SIGNALBOT_EXCHANGE_SECRET_PASSWORD")
	if password == "" {
		fmt.Fprintln(os.Stderr, "SIGNALBOT_EXCHANGE_SECRET_PASSWORD must be set")
		os.Exit(2)
	}

	secret, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && secret == "" {
		fmt.Fprintf(os.Stderr, "read secret: %v\n", err)
		os.Exit(1)
	}
	secret = strings.TrimSpace(secret)
	if secret == "" {
		fmt.Fprintln(os.Stderr, "empty secret")
		os.Exit(2)
	}

	data, err := crypto.EncryptSecret(secret, password)
	if err != nil {
		fmt.Fprintf(os.Stderr, "encrypt: %v\n", err)
		os.Exit(1)
	}
	if err := os.WriteFile(*out, data, 0o600); err != nil {
		fmt.Fprintf(os.Stderr, "write %s: %v\n", *out, err)
		os.Exit(1)
	}
	fmt.Printf("wrote %s\n", *out)
}
