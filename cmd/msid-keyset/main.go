// This command is only used for local testing: it generates a cleartext Tink
// keyset file suitable for MSID_CACHE_ENCRYPTION_KEYSET_FILE. Production
// deployments should store the keyset in Secrets Manager, envelope-encrypted
// with KMS.
package main

import (
	"fmt"
	"os"

	"github.com/tink-crypto/tink-go/v2/aead"
	"github.com/tink-crypto/tink-go/v2/insecurecleartextkeyset"
	"github.com/tink-crypto/tink-go/v2/keyset"
)

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintf(os.Stderr, "usage: %s <keyset-file>\n", os.Args[0])
		os.Exit(2)
	}
	path := os.Args[1]

	if _, err := os.Stat(path); err == nil {
		fmt.Fprintf(os.Stderr, "refusing to overwrite existing keyset %s\n", path)
		os.Exit(1)
	}

	if err := writeKeyset(path); err != nil {
		fmt.Fprintf(os.Stderr, "error creating keyset: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("wrote AES-256-GCM keyset to %s\n", path)
}

func writeKeyset(path string) error {
	handle, err := keyset.NewHandle(aead.AES256GCMKeyTemplate())
	if err != nil {
		return fmt.Errorf("generating keyset: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("creating keyset file: %w", err)
	}

	if err := insecurecleartextkeyset.Write(handle, keyset.NewJSONWriter(f)); err != nil {
		f.Close()
		return fmt.Errorf("writing keyset: %w", err)
	}

	return f.Close()
}
