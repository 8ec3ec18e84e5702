// Package sshkey generates host-side SSH keypairs for guest access
// credentials, shared by spec.md §4.G step 3 and §4.J's persistent
// domains.
package sshkey

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"

	"golang.org/x/crypto/ssh"
)

// Pair is a freshly generated ed25519 keypair in the wire formats the
// rest of the system consumes: an OpenSSH private key PEM block and an
// authorized_keys-formatted public key line.
type Pair struct {
	PrivateKeyPEM []byte
	AuthorizedKey []byte
}

// Generate creates a new ed25519 keypair.
func Generate() (Pair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Pair{}, fmt.Errorf("sshkey: generate key: %w", err)
	}

	block, err := ssh.MarshalPrivateKey(priv, "")
	if err != nil {
		return Pair{}, fmt.Errorf("sshkey: marshal private key: %w", err)
	}

	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return Pair{}, fmt.Errorf("sshkey: derive public key: %w", err)
	}

	return Pair{
		PrivateKeyPEM: pem.EncodeToMemory(block),
		AuthorizedKey: ssh.MarshalAuthorizedKey(sshPub),
	}, nil
}
