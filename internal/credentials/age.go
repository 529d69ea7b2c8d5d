package credentials

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"filippo.io/age"
)

// AgeCipher encrypts domain secrets to an age recipient and decrypts them
// with identities read from a key file. Ciphertext is base64 so it fits a
// text column.
type AgeCipher struct {
	identities []age.Identity
	recipients []age.Recipient
}

// NewAgeCipher loads identities from identityFile and parses recipient. Either
// may be empty: without identities the cipher cannot decrypt, and without a
// recipient it encrypts to the first X25519 identity's public key.
func NewAgeCipher(identityFile, recipient string) (*AgeCipher, error) {
	c := &AgeCipher{}

	if identityFile != "" {
		f, err := os.Open(identityFile)
		if err != nil {
			return nil, fmt.Errorf("opening identity file: %w", err)
		}
		defer f.Close()

		ids, err := age.ParseIdentities(f)
		if err != nil {
			return nil, fmt.Errorf("parsing identity file: %w", err)
		}
		c.identities = ids
	}

	if recipient != "" {
		rs, err := age.ParseRecipients(strings.NewReader(recipient))
		if err != nil {
			return nil, fmt.Errorf("parsing recipient %q: %w", recipient, err)
		}
		c.recipients = rs
	} else {
		for _, id := range c.identities {
			if x, ok := id.(*age.X25519Identity); ok {
				c.recipients = append(c.recipients, x.Recipient())
				break
			}
		}
	}

	return c, nil
}

// GenerateIdentity writes a new X25519 identity to path and returns its
// public key. It refuses to overwrite an existing file.
func GenerateIdentity(path string) (string, error) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return "", fmt.Errorf("generating age identity: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return "", fmt.Errorf("creating identity file: %w", err)
	}
	defer f.Close()

	pub := identity.Recipient().String()
	if _, err := fmt.Fprintf(f, "# public key: %s\n%s\n", pub, identity.String()); err != nil {
		return "", fmt.Errorf("writing identity file: %w", err)
	}
	return pub, nil
}

// Encrypt seals plaintext and returns base64 ciphertext.
func (c *AgeCipher) Encrypt(plaintext string) (string, error) {
	if len(c.recipients) == 0 {
		return "", errors.New("no age recipient configured")
	}

	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, c.recipients...)
	if err != nil {
		return "", fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := io.WriteString(w, plaintext); err != nil {
		return "", fmt.Errorf("writing plaintext: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("finalizing age encryption: %w", err)
	}

	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// Decrypt opens base64 ciphertext produced by Encrypt.
func (c *AgeCipher) Decrypt(ciphertext string) (string, error) {
	if len(c.identities) == 0 {
		return "", errors.New("no age identity configured")
	}

	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("decoding base64 ciphertext: %w", err)
	}

	r, err := age.Decrypt(bytes.NewReader(raw), c.identities...)
	if err != nil {
		return "", fmt.Errorf("decrypting: %w", err)
	}

	plaintext, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("reading decrypted plaintext: %w", err)
	}
	return string(plaintext), nil
}
