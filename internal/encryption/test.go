package encryption

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"chronicler/internal/archive"
)

// testMagic marks data sealed by TestEncryptor.
var testMagic = []byte("CHRTEST1")

// TestEncryptor is a reversible stand-in for tests. It prefixes a magic
// header so sealed bytes differ from the plaintext without any key files.
type TestEncryptor struct {
	setupCalled bool
}

var _ archive.Encryptor = (*TestEncryptor)(nil)

// NewTestEncryptor creates a new TestEncryptor.
func NewTestEncryptor() *TestEncryptor {
	return &TestEncryptor{}
}

func (e *TestEncryptor) Setup(passphrase string) error {
	e.setupCalled = true
	return nil
}

func (e *TestEncryptor) Encrypt(r io.Reader, w io.Writer) error {
	if _, err := io.Copy(w, io.MultiReader(bytes.NewReader(testMagic), r)); err != nil {
		return fmt.Errorf("sealing data: %w", err)
	}
	return nil
}

func (e *TestEncryptor) Unlock(passphrase string) (archive.DecryptionContext, error) {
	return testDecryptor{}, nil
}

func (e *TestEncryptor) IsConfigured() bool {
	return true
}

type testDecryptor struct{}

func (testDecryptor) Decrypt(r io.Reader, w io.Writer) error {
	header := make([]byte, len(testMagic))
	if _, err := io.ReadFull(r, header); err != nil {
		return fmt.Errorf("reading test header: %w", err)
	}
	if !bytes.Equal(header, testMagic) {
		return errors.New("data was not sealed by TestEncryptor")
	}
	if _, err := io.Copy(w, r); err != nil {
		return fmt.Errorf("copying data: %w", err)
	}
	return nil
}
