package security

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptionService(t *testing.T) {
	t.Run("rejects an empty key", func(t *testing.T) {
		_, err := NewEncryptionService("")
		assert.Error(t, err)
	})

	for _, key := range []string{"0123456789abcdef", "a passphrase of arbitrary length"[:27]} {
		svc, err := NewEncryptionService(key)
		require.NoError(t, err)

		sealed, err := svc.Seal([]byte(`{"account":"a@b"}`), "job-1")
		require.NoError(t, err)
		again, err := svc.Seal([]byte(`{"account":"a@b"}`), "job-1")
		require.NoError(t, err)
		assert.NotEqual(t, sealed, again, "nonce must differ per message")

		pt, err := svc.Open(sealed, "job-1")
		require.NoError(t, err)
		assert.Equal(t, `{"account":"a@b"}`, string(pt))

		_, err = svc.Open(sealed, "job-2")
		assert.Error(t, err, "payload bound to another job")
		_, err = svc.Open("!!", "job-1")
		assert.Error(t, err)
	}
}
