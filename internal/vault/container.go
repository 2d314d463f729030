package vault

import (
	"bytes"
	"compress/gzip"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// ContainerFormatVersion identifies the on-disk envelope layout.
const ContainerFormatVersion = 1

const (
	algorithmAESGCM = "aes-256-gcm"
	compressionGzip = "gzip"
	gcmTagSize      = 16
)

// StorageMetadata describes one stored container. It is immutable once
// written, except KeyVersion and LastModified which advance during key
// rotation re-encryption.
type StorageMetadata struct {
	Version              int       `json:"version"`
	EncryptionAlgorithm  string    `json:"encryption_algorithm"`
	CompressionAlgorithm string    `json:"compression_algorithm,omitempty"`
	KeyVersion           int       `json:"key_version"`
	CreatedAt            time.Time `json:"created_at"`
	LastModified         time.Time `json:"last_modified"`
	EventCount           int       `json:"event_count"`
	FileSize             int64     `json:"file_size"`
	Checksum             string    `json:"checksum"`
}

// Container is the at-rest JSON envelope of one encrypted payload. The
// signature is a keyed seal over the whole container, distinct from any
// signature the payload itself carries.
type Container struct {
	Metadata  StorageMetadata `json:"metadata"`
	IV        string          `json:"iv"`
	AuthTag   string          `json:"auth_tag"`
	Data      string          `json:"data"`
	Signature string          `json:"signature"`
}

// sealPayload compresses (optionally) and encrypts a plaintext buffer into a
// signed container under the given key version.
func sealPayload(encKey, macKey []byte, keyVersion, eventCount int, plaintext []byte, compress bool) (*Container, error) {
	buf := plaintext
	compression := ""
	if compress {
		var zbuf bytes.Buffer
		zw := gzip.NewWriter(&zbuf)
		if _, err := zw.Write(plaintext); err != nil {
			return nil, fmt.Errorf("compress payload: %w", err)
		}
		if err := zw.Close(); err != nil {
			return nil, fmt.Errorf("finish compression: %w", err)
		}
		buf = zbuf.Bytes()
		compression = compressionGzip
	}

	checksum := sha256.Sum256(buf)

	aead, err := newGCM(encKey)
	if err != nil {
		return nil, err
	}
	iv := make([]byte, aead.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("generate iv: %w", err)
	}
	sealed := aead.Seal(nil, iv, buf, nil)
	ciphertext := sealed[:len(sealed)-gcmTagSize]
	authTag := sealed[len(sealed)-gcmTagSize:]

	now := time.Now().UTC()
	c := &Container{
		Metadata: StorageMetadata{
			Version:              ContainerFormatVersion,
			EncryptionAlgorithm:  algorithmAESGCM,
			CompressionAlgorithm: compression,
			KeyVersion:           keyVersion,
			CreatedAt:            now,
			LastModified:         now,
			EventCount:           eventCount,
			FileSize:             int64(len(ciphertext)),
			Checksum:             hex.EncodeToString(checksum[:]),
		},
		IV:      base64.StdEncoding.EncodeToString(iv),
		AuthTag: base64.StdEncoding.EncodeToString(authTag),
		Data:    base64.StdEncoding.EncodeToString(ciphertext),
	}

	sig, err := containerSignature(macKey, c)
	if err != nil {
		return nil, err
	}
	c.Signature = sig
	return c, nil
}

// openPayload verifies nothing: callers must check the container seal first.
// It decrypts and decompresses the payload under the given key.
func openPayload(encKey []byte, c *Container) ([]byte, error) {
	buf, err := decryptPayload(encKey, c)
	if err != nil {
		return nil, err
	}

	if c.Metadata.CompressionAlgorithm == compressionGzip {
		zr, err := gzip.NewReader(bytes.NewReader(buf))
		if err != nil {
			return nil, fmt.Errorf("open compressed payload: %w", err)
		}
		defer zr.Close()
		buf, err = io.ReadAll(zr)
		if err != nil {
			return nil, fmt.Errorf("decompress payload: %w", err)
		}
	}
	return buf, nil
}

// decryptPayload decrypts the container without decompressing, returning the
// exact buffer the stored checksum was computed over.
func decryptPayload(encKey []byte, c *Container) ([]byte, error) {
	iv, err := base64.StdEncoding.DecodeString(c.IV)
	if err != nil {
		return nil, fmt.Errorf("decode iv: %w", err)
	}
	authTag, err := base64.StdEncoding.DecodeString(c.AuthTag)
	if err != nil {
		return nil, fmt.Errorf("decode auth tag: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(c.Data)
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}

	aead, err := newGCM(encKey)
	if err != nil {
		return nil, err
	}
	buf, err := aead.Open(nil, iv, append(ciphertext, authTag...), nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt container: %w", err)
	}
	return buf, nil
}

// containerSignature computes the keyed seal over metadata, iv, auth tag,
// and ciphertext. Any post-write modification of those fields breaks it.
func containerSignature(macKey []byte, c *Container) (string, error) {
	meta, err := json.Marshal(c.Metadata)
	if err != nil {
		return "", fmt.Errorf("marshal metadata for seal: %w", err)
	}
	mac := hmac.New(sha256.New, macKey)
	mac.Write(meta)
	mac.Write([]byte(c.IV))
	mac.Write([]byte(c.AuthTag))
	mac.Write([]byte(c.Data))
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// verifySeal recomputes the container signature and compares it in constant
// time with the stored one.
func verifySeal(macKey []byte, c *Container) (bool, error) {
	want, err := containerSignature(macKey, c)
	if err != nil {
		return false, err
	}
	return hmac.Equal([]byte(want), []byte(c.Signature)), nil
}

// payloadChecksum recomputes the checksum over the decrypted (still
// compressed, when applicable) buffer for VerifyFileIntegrity.
func payloadChecksum(buf []byte) string {
	sum := sha256.Sum256(buf)
	return hex.EncodeToString(sum[:])
}
