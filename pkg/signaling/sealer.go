package signaling

import (
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// Ошибки канала
var (
	ErrDecrypt         = errors.New("signaling: не удалось расшифровать пакет")
	ErrReplay          = errors.New("signaling: повтор пакета")
	ErrMalformedPacket = errors.New("signaling: некорректный пакет")
	ErrUnknownMessage  = errors.New("signaling: неизвестное сообщение")
)

// KeySize размер общего ключа
const KeySize = chacha20poly1305.KeySize

// Sealer шифрование пакетов. Ядро не работает с ключами напрямую.
// outgoing направление отправителя пакета: одинаковый счетчик с разных
// сторон дает разные nonce.
type Sealer interface {
	Seal(counter uint32, outgoing bool, plaintext []byte) ([]byte, error)
	Open(counter uint32, outgoing bool, ciphertext []byte) ([]byte, error)
}

// AEADSealer реализация на ChaCha20-Poly1305
type AEADSealer struct {
	aead cipher.AEAD
}

// NewAEADSealer создает sealer из 32-байтного ключа
func NewAEADSealer(key []byte) (*AEADSealer, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("signaling: ключ: %w", err)
	}
	return &AEADSealer{aead: aead}, nil
}

// Seal шифрует plaintext, счетчик входит в associated data
func (s *AEADSealer) Seal(counter uint32, outgoing bool, plaintext []byte) ([]byte, error) {
	nonce, aad := s.nonce(counter, outgoing)
	return s.aead.Seal(nil, nonce, plaintext, aad), nil
}

// Open расшифровывает и проверяет пакет
func (s *AEADSealer) Open(counter uint32, outgoing bool, ciphertext []byte) ([]byte, error) {
	nonce, aad := s.nonce(counter, outgoing)
	plaintext, err := s.aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

func (s *AEADSealer) nonce(counter uint32, outgoing bool) ([]byte, []byte) {
	nonce := make([]byte, s.aead.NonceSize())
	binary.BigEndian.PutUint32(nonce, counter)
	if outgoing {
		nonce[4] = 1
	}
	aad := make([]byte, 4)
	binary.BigEndian.PutUint32(aad, counter)
	return nonce, aad
}
