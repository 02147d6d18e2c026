package session

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strconv"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const sealInfo = "walletbot/session/private-key"

// Sealer 使用 XChaCha20-Poly1305 加密私钥，密钥由 ENCRYPTION_KEY 经 HKDF 派生。
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer 根据共享密钥构造 Sealer。
func NewSealer(secret string) (*Sealer, error) {
	if len(secret) < 16 {
		return nil, errors.New("加密密钥长度至少 16 字节")
	}
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte(sealInfo)), key); err != nil {
		return nil, fmt.Errorf("派生加密密钥失败: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("初始化加密算法失败: %w", err)
	}
	return &Sealer{aead: aead}, nil
}

// Seal 加密明文，结果绑定到用户 ID。
func (s *Sealer) Seal(userID int64, plaintext string) (string, error) {
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(plaintext)+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("生成随机数失败: %w", err)
	}
	out := s.aead.Seal(nonce, nonce, []byte(plaintext), additionalData(userID))
	return base64.StdEncoding.EncodeToString(out), nil
}

// Open 解密 Seal 的结果。
func (s *Sealer) Open(userID int64, sealed string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("解码密文失败: %w", err)
	}
	if len(raw) < s.aead.NonceSize() {
		return "", errors.New("密文长度不足")
	}
	nonce, ciphertext := raw[:s.aead.NonceSize()], raw[s.aead.NonceSize():]
	plain, err := s.aead.Open(nil, nonce, ciphertext, additionalData(userID))
	if err != nil {
		return "", fmt.Errorf("解密失败: %w", err)
	}
	return string(plain), nil
}

func additionalData(userID int64) []byte {
	return []byte(strconv.FormatInt(userID, 10))
}
