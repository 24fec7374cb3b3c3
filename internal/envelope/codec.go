// Package envelope implements the WeCom callback envelope: SHA1 signatures
// over (token, timestamp, nonce, payload) and AES-256-CBC encryption with a
// 32-byte PKCS#7 block.
//
// Decrypted payload layout:
//
//	random(16) | msg_len(4, big-endian) | msg | receiver_id
//
// The codec does no I/O. Randomness and the clock are injectable so tests
// are fully deterministic.
package envelope

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math/big"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	aesKeyLen       = 43
	pkcs7BlockSize  = 32
	randomPrefixLen = 16
)

var (
	errInvalidBlockSize = errors.New("invalid block size")
	errInvalidPKCS7Data = fmt.Errorf("%w: empty data", ErrPadding)
)

// Options configures a Codec.
type Options struct {
	Token          string
	EncodingAESKey string // 43 chars, base64 without the trailing "="
	ReceiveID      string // corp id / bot id expected inside the payload
	Strict         bool   // require an exact receiver match
	Tolerance      time.Duration
	Now            func() time.Time
	Rand           io.Reader
}

// Codec verifies, decrypts and encrypts envelopes for one bot.
type Codec struct {
	token     string
	key       []byte
	iv        []byte
	receiveID string
	strict    bool
	tolerance time.Duration
	now       func() time.Time
	rand      io.Reader
}

// New validates the options and derives the AES key.
func New(opts Options) (*Codec, error) {
	if opts.Token == "" {
		return nil, errors.New("envelope: token is required")
	}
	if len(opts.EncodingAESKey) != aesKeyLen {
		return nil, fmt.Errorf("envelope: encoding aes key must be %d chars, got %d", aesKeyLen, len(opts.EncodingAESKey))
	}
	key, err := base64.StdEncoding.DecodeString(opts.EncodingAESKey + "=")
	if err != nil {
		return nil, fmt.Errorf("envelope: decode aes key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("envelope: aes key decodes to %d bytes, want 32", len(key))
	}
	c := &Codec{
		token:     opts.Token,
		key:       key,
		iv:        key[:aes.BlockSize],
		receiveID: opts.ReceiveID,
		strict:    opts.Strict,
		tolerance: opts.Tolerance,
		now:       opts.Now,
		rand:      opts.Rand,
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.rand == nil {
		c.rand = rand.Reader
	}
	return c, nil
}

// Signature computes the hex SHA1 of the sorted, concatenated fields.
func (c *Codec) Signature(timestamp, nonce, encrypted string) string {
	parts := []string{c.token, timestamp, nonce, encrypted}
	sort.Strings(parts)
	sum := sha1.Sum([]byte(strings.Join(parts, "")))
	return hex.EncodeToString(sum[:])
}

// Verify reports whether signature matches the envelope fields.
func (c *Codec) Verify(signature, timestamp, nonce, encrypted string) bool {
	want := c.Signature(timestamp, nonce, encrypted)
	return subtle.ConstantTimeCompare([]byte(want), []byte(signature)) == 1
}

// Decrypt verifies a callback body and returns the plaintext event
// (XML or JSON, whatever the platform sent).
func (c *Codec) Decrypt(signature, timestamp, nonce string, body []byte) ([]byte, error) {
	encrypted, err := ExtractEncrypted(body)
	if err != nil {
		return nil, cryptoErr("decrypt", err)
	}
	if err := c.check(signature, timestamp, nonce, encrypted); err != nil {
		return nil, cryptoErr("decrypt", err)
	}
	plain, err := c.Open(encrypted, true)
	if err != nil {
		return nil, cryptoErr("decrypt", err)
	}
	return plain, nil
}

// VerifyURL handles the ownership check: echostr is itself an encrypted
// payload whose plaintext must be echoed back. The receiver id is not
// checked; the echo carries none for intelligent bots.
func (c *Codec) VerifyURL(signature, timestamp, nonce, echostr string) ([]byte, error) {
	if echostr == "" {
		return nil, cryptoErr("verify url", ErrMalformed)
	}
	if err := c.check(signature, timestamp, nonce, echostr); err != nil {
		return nil, cryptoErr("verify url", err)
	}
	plain, err := c.Open(echostr, false)
	if err != nil {
		return nil, cryptoErr("verify url", err)
	}
	return plain, nil
}

func (c *Codec) check(signature, timestamp, nonce, encrypted string) error {
	if !c.Verify(signature, timestamp, nonce, encrypted) {
		return ErrSignature
	}
	if c.tolerance <= 0 {
		return nil
	}
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: timestamp %q", ErrMalformed, timestamp)
	}
	skew := c.now().Sub(time.Unix(ts, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > c.tolerance {
		return fmt.Errorf("%w: skew %s", ErrTimestamp, skew.Round(time.Second))
	}
	return nil
}

// Envelope is the encrypted reply body.
type Envelope struct {
	Encrypt      string `json:"encrypt"`
	MsgSignature string `json:"msgsignature"`
	Timestamp    string `json:"timestamp"`
	Nonce        string `json:"nonce"`
}

// Encrypt seals a reply. Empty timestamp or nonce are generated.
func (c *Codec) Encrypt(plaintext []byte, timestamp, nonce string) (*Envelope, error) {
	if timestamp == "" {
		timestamp = strconv.FormatInt(c.now().Unix(), 10)
	}
	if nonce == "" {
		n, err := c.nonce()
		if err != nil {
			return nil, cryptoErr("encrypt", err)
		}
		nonce = n
	}
	encrypted, err := c.Seal(plaintext)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Encrypt:      encrypted,
		MsgSignature: c.Signature(timestamp, nonce, encrypted),
		Timestamp:    timestamp,
		Nonce:        nonce,
	}, nil
}

// Seal encrypts plaintext into the base64 payload format.
func (c *Codec) Seal(plaintext []byte) (string, error) {
	buf := make([]byte, randomPrefixLen+4, randomPrefixLen+4+len(plaintext)+len(c.receiveID)+pkcs7BlockSize)
	if _, err := io.ReadFull(c.rand, buf[:randomPrefixLen]); err != nil {
		return "", cryptoErr("encrypt", fmt.Errorf("random prefix: %w", err))
	}
	binary.BigEndian.PutUint32(buf[randomPrefixLen:], uint32(len(plaintext)))
	buf = append(buf, plaintext...)
	buf = append(buf, c.receiveID...)

	padded, err := pkcs7Pad(buf, pkcs7BlockSize)
	if err != nil {
		return "", cryptoErr("encrypt", err)
	}
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", cryptoErr("encrypt", err)
	}
	ct := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, c.iv).CryptBlocks(ct, padded)
	return base64.StdEncoding.EncodeToString(ct), nil
}

// Open decrypts a base64 payload and returns the message section.
// checkReceiver enables receiver validation per the strict setting.
func (c *Codec) Open(encrypted string, checkReceiver bool) ([]byte, error) {
	ct, err := base64.StdEncoding.DecodeString(encrypted)
	if err != nil {
		return nil, fmt.Errorf("%w: base64: %v", ErrMalformed, err)
	}
	if len(ct) == 0 || len(ct)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: ciphertext length %d", ErrMalformed, len(ct))
	}
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, err
	}
	plain := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, c.iv).CryptBlocks(plain, ct)

	plain, err = pkcs7Unpad(plain, pkcs7BlockSize)
	if err != nil {
		return nil, err
	}
	if len(plain) < randomPrefixLen+4 {
		return nil, fmt.Errorf("%w: payload too short", ErrMalformed)
	}
	msgLen := int(binary.BigEndian.Uint32(plain[randomPrefixLen : randomPrefixLen+4]))
	body := plain[randomPrefixLen+4:]
	if msgLen > len(body) {
		return nil, fmt.Errorf("%w: length prefix %d exceeds payload", ErrMalformed, msgLen)
	}
	msg, receiver := body[:msgLen], string(body[msgLen:])

	if checkReceiver && !c.receiverOK(receiver) {
		return nil, fmt.Errorf("%w: got %q", ErrReceiver, receiver)
	}
	return bytes.Clone(msg), nil
}

// DecryptMedia decrypts a downloaded media file. WeCom encrypts bot media
// with the same key and IV as envelopes, without the length framing.
func (c *Codec) DecryptMedia(data []byte) ([]byte, error) {
	if len(data) == 0 || len(data)%aes.BlockSize != 0 {
		return nil, cryptoErr("decrypt media", fmt.Errorf("%w: ciphertext length %d", ErrMalformed, len(data)))
	}
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, cryptoErr("decrypt media", err)
	}
	plain := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, c.iv).CryptBlocks(plain, data)
	plain, err = pkcs7Unpad(plain, pkcs7BlockSize)
	if err != nil {
		return nil, cryptoErr("decrypt media", err)
	}
	return plain, nil
}

func (c *Codec) receiverOK(got string) bool {
	if c.strict {
		return got == c.receiveID
	}
	return c.receiveID == "" || got == "" || got == c.receiveID
}

func (c *Codec) nonce() (string, error) {
	n, err := rand.Int(c.rand, big.NewInt(1e10))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%010d", n.Int64()), nil
}

// --- PKCS#7 padding ---

func pkcs7Pad(data []byte, blockSize int) ([]byte, error) {
	if blockSize <= 0 || blockSize > 255 {
		return nil, errInvalidBlockSize
	}
	padLen := blockSize - (len(data) % blockSize)
	return append(data, bytes.Repeat([]byte{byte(padLen)}, padLen)...), nil
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if blockSize <= 0 || blockSize > 255 {
		return nil, errInvalidBlockSize
	}
	if len(data) == 0 {
		return nil, errInvalidPKCS7Data
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > blockSize || padLen > len(data) {
		return nil, ErrPadding
	}
	if !bytes.Equal(bytes.Repeat([]byte{byte(padLen)}, padLen), data[len(data)-padLen:]) {
		return nil, ErrPadding
	}
	return data[:len(data)-padLen], nil
}
