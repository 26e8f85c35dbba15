package crypto

import (
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// requestPrefix domain-separates request digests from every other message a
// key might sign.
const requestPrefix = "\x19condmarket request:\n"

// ErrBadSignature is returned when a request signature is malformed or does
// not recover to a public key.
var ErrBadSignature = errors.New("crypto: bad signature")

// Request is the signed part of an API request. Nonce may be empty; callers
// that send two identical requests within the same second must vary it.
type Request struct {
	Method    string
	Path      string
	Timestamp int64
	Nonce     string
	Body      []byte
}

// RequestDigest is the 32-byte hash a caller signs to authenticate an API
// request:
//
//	keccak256("\x19condmarket request:\n" || method || "\n" || path || "\n" || timestamp || "\n" || nonce || "\n" || body)
func RequestDigest(req Request) []byte {
	return ethcrypto.Keccak256(
		[]byte(requestPrefix),
		[]byte(strings.ToUpper(req.Method)), []byte{'\n'},
		[]byte(req.Path), []byte{'\n'},
		[]byte(strconv.FormatInt(req.Timestamp, 10)), []byte{'\n'},
		[]byte(req.Nonce), []byte{'\n'},
		req.Body,
	)
}

// Signer signs request digests with a secp256k1 key.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

// NewSigner parses a hex-encoded private key, with or without 0x.
func NewSigner(privateKeyHex string) (*Signer, error) {
	pk, err := ethcrypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: invalid private key: %w", err)
	}
	return &Signer{privateKey: pk, address: ethcrypto.PubkeyToAddress(pk.PublicKey)}, nil
}

// GenerateSigner creates a signer over a fresh random key.
func GenerateSigner() (*Signer, error) {
	pk, err := ethcrypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: generate key: %w", err)
	}
	return &Signer{privateKey: pk, address: ethcrypto.PubkeyToAddress(pk.PublicKey)}, nil
}

// Address is the identity requests signed by s recover to.
func (s *Signer) Address() common.Address {
	return s.address
}

// PrivateKeyHex returns the key without a 0x prefix.
func (s *Signer) PrivateKeyHex() string {
	return hex.EncodeToString(ethcrypto.FromECDSA(s.privateKey))
}

// SignRequest returns the 0x-prefixed 65-byte signature (r || s || v, v in
// {27, 28}) over RequestDigest.
func (s *Signer) SignRequest(req Request) (string, error) {
	sig, err := ethcrypto.Sign(RequestDigest(req), s.privateKey)
	if err != nil {
		return "", fmt.Errorf("crypto/signer: sign: %w", err)
	}
	sig[64] += 27
	return "0x" + hex.EncodeToString(sig), nil
}

// RecoverCaller returns the address whose key produced signature over the
// request. v may be given as 0/1 or 27/28.
func RecoverCaller(req Request, signature string) (common.Address, error) {
	sig, err := hex.DecodeString(strings.TrimPrefix(signature, "0x"))
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if len(sig) != ethcrypto.SignatureLength {
		return common.Address{}, fmt.Errorf("%w: length %d", ErrBadSignature, len(sig))
	}
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	pub, err := ethcrypto.SigToPub(RequestDigest(req), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}
