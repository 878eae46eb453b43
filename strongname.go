// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package clrshade

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"math/big"
)

// CAPI blob type bytes (PUBLICKEYSTRUC.bType).
const (
	capiPublicKeyBlob  = 0x06
	capiPrivateKeyBlob = 0x07
)

const (
	calgRSASign = 0x00002400
	calgSHA1    = 0x00008004
)

// KeyPair is a strong-name key loaded from a CAPI-format blob (a .snk file
// or equivalent). It carries a public key always, and a private key when
// the source blob was a PRIVATEKEYBLOB.
type KeyPair struct {
	priv    *rsa.PrivateKey
	pub     *rsa.PublicKey
	pubBlob []byte // bare RSA1 PUBLICKEYBLOB bytes, little-endian fields
}

// LoadKey parses a CAPI key blob: a full-key blob (byte 0 is 0x00, inner
// blob at offset 12), or a bare RSA1/RSA2 blob (byte 0 is 0x06 or 0x07).
func LoadKey(data []byte) (*KeyPair, error) {
	inner := data
	if len(data) > 0 && data[0] == 0x00 {
		if len(data) < 12 {
			return nil, &KeyFormatError{Reason: "full-key blob shorter than its 12-byte wrapper"}
		}
		inner = data[12:]
	}
	if len(inner) < 8 {
		return nil, &KeyFormatError{Reason: "key blob shorter than PUBLICKEYSTRUC"}
	}

	bType := inner[0]
	switch bType {
	case capiPublicKeyBlob:
		return loadPublicBlob(inner)
	case capiPrivateKeyBlob:
		return loadPrivateBlob(inner)
	default:
		return nil, &KeyFormatError{Reason: "unrecognized PUBLICKEYSTRUC.bType"}
	}
}

func leToBig(b []byte) *big.Int {
	rev := make([]byte, len(b))
	for i, c := range b {
		rev[len(b)-1-i] = c
	}
	return new(big.Int).SetBytes(rev)
}

// rsaPubKeyHeader reads the RSAPUBKEY header (magic, bitLen, pubExp) that
// immediately follows PUBLICKEYSTRUC in both public and private blobs.
func rsaPubKeyHeader(b []byte) (magic string, bitLen, pubExp uint32, rest []byte, err error) {
	if len(b) < 20 {
		return "", 0, 0, nil, &KeyFormatError{Reason: "blob shorter than RSAPUBKEY header"}
	}
	magic = string(b[8:12])
	bitLen = readUint32At(b, 12)
	pubExp = readUint32At(b, 16)
	return magic, bitLen, pubExp, b[20:], nil
}

func loadPublicBlob(b []byte) (*KeyPair, error) {
	magic, bitLen, pubExp, rest, err := rsaPubKeyHeader(b)
	if err != nil {
		return nil, err
	}
	if magic != "RSA1" {
		return nil, &KeyFormatError{Reason: "public blob magic is not RSA1"}
	}
	modLen := int(bitLen / 8)
	if len(rest) < modLen {
		return nil, &KeyFormatError{Reason: "public blob truncated modulus"}
	}
	modBytes := rest[:modLen]

	pub := &rsa.PublicKey{N: leToBig(modBytes), E: int(pubExp)}
	return &KeyPair{pub: pub, pubBlob: b[:20+modLen]}, nil
}

func loadPrivateBlob(b []byte) (*KeyPair, error) {
	magic, bitLen, pubExp, rest, err := rsaPubKeyHeader(b)
	if err != nil {
		return nil, err
	}
	if magic != "RSA2" {
		return nil, &KeyFormatError{Reason: "private blob magic is not RSA2"}
	}

	full := int(bitLen / 8)
	half := full / 2
	need := full + half*5 + full
	if len(rest) < need {
		return nil, &KeyFormatError{Reason: "private blob truncated"}
	}

	modBytes := rest[:full]
	rest = rest[full:]
	prime1 := rest[:half]
	rest = rest[half:]
	prime2 := rest[:half]
	rest = rest[half:]
	_ = rest[:half] // exponent1, unused: recomputed from d
	rest = rest[half:]
	_ = rest[:half] // exponent2, unused
	rest = rest[half:]
	_ = rest[:half] // coefficient, unused (Go derives CRT values itself)
	rest = rest[half:]
	privExp := rest[:full]

	n := leToBig(modBytes)
	priv := &rsa.PrivateKey{
		PublicKey: rsa.PublicKey{N: n, E: int(pubExp)},
		D:         leToBig(privExp),
		Primes:    []*big.Int{leToBig(prime1), leToBig(prime2)},
	}
	priv.Precompute()

	pubBlobLen := 20 + full
	pubBlob := make([]byte, pubBlobLen)
	copy(pubBlob, b[:20])
	pubBlob[0] = capiPublicKeyBlob
	copy(pubBlob[8:12], []byte("RSA1"))
	copy(pubBlob[20:], modBytes)

	return &KeyPair{priv: priv, pub: &priv.PublicKey, pubBlob: pubBlob}, nil
}

// PublicKey returns the assembly-identity public-key container: a 12-byte
// header (CALG_RSA_SIGN, CALG_SHA1, blob length) followed by the bare RSA1
// PUBLICKEYBLOB.
func (k *KeyPair) PublicKey() []byte {
	out := make([]byte, 12+len(k.pubBlob))
	putUint32(out, 0, calgRSASign)
	putUint32(out, 4, calgSHA1)
	putUint32(out, 8, uint32(len(k.pubBlob)))
	copy(out[12:], k.pubBlob)
	return out
}

// PublicKeyToken is the reversed last 8 bytes of the SHA-1 hash of the
// public-key container.
func (k *KeyPair) PublicKeyToken() []byte {
	sum := sha1.Sum(k.PublicKey())
	tail := sum[12:20]
	token := make([]byte, 8)
	for i, b := range tail {
		token[7-i] = b
	}
	return token
}

// CanSign reports whether this key carries a private exponent.
func (k *KeyPair) CanSign() bool { return k.priv != nil }

// sign produces a byte-reversed RSASSA-PKCS1-v1_5/SHA-1 signature over
// hash, per the on-disk strong-name convention.
func (k *KeyPair) sign(hash []byte) ([]byte, error) {
	sig, err := rsa.SignPKCS1v15(rand.Reader, k.priv, crypto.SHA1, hash)
	if err != nil {
		return nil, err
	}
	rev := make([]byte, len(sig))
	for i, b := range sig {
		rev[len(sig)-1-i] = b
	}
	return rev, nil
}

// SignImage computes the strong-name signature over out and writes it into
// the CLI header's signature directory. Returns false, nil if the image
// carries no signature placeholder (no error).
func SignImage(pe *File, out []byte, key *KeyPair) (bool, error) {
	if !key.CanSign() {
		return false, &KeyFormatError{Reason: "key has no private exponent, cannot sign"}
	}

	cliOffset := pe.CLIHeaderFileOffset()
	checksumOffset := pe.OptionalHeaderOffset() + optCheckSumRelOffset
	snRva := readUint32At(out, cliOffset+cliStrongNameSignatureOffset)
	snSize := readUint32At(out, cliOffset+cliStrongNameSignatureOffset+4)
	if snRva == 0 || snSize == 0 {
		return false, nil
	}

	sig, err := resolveRvaInBuffer(pe, out, snRva)
	if err != nil {
		return false, err
	}
	if uint64(sig)+uint64(snSize) > uint64(len(out)) {
		return false, &InvalidImageError{Reason: "strong-name signature region outside image"}
	}

	for i := uint32(0); i < snSize; i++ {
		out[sig+i] = 0
	}

	h := sha1.New()
	pos := uint32(0)
	total := uint32(len(out))
	for pos < total {
		if pos == checksumOffset {
			pos += 4
			continue
		}
		if pos == sig {
			pos += snSize
			continue
		}
		end := total
		if checksumOffset > pos && checksumOffset < end {
			end = checksumOffset
		}
		if sig > pos && sig < end {
			end = sig
		}
		h.Write(out[pos:end])
		pos = end
	}

	signature, err := key.sign(h.Sum(nil))
	if err != nil {
		return false, err
	}
	if uint32(len(signature)) > snSize {
		signature = signature[:snSize]
	}
	copy(out[sig:], signature)
	return true, nil
}

// resolveRvaInBuffer resolves rva to a file offset using the section
// headers as they stand in out, so it stays correct after a rebuild has
// shifted section VirtualAddress/PointerToRawData fields.
func resolveRvaInBuffer(pe *File, out []byte, rva uint32) (uint32, error) {
	base := pe.SectionHeadersOffset()
	n := pe.NtHeader.FileHeader.NumberOfSections
	for i := uint16(0); i < n; i++ {
		offset := base + uint32(i)*40
		va := readUint32At(out, offset+sectionVirtualAddressOffset)
		vs := readUint32At(out, offset+sectionVirtualSizeOffset)
		ptr := readUint32At(out, offset+sectionPointerToRawDataOffset)
		if rva >= va && rva < va+vs {
			return ptr + (rva - va), nil
		}
	}
	return 0, &InvalidImageError{Reason: "RVA does not resolve to any section"}
}
