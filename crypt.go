// Copyright © 2026, SAS Institute Inc., Cary, NC, USA.  All Rights Reserved.
// SPDX-License-Identifier: BSD-3-Clause

package pdfcore

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5"
	"crypto/rc4"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"hash"

	"github.com/xdg-go/stringprep"

	"github.com/sassoftware/viya-pdf-core/logger"
)

// cipherKind selects the symmetric cipher for one class of data.
type cipherKind int

const (
	cipherIdentity cipherKind = iota
	cipherRC4
	cipherAES // CBC with a 16-byte IV prefix; AESV2 and AESV3 alike
)

func (c cipherKind) String() string {
	switch c {
	case cipherIdentity:
		return "Identity"
	case cipherRC4:
		return "RC4"
	case cipherAES:
		return "AES"
	}
	return fmt.Sprintf("cipherKind(%d)", int(c))
}

// cryptState holds the authenticated decryption state of a document
// protected by the standard security handler. It is immutable after
// initCrypt succeeds, so it is safe for concurrent use.
type cryptState struct {
	r        int // handler revision, 2 through 6
	v        int // /V algorithm version
	keyBytes int // file key length in bytes
	key      []byte

	strCipher cipherKind
	stmCipher cipherKind

	encryptPtr      ObjPtr // the /Encrypt dictionary object, never decrypted
	encryptMetadata bool
	ownerAuth       bool
}

// initCrypt parses the trailer's /Encrypt dictionary and authenticates pw,
// trying it as the user password and then as the owner password. On success
// the Reader decrypts strings and streams transparently.
func (r *Reader) initCrypt(pw string) error {
	var encryptPtr ObjPtr
	encObj := r.trailer[name("Encrypt")]
	if ptr, ok := encObj.(ObjPtr); ok {
		encryptPtr = ptr
		// Loaded before r.crypt is set, so nothing in it gets decrypted.
		obj, err := r.store.load(ptr, make(map[ObjPtr]bool))
		if err != nil {
			return fmt.Errorf("%w: loading Encrypt dictionary: %v", ErrDecryption, err)
		}
		encObj = obj
	}
	enc, ok := encObj.(dict)
	if !ok {
		return fmt.Errorf("%w: Encrypt is not a dictionary", ErrDecryption)
	}

	if enc["Filter"] != name("Standard") {
		return fmt.Errorf("%w: unsupported security handler %v", ErrDecryption, objfmt(enc["Filter"]))
	}

	c := &cryptState{encryptPtr: encryptPtr, encryptMetadata: true}

	v, _ := enc["V"].(int64)
	c.v = int(v)
	rev, ok := enc["R"].(int64)
	if !ok {
		return fmt.Errorf("%w: Encrypt missing R", ErrDecryption)
	}
	c.r = int(rev)

	length := int64(40)
	if l, ok := enc["Length"].(int64); ok {
		length = l
	}
	c.keyBytes = int(length / 8)
	if c.keyBytes < 5 {
		c.keyBytes = 5
	}
	if c.keyBytes > 16 && c.r <= 4 {
		c.keyBytes = 16
	}
	if em, ok := enc["EncryptMetadata"].(bool); ok {
		c.encryptMetadata = em
	}

	switch c.v {
	case 1:
		c.keyBytes = 5
		c.strCipher, c.stmCipher = cipherRC4, cipherRC4
	case 2:
		c.strCipher, c.stmCipher = cipherRC4, cipherRC4
	case 4, 5:
		var err error
		c.strCipher, err = lookupCryptFilter(enc, "StrF")
		if err != nil {
			return err
		}
		c.stmCipher, err = lookupCryptFilter(enc, "StmF")
		if err != nil {
			return err
		}
		if c.v == 5 {
			c.keyBytes = 32
		}
	default:
		return fmt.Errorf("%w: unsupported encryption version V=%d", ErrDecryption, c.v)
	}

	O, _ := enc["O"].(string)
	U, _ := enc["U"].(string)
	P, _ := enc["P"].(int64)
	p := uint32(int32(P))
	id, _ := r.ID()

	switch {
	case c.r >= 2 && c.r <= 4:
		if len(O) < 32 || len(U) < 32 {
			return fmt.Errorf("%w: malformed O or U entry", ErrDecryption)
		}
		if err := c.authenticate(pw, []byte(O), []byte(U), p, id); err != nil {
			return err
		}
	case c.r == 5 || c.r == 6:
		OE, _ := enc["OE"].(string)
		UE, _ := enc["UE"].(string)
		if len(O) < 48 || len(U) < 48 || len(OE) < 32 || len(UE) < 32 {
			return fmt.Errorf("%w: malformed O/U/OE/UE entry", ErrDecryption)
		}
		if err := c.authenticate6(pw, []byte(O), []byte(U), []byte(OE), []byte(UE)); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: unsupported security handler revision %d", ErrDecryption, c.r)
	}

	logger.Debug(fmt.Sprintf("encryption: R=%d V=%d stm=%v str=%v owner=%t",
		c.r, c.v, c.stmCipher, c.strCipher, c.ownerAuth), true)
	r.crypt = c
	return nil
}

// lookupCryptFilter maps the named crypt filter (via /StmF or /StrF and the
// /CF dictionary) to a cipher.
func lookupCryptFilter(enc dict, which string) (cipherKind, error) {
	fname, ok := enc[name(which)].(name)
	if !ok || fname == "Identity" {
		return cipherIdentity, nil
	}
	cf, ok := enc[name("CF")].(dict)
	if !ok {
		return 0, fmt.Errorf("%w: missing CF dictionary for %s", ErrDecryption, which)
	}
	fdict, ok := cf[fname].(dict)
	if !ok {
		return 0, fmt.Errorf("%w: unknown crypt filter %s", ErrDecryption, fname)
	}
	switch fdict["CFM"] {
	case name("V2"):
		return cipherRC4, nil
	case name("AESV2"), name("AESV3"):
		return cipherAES, nil
	case name("None"), nil:
		return cipherIdentity, nil
	}
	return 0, fmt.Errorf("%w: unsupported crypt filter method %v", ErrDecryption, objfmt(fdict["CFM"]))
}

// passwdPad is the 32-byte padding string of Algorithm 2.
var passwdPad = []byte{
	0x28, 0xBF, 0x4E, 0x5E, 0x4E, 0x75, 0x8A, 0x41,
	0x64, 0x00, 0x4E, 0x56, 0xFF, 0xFA, 0x01, 0x08,
	0x2E, 0x2E, 0x00, 0xB6, 0xD0, 0x68, 0x3E, 0x80,
	0x2F, 0x0C, 0xA9, 0xFE, 0x64, 0x53, 0x69, 0x7A,
}

var zero16 = make([]byte, 16)

// padPasswd truncates or pads pw to exactly 32 bytes (Algorithm 2 step a).
func padPasswd(pw string) []byte {
	padded := make([]byte, 32)
	n := copy(padded, latin1Bytes(pw))
	copy(padded[n:], passwdPad)
	return padded
}

// saslPrep normalizes a password for revision 6 handlers and truncates it
// to 127 bytes of UTF-8.
func saslPrep(pw string) ([]byte, error) {
	prepped, err := stringprep.SASLprep.Prepare(pw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPassword, err)
	}
	buf := []byte(prepped)
	if len(buf) > 127 {
		buf = buf[:127]
	}
	return buf, nil
}

// computeFileKey is Algorithm 2: derive the file encryption key from the
// padded user password for revisions 2 through 4.
func (c *cryptState) computeFileKey(paddedPw, O []byte, P uint32, id []byte) []byte {
	h := md5.New()
	h.Write(paddedPw)
	h.Write(O[:32])
	h.Write([]byte{byte(P), byte(P >> 8), byte(P >> 16), byte(P >> 24)})
	h.Write(id)
	if !c.encryptMetadata && c.r >= 4 {
		h.Write([]byte{0xff, 0xff, 0xff, 0xff})
	}
	key := h.Sum(nil)

	if c.r >= 3 {
		for i := 0; i < 50; i++ {
			h.Reset()
			h.Write(key[:c.keyBytes])
			key = h.Sum(key[:0])
		}
	}
	return key[:c.keyBytes]
}

// computeU is Algorithm 4 (R2) / Algorithm 5 (R3, R4): derive the expected
// /U entry from the file key.
func (c *cryptState) computeU(fileKey, id []byte) []byte {
	U := make([]byte, 32)
	switch c.r {
	case 2:
		rc, _ := rc4.NewCipher(fileKey)
		rc.XORKeyStream(U, passwdPad)
	default:
		h := md5.New()
		h.Write(passwdPad)
		h.Write(id)
		U = h.Sum(U[:0])
		rc, _ := rc4.NewCipher(fileKey)
		rc.XORKeyStream(U, U)
		tmp := make([]byte, len(fileKey))
		for i := byte(1); i <= 19; i++ {
			for j := range tmp {
				tmp[j] = fileKey[j] ^ i
			}
			rc, _ = rc4.NewCipher(tmp)
			rc.XORKeyStream(U, U)
		}
		U = U[:16]
		U = append(U, make([]byte, 16)...)
	}
	return U
}

// computeO is Algorithm 3: derive the /O entry from the two passwords.
// Authentication reverses this computation rather than repeating it.
func (c *cryptState) computeO(paddedUserPw, paddedOwnerPw []byte) []byte {
	key := c.ownerKey(paddedOwnerPw)
	O := make([]byte, 32)
	rc, _ := rc4.NewCipher(key)
	rc.XORKeyStream(O, paddedUserPw)
	if c.r >= 3 {
		tmp := make([]byte, len(key))
		for i := byte(1); i <= 19; i++ {
			for j := range tmp {
				tmp[j] = key[j] ^ i
			}
			rc, _ = rc4.NewCipher(tmp)
			rc.XORKeyStream(O, O)
		}
	}
	return O
}

// ownerKey derives the RC4 key wrapping /O from the padded owner password.
func (c *cryptState) ownerKey(paddedOwnerPw []byte) []byte {
	h := md5.New()
	h.Write(paddedOwnerPw)
	sum := h.Sum(nil)
	if c.r >= 3 {
		for i := 0; i < 50; i++ {
			h.Reset()
			h.Write(sum[:c.keyBytes])
			sum = h.Sum(sum[:0])
		}
	}
	return sum[:c.keyBytes]
}

// authenticate runs Algorithms 6 and 7: the password is tried as the user
// password first, then as the owner password.
func (c *cryptState) authenticate(pw string, O, U []byte, P uint32, id []byte) error {
	padded := padPasswd(pw)

	if err := c.authenticateUser(padded, O, U, P, id); err == nil {
		return nil
	}

	// Algorithm 7: decrypt /O with the owner key to recover the padded
	// user password, then authenticate with that.
	key := c.ownerKey(padded)
	buf := make([]byte, 32)
	copy(buf, O)
	switch c.r {
	case 2:
		rc, _ := rc4.NewCipher(key)
		rc.XORKeyStream(buf, buf)
	default:
		tmp := make([]byte, len(key))
		for i := 19; i >= 0; i-- {
			for j := range tmp {
				tmp[j] = key[j] ^ byte(i)
			}
			rc, _ := rc4.NewCipher(tmp)
			rc.XORKeyStream(buf, buf)
		}
	}
	if err := c.authenticateUser(buf, O, U, P, id); err != nil {
		return err
	}
	c.ownerAuth = true
	return nil
}

// authenticateUser is Algorithm 6 for revisions 2 through 4.
func (c *cryptState) authenticateUser(paddedPw, O, U []byte, P uint32, id []byte) error {
	key := c.computeFileKey(paddedPw, O, P, id)
	want := c.computeU(key, id)
	n := 32
	if c.r >= 3 {
		// only the first 16 bytes of U are significant
		n = 16
	}
	if !bytes.Equal(want[:n], U[:n]) {
		return ErrInvalidPassword
	}
	c.key = key
	return nil
}

// authenticate6 runs Algorithms 11 and 12 for revision 5 and 6 handlers.
// Revision 5 (the deprecated Adobe extension) uses a plain SHA-256 in place
// of the iterated hash; both are handled by hash6.
func (c *cryptState) authenticate6(pw string, O, U, OE, UE []byte) error {
	prepped, err := saslPrep(pw)
	if err != nil {
		return err
	}

	// Algorithm 11: user password.
	if bytes.Equal(c.hash6(prepped, U[32:40], nil), U[:32]) {
		key := c.hash6(prepped, U[40:48], nil)
		c.key = decryptAESNoIV(key, UE[:32])
		return nil
	}

	// Algorithm 12: owner password.
	if bytes.Equal(c.hash6(prepped, O[32:40], U[:48]), O[:32]) {
		key := c.hash6(prepped, O[40:48], U[:48])
		c.key = decryptAESNoIV(key, OE[:32])
		c.ownerAuth = true
		return nil
	}

	return ErrInvalidPassword
}

// hash6 dispatches between the revision 5 single SHA-256 and the revision 6
// iterated hash.
func (c *cryptState) hash6(pw, salt, udata []byte) []byte {
	if c.r == 5 {
		h := sha256.New()
		h.Write(pw)
		h.Write(salt)
		h.Write(udata)
		return h.Sum(nil)
	}
	return slowHash(pw, salt, udata)
}

// slowHash is Algorithm 2.B: the iterated SHA-256/384/512 hash of revision 6.
func slowHash(passwd, salt, U []byte) []byte {
	h := sha256.New()
	h.Write(passwd)
	h.Write(salt)
	h.Write(U)
	K := h.Sum(nil)

	K1 := make([]byte, 0, 64*(len(passwd)+64+len(U)))

	for i := 0; i < 64 || K1[len(K1)-1] > byte(i-32); i++ {
		// K1 is 64 repetitions of password | K | U.
		K1 = K1[:0]
		for j := 0; j < 64; j++ {
			K1 = append(K1, passwd...)
			K1 = append(K1, K...)
			K1 = append(K1, U...)
		}

		// Encrypt K1 with AES-128-CBC, key = K[0:16], IV = K[16:32].
		// len(K1) is a multiple of 64, so no padding is needed.
		blk, _ := aes.NewCipher(K[:16])
		cbc := cipher.NewCBCEncrypter(blk, K[16:32])
		cbc.CryptBlocks(K1, K1)

		// The first 16 bytes of E, modulo 3, pick the next hash.
		// Since 256 ≡ 1 (mod 3), summing the bytes gives the same value.
		var rem int
		for _, b := range K1[:16] {
			rem += int(b)
		}
		var h hash.Hash
		switch rem % 3 {
		case 0:
			h = sha256.New()
		case 1:
			h = sha512.New384()
		case 2:
			h = sha512.New()
		}
		h.Write(K1)
		K = h.Sum(K[:0])
	}

	return K[:32]
}

// decryptAESNoIV decrypts data with AES-CBC using a zero IV and no padding,
// as used for the UE and OE entries.
func decryptAESNoIV(key, data []byte) []byte {
	blk, err := aes.NewCipher(key)
	if err != nil {
		return nil
	}
	out := make([]byte, len(data))
	cipher.NewCBCDecrypter(blk, zero16).CryptBlocks(out, data)
	return out
}

// objectKey is Algorithm 1: derive the per-object key for revisions up to 4.
// Revision 5 and 6 handlers use the file key unchanged (Algorithm 1.A).
func (c *cryptState) objectKey(ptr ObjPtr, aesCipher bool) []byte {
	if c.r >= 5 {
		return c.key
	}
	h := md5.New()
	h.Write(c.key)
	h.Write([]byte{
		byte(ptr.ID), byte(ptr.ID >> 8), byte(ptr.ID >> 16),
		byte(ptr.Gen), byte(ptr.Gen >> 8),
	})
	if aesCipher {
		h.Write([]byte("sAlT"))
	}
	l := c.keyBytes + 5
	if l > 16 {
		l = 16
	}
	return h.Sum(nil)[:l]
}

// decryptString decrypts a string object belonging to the object ptr.
// Strings that fail to decrypt are passed through unchanged: a single bad
// string should not poison the object around it.
func (c *cryptState) decryptString(ptr ObjPtr, s string) string {
	if c.strCipher == cipherIdentity || ptr == c.encryptPtr {
		return s
	}
	out, err := c.decryptData(c.objectKey(ptr, c.strCipher == cipherAES), []byte(s), c.strCipher)
	if err != nil {
		logger.Debug(fmt.Sprintf("string in %v: %v", ptr, err))
		return s
	}
	return string(out)
}

// decryptStream decrypts the raw payload of a stream owned by ptr.
func (c *cryptState) decryptStream(ptr ObjPtr, data []byte) ([]byte, error) {
	if c.stmCipher == cipherIdentity {
		return data, nil
	}
	return c.decryptData(c.objectKey(ptr, c.stmCipher == cipherAES), data, c.stmCipher)
}

func (c *cryptState) decryptData(key, data []byte, kind cipherKind) ([]byte, error) {
	switch kind {
	case cipherRC4:
		rc, err := rc4.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
		}
		out := make([]byte, len(data))
		rc.XORKeyStream(out, data)
		return out, nil

	case cipherAES:
		if len(data) < aes.BlockSize || (len(data)-aes.BlockSize)%aes.BlockSize != 0 {
			return nil, fmt.Errorf("%w: AES data length %d not block aligned", ErrDecryption, len(data))
		}
		blk, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
		}
		iv := data[:aes.BlockSize]
		out := make([]byte, len(data)-aes.BlockSize)
		cipher.NewCBCDecrypter(blk, iv).CryptBlocks(out, data[aes.BlockSize:])
		// strip CBC padding
		if n := len(out); n > 0 {
			pad := int(out[n-1])
			if pad >= 1 && pad <= aes.BlockSize && pad <= n {
				out = out[:n-pad]
			}
		}
		return out, nil
	}
	return data, nil
}

// exemptStream reports whether the payload of x is outside stream-level
// encryption: cross-reference streams are never encrypted, metadata streams
// are plaintext when EncryptMetadata is false, and streams carrying their
// own /Crypt filter manage encryption through the filter chain.
func (c *cryptState) exemptStream(x stream) bool {
	switch x.hdr["Type"] {
	case name("XRef"):
		return true
	case name("Metadata"):
		if !c.encryptMetadata {
			return true
		}
	}
	switch f := x.hdr["Filter"].(type) {
	case name:
		return f == "Crypt"
	case array:
		for _, e := range f {
			if e == name("Crypt") {
				return true
			}
		}
	}
	return false
}
