// Copyright © 2026, SAS Institute Inc., Cary, NC, USA.  All Rights Reserved.
// SPDX-License-Identifier: BSD-3-Clause

package pdfcore

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rc4"
	"crypto/sha256"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPadPasswd(t *testing.T) {
	assert.Equal(t, passwdPad, padPasswd(""))

	p := padPasswd("abc")
	require.Len(t, p, 32)
	assert.Equal(t, []byte("abc"), p[:3])
	assert.Equal(t, passwdPad[:29], p[3:])

	long := strings.Repeat("x", 40)
	p = padPasswd(long)
	require.Len(t, p, 32)
	assert.Equal(t, []byte(long[:32]), p)
}

func TestAuthenticate_R3(t *testing.T) {
	// Build the /O and /U entries forwards, then check that authentication
	// reverses them for both passwords.
	gen := &cryptState{r: 3, keyBytes: 16}
	id := []byte("0123456789abcdef")
	perms := uint32(0xFFFFFFD4) // -44

	O := gen.computeO(padPasswd("user"), padPasswd("owner"))
	fileKey := gen.computeFileKey(padPasswd("user"), O, perms, id)
	U := gen.computeU(fileKey, id)

	c := &cryptState{r: 3, keyBytes: 16}
	require.NoError(t, c.authenticate("user", O, U, perms, id))
	assert.Equal(t, fileKey, c.key)
	assert.False(t, c.ownerAuth)

	c = &cryptState{r: 3, keyBytes: 16}
	require.NoError(t, c.authenticate("owner", O, U, perms, id))
	assert.Equal(t, fileKey, c.key)
	assert.True(t, c.ownerAuth)

	c = &cryptState{r: 3, keyBytes: 16}
	assert.ErrorIs(t, c.authenticate("wrong", O, U, perms, id), ErrInvalidPassword)
}

func TestAuthenticate_R2(t *testing.T) {
	gen := &cryptState{r: 2, keyBytes: 5}
	id := []byte("ID000000000000ID")
	perms := uint32(0xFFFFFFFC)

	O := gen.computeO(padPasswd(""), padPasswd("boss"))
	fileKey := gen.computeFileKey(padPasswd(""), O, perms, id)
	U := gen.computeU(fileKey, id)
	require.Len(t, U, 32)

	// Empty user password.
	c := &cryptState{r: 2, keyBytes: 5}
	require.NoError(t, c.authenticate("", O, U, perms, id))
	assert.False(t, c.ownerAuth)

	c = &cryptState{r: 2, keyBytes: 5}
	require.NoError(t, c.authenticate("boss", O, U, perms, id))
	assert.True(t, c.ownerAuth)
}

func TestObjectKey(t *testing.T) {
	key := bytes.Repeat([]byte{0xAB}, 16)

	c := &cryptState{r: 4, keyBytes: 16, key: key}
	rc4Key := c.objectKey(ObjPtr{7, 0}, false)
	aesKey := c.objectKey(ObjPtr{7, 0}, true)
	assert.Len(t, rc4Key, 16, "capped at 16 bytes")
	assert.Len(t, aesKey, 16)
	assert.NotEqual(t, rc4Key, aesKey, "AES keys mix in the sAlT suffix")

	other := c.objectKey(ObjPtr{8, 0}, false)
	assert.NotEqual(t, rc4Key, other, "keys are per-object")

	short := &cryptState{r: 2, keyBytes: 5, key: key[:5]}
	assert.Len(t, short.objectKey(ObjPtr{7, 0}, false), 10)

	// Revision 5+ uses the file key unchanged.
	c6 := &cryptState{r: 6, keyBytes: 32, key: bytes.Repeat([]byte{1}, 32)}
	assert.Equal(t, c6.key, c6.objectKey(ObjPtr{7, 0}, true))
}

func TestDecryptData_RC4(t *testing.T) {
	c := &cryptState{}
	key := []byte("0123456789")
	plain := []byte("rc4 protected bytes")

	enc := make([]byte, len(plain))
	rc, _ := rc4.NewCipher(key)
	rc.XORKeyStream(enc, plain)

	out, err := c.decryptData(key, enc, cipherRC4)
	require.NoError(t, err)
	assert.Equal(t, plain, out)
}

// aesEncrypt CBC-encrypts plain with PKCS#7 padding and prepends the IV,
// matching the on-disk layout of AESV2/AESV3 data.
func aesEncrypt(t *testing.T, key, iv, plain []byte) []byte {
	t.Helper()
	pad := aes.BlockSize - len(plain)%aes.BlockSize
	padded := append(append([]byte{}, plain...), bytes.Repeat([]byte{byte(pad)}, pad)...)
	blk, err := aes.NewCipher(key)
	require.NoError(t, err)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(blk, iv).CryptBlocks(out, padded)
	return append(append([]byte{}, iv...), out...)
}

func TestDecryptData_AES(t *testing.T) {
	c := &cryptState{}
	key := bytes.Repeat([]byte{0x42}, 16)
	iv := bytes.Repeat([]byte{0x24}, 16)
	plain := []byte("aes protected, needs padding")

	out, err := c.decryptData(key, aesEncrypt(t, key, iv, plain), cipherAES)
	require.NoError(t, err)
	assert.Equal(t, plain, out)

	// Too short for an IV.
	_, err = c.decryptData(key, []byte("short"), cipherAES)
	assert.ErrorIs(t, err, ErrDecryption)

	// Misaligned payload.
	_, err = c.decryptData(key, make([]byte, 17), cipherAES)
	assert.ErrorIs(t, err, ErrDecryption)
}

func TestDecryptData_Identity(t *testing.T) {
	c := &cryptState{}
	in := []byte("untouched")
	out, err := c.decryptData(nil, in, cipherIdentity)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestDecryptAESNoIV(t *testing.T) {
	key := bytes.Repeat([]byte{9}, 32)
	plain := bytes.Repeat([]byte{7}, 32)

	blk, _ := aes.NewCipher(key)
	enc := make([]byte, 32)
	cipher.NewCBCEncrypter(blk, zero16).CryptBlocks(enc, plain)

	assert.Equal(t, plain, decryptAESNoIV(key, enc))
	assert.Nil(t, decryptAESNoIV([]byte("badkeylen"), enc))
}

func TestSlowHash(t *testing.T) {
	out := slowHash([]byte("password"), []byte("saltsalt"), nil)
	require.Len(t, out, 32)
	assert.Equal(t, out, slowHash([]byte("password"), []byte("saltsalt"), nil))
	assert.NotEqual(t, out, slowHash([]byte("password"), []byte("SALTSALT"), nil))
	assert.NotEqual(t, out, slowHash([]byte("password"), []byte("saltsalt"), []byte("u")))
}

func TestSaslPrep(t *testing.T) {
	out, err := saslPrep("secret")
	require.NoError(t, err)
	assert.Equal(t, []byte("secret"), out)

	// Long passwords are truncated to 127 bytes.
	out, err = saslPrep(strings.Repeat("a", 200))
	require.NoError(t, err)
	assert.Len(t, out, 127)

	// Prohibited control characters are rejected.
	_, err = saslPrep("bad\x00pw")
	assert.ErrorIs(t, err, ErrInvalidPassword)
}

// build6Credentials assembles /O, /U, /OE and /UE entries for a revision 5
// or 6 handler, mirroring how a writer would produce them.
func build6Credentials(t *testing.T, rev int, userPw, ownerPw string, fileKey []byte) (O, U, OE, UE []byte) {
	t.Helper()
	gen := &cryptState{r: rev}
	encKey := func(key, data []byte) []byte {
		blk, err := aes.NewCipher(key)
		require.NoError(t, err)
		out := make([]byte, len(data))
		cipher.NewCBCEncrypter(blk, zero16).CryptBlocks(out, data)
		return out
	}

	uvs := []byte("UVSALT01")
	uks := []byte("UKSALT02")
	U = append(append(gen.hash6([]byte(userPw), uvs, nil), uvs...), uks...)
	UE = encKey(gen.hash6([]byte(userPw), uks, nil), fileKey)

	ovs := []byte("OVSALT03")
	oks := []byte("OKSALT04")
	O = append(append(gen.hash6([]byte(ownerPw), ovs, U[:48]), ovs...), oks...)
	OE = encKey(gen.hash6([]byte(ownerPw), oks, U[:48]), fileKey)
	return
}

func TestAuthenticate6(t *testing.T) {
	for _, rev := range []int{5, 6} {
		t.Run(fmt.Sprintf("R%d", rev), func(t *testing.T) {
			fileKey := bytes.Repeat([]byte{0x5A}, 32)
			O, U, OE, UE := build6Credentials(t, rev, "reader", "editor", fileKey)

			c := &cryptState{r: rev, keyBytes: 32}
			require.NoError(t, c.authenticate6("reader", O, U, OE, UE))
			assert.Equal(t, fileKey, c.key)
			assert.False(t, c.ownerAuth)

			c = &cryptState{r: rev, keyBytes: 32}
			require.NoError(t, c.authenticate6("editor", O, U, OE, UE))
			assert.Equal(t, fileKey, c.key)
			assert.True(t, c.ownerAuth)

			c = &cryptState{r: rev, keyBytes: 32}
			assert.ErrorIs(t, c.authenticate6("intruder", O, U, OE, UE), ErrInvalidPassword)
		})
	}
}

func TestHash6_R5IsPlainSHA256(t *testing.T) {
	c := &cryptState{r: 5}
	h := sha256.Sum256([]byte("pwsalt"))
	assert.Equal(t, h[:], c.hash6([]byte("pw"), []byte("salt"), nil))
}

func TestExemptStream(t *testing.T) {
	c := &cryptState{encryptMetadata: true}

	assert.True(t, c.exemptStream(stream{hdr: dict{"Type": name("XRef")}}))
	assert.False(t, c.exemptStream(stream{hdr: dict{"Type": name("Metadata")}}))

	plainMeta := &cryptState{encryptMetadata: false}
	assert.True(t, plainMeta.exemptStream(stream{hdr: dict{"Type": name("Metadata")}}))

	assert.True(t, c.exemptStream(stream{hdr: dict{"Filter": name("Crypt")}}))
	assert.True(t, c.exemptStream(stream{hdr: dict{"Filter": array{name("FlateDecode"), name("Crypt")}}}))
	assert.False(t, c.exemptStream(stream{hdr: dict{"Filter": name("FlateDecode")}}))
	assert.False(t, c.exemptStream(stream{hdr: dict{}}))
}

func TestLookupCryptFilter(t *testing.T) {
	enc := dict{
		"StmF": name("StdCF"),
		"CF":   dict{"StdCF": dict{"CFM": name("AESV2")}},
	}
	k, err := lookupCryptFilter(enc, "StmF")
	require.NoError(t, err)
	assert.Equal(t, cipherAES, k)

	// Absent or Identity filters map to the identity cipher.
	k, err = lookupCryptFilter(dict{}, "StrF")
	require.NoError(t, err)
	assert.Equal(t, cipherIdentity, k)

	_, err = lookupCryptFilter(dict{"StmF": name("Nope"), "CF": dict{}}, "StmF")
	assert.ErrorIs(t, err, ErrDecryption)

	_, err = lookupCryptFilter(dict{"StmF": name("StdCF")}, "StmF")
	assert.ErrorIs(t, err, ErrDecryption)

	_, err = lookupCryptFilter(dict{
		"StmF": name("StdCF"),
		"CF":   dict{"StdCF": dict{"CFM": name("Weird")}},
	}, "StmF")
	assert.ErrorIs(t, err, ErrDecryption)
}

func TestInitCrypt_Errors(t *testing.T) {
	newR := func(enc dict) *Reader {
		r := &Reader{trailer: dict{"Encrypt": enc}}
		r.store = newStore(r)
		return r
	}

	err := newR(dict{"Filter": name("Custom")}).initCrypt("")
	assert.ErrorIs(t, err, ErrDecryption)

	err = newR(dict{"Filter": name("Standard"), "V": int64(2)}).initCrypt("")
	assert.ErrorIs(t, err, ErrDecryption, "missing R")

	err = newR(dict{"Filter": name("Standard"), "V": int64(3), "R": int64(3)}).initCrypt("")
	assert.ErrorIs(t, err, ErrDecryption, "unsupported V")

	err = newR(dict{
		"Filter": name("Standard"), "V": int64(2), "R": int64(3),
		"O": "short", "U": "short", "P": int64(-44),
	}).initCrypt("")
	assert.ErrorIs(t, err, ErrDecryption, "malformed O/U")
}

// pdfStr renders b as a PDF literal string with every byte octal-escaped,
// so arbitrary binary data survives tokenization.
func pdfStr(b []byte) string {
	var sb strings.Builder
	sb.WriteByte('(')
	for _, c := range b {
		fmt.Fprintf(&sb, "\\%03o", c)
	}
	sb.WriteByte(')')
	return sb.String()
}

// buildEncryptedPDF constructs an RC4 R3/V2 document whose object 3 is an
// encrypted string, protected by the given passwords.
func buildEncryptedPDF(t *testing.T, userPw, ownerPw, secret string) []byte {
	t.Helper()
	id := []byte("fedcba9876543210")
	perms := uint32(0xFFFFFFD4)

	gen := &cryptState{r: 3, keyBytes: 16}
	O := gen.computeO(padPasswd(userPw), padPasswd(ownerPw))
	fileKey := gen.computeFileKey(padPasswd(userPw), O, perms, id)
	U := gen.computeU(fileKey, id)
	gen.key = fileKey

	enc := make([]byte, len(secret))
	rc, _ := rc4.NewCipher(gen.objectKey(ObjPtr{3, 0}, false))
	rc.XORKeyStream(enc, []byte(secret))

	bodies := append(append([]string{}, catalogBodies...),
		pdfStr(enc),
		fmt.Sprintf("<< /Filter /Standard /V 2 /R 3 /Length 128 /P -44 /O %s /U %s >>",
			pdfStr(O), pdfStr(U)),
	)
	extra := fmt.Sprintf("/Encrypt 4 0 R /ID [<%X> <%X>] ", id, id)
	return buildPDFWith(bodies, extra)
}

func TestNewReader_EncryptedEmptyPassword(t *testing.T) {
	data := buildEncryptedPDF(t, "", "owner", "the secret text")
	r, err := NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	assert.True(t, r.Encrypted())

	v, err := r.Resolve(ObjPtr{3, 0})
	require.NoError(t, err)
	assert.Equal(t, "the secret text", v.RawString())

	assert.Equal(t, "Catalog", r.Root().Key("Type").Name())
}

func TestNewReader_EncryptedUserPassword(t *testing.T) {
	data := buildEncryptedPDF(t, "hunter2", "owner", "locked away")

	_, err := NewReader(bytes.NewReader(data), int64(len(data)))
	assert.ErrorIs(t, err, ErrInvalidPassword)

	attempts := []string{"nope", "hunter2"}
	r, err := NewReaderEncrypted(bytes.NewReader(data), int64(len(data)), func() string {
		next := attempts[0]
		attempts = attempts[1:]
		return next
	})
	require.NoError(t, err)

	v, err := r.Resolve(ObjPtr{3, 0})
	require.NoError(t, err)
	assert.Equal(t, "locked away", v.RawString())
}

func TestNewReader_EncryptedOwnerPassword(t *testing.T) {
	data := buildEncryptedPDF(t, "userpw", "ownerpw", "s")
	r, err := NewReaderEncrypted(bytes.NewReader(data), int64(len(data)), func() string { return "ownerpw" })
	require.NoError(t, err)
	assert.True(t, r.crypt.ownerAuth)
}

// buildAESEncryptedPDF constructs an AESV2 R4/V4 document with an encrypted
// string and an encrypted stream.
func buildAESEncryptedPDF(t *testing.T, secret, streamPayload string) []byte {
	t.Helper()
	id := []byte("0011223344556677")
	perms := uint32(0xFFFFFFD4)

	gen := &cryptState{r: 4, keyBytes: 16, encryptMetadata: true}
	O := gen.computeO(padPasswd(""), padPasswd("owner"))
	fileKey := gen.computeFileKey(padPasswd(""), O, perms, id)
	U := gen.computeU(fileKey, id)
	gen.key = fileKey

	iv := bytes.Repeat([]byte{0x11}, 16)
	encStr := aesEncrypt(t, gen.objectKey(ObjPtr{3, 0}, true), iv, []byte(secret))
	encStm := aesEncrypt(t, gen.objectKey(ObjPtr{4, 0}, true), iv, []byte(streamPayload))

	bodies := append(append([]string{}, catalogBodies...),
		pdfStr(encStr),
		fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", len(encStm), encStm),
		fmt.Sprintf("<< /Filter /Standard /V 4 /R 4 /Length 128 /P -44"+
			" /CF << /StdCF << /CFM /AESV2 >> >> /StmF /StdCF /StrF /StdCF /O %s /U %s >>",
			pdfStr(O), pdfStr(U)),
	)
	extra := fmt.Sprintf("/Encrypt 5 0 R /ID [<%X> <%X>] ", id, id)
	return buildPDFWith(bodies, extra)
}

func TestNewReader_EncryptedAES(t *testing.T) {
	data := buildAESEncryptedPDF(t, "aes string secret", "aes stream payload")
	r, err := NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	require.True(t, r.Encrypted())
	assert.Equal(t, cipherAES, r.crypt.stmCipher)

	v, err := r.Resolve(ObjPtr{3, 0})
	require.NoError(t, err)
	assert.Equal(t, "aes string secret", v.RawString())

	v, err = r.Resolve(ObjPtr{4, 0})
	require.NoError(t, err)
	out, err := v.StreamData()
	require.NoError(t, err)
	assert.Equal(t, []byte("aes stream payload"), out)
}
