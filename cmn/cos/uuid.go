// Package cos provides common low-level types, error kinds, and ID
// generation shared by every package in this module.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package cos

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/OneOfOne/xxhash"
	"github.com/teris-io/shortid"
)

// Alphabet for generating IDs, mirrors shortid.DEFAULT_ABC.
const uuidABC = "-5nZJDft6LuzsjGNpPwY7rQa39vehq4i1cV2FROo8yHSlC0BUEdWbIxMmTgKXAk_"

const (
	LenShortID = 9 // via https://github.com/teris-io/shortid#id-length
	tooLongID  = 32

	mayOnlyContain = "may only contain letters, numbers, dashes (-), underscores (_)"
	OnlyNice       = "must be less than 32 characters and " + mayOnlyContain
)

const MLCG32 = 1103515245

var (
	sid     *shortid.Shortid
	sidOnce sync.Once
	rtie    atomic.Uint32
)

// InitShortID seeds the package-level ID generator explicitly; call it
// once at process startup for a reproducible seed (e.g. derived from a
// node ID). Optional: GenUUID self-seeds from crypto/rand on first use
// if InitShortID was never called.
func InitShortID(seed uint64) {
	sidOnce.Do(func() {
		sid = shortid.MustNew(4 /*worker*/, uuidABC, seed)
	})
}

func lazyInitShortID() {
	sidOnce.Do(func() {
		if sid != nil {
			return
		}
		var b [8]byte
		rand.Read(b[:])
		sid = shortid.MustNew(4 /*worker*/, uuidABC, binary.LittleEndian.Uint64(b[:]))
	})
}

// GenUUID produces a short, collision-resistant ID used for ingest-run job
// IDs and pipeline-manager IDs; it is NOT derived from content, see
// GenFingerprintID for that.
func GenUUID() (uuid string) {
	lazyInitShortID()
	var h, t string
	uuid = sid.MustGenerate()
	if !isAlpha(uuid[0]) {
		tie := int(rtie.Add(1))
		h = string(rune('A' + tie%26))
	}
	c := uuid[len(uuid)-1]
	if c == '-' || c == '_' {
		tie := int(rtie.Add(1))
		t = string(rune('a' + tie%26))
	}
	return h + uuid + t
}

// GenFingerprintID derives a deterministic, stable ID from arbitrary bytes
// (e.g. a capture row's URL+timestamp), used to de-duplicate or tie-break
// without a central ID registry.
func GenFingerprintID(b []byte, l int) string {
	digest := xxhash.Checksum64S(b, MLCG32)
	out := make([]byte, l)
	for i := range l {
		out[i] = uuidABC[digest&0x3f]
		digest >>= 6
	}
	return string(out)
}

func IsValidUUID(uuid string) bool {
	return len(uuid) >= LenShortID && IsAlphaNice(uuid)
}

func isAlpha(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

// IsAlphaNice reports whether s is letters/digits with '-'/'_' permitted
// except as the first or last character.
func IsAlphaNice(s string) bool {
	l := len(s)
	if l > tooLongID {
		return false
	}
	for i := range l {
		c := s[i]
		if isAlpha(c) || (c >= '0' && c <= '9') {
			continue
		}
		if c != '-' && c != '_' {
			return false
		}
		if i == 0 || i == l-1 {
			return false
		}
	}
	return true
}

func ValidateID(tag, id string) error {
	if len(id) == 0 {
		return fmt.Errorf("%s is empty", tag)
	}
	if !IsAlphaNice(id) {
		return fmt.Errorf("%s %q is invalid: %s", tag, id, OnlyNice)
	}
	return nil
}

// CryptoRandS returns an l-character string over uuidABC (letters, digits,
// '-' and '_') from crypto/rand,
// used where GenUUID's package-level shortid generator hasn't been
// initialized (e.g. scratch-file suffixes).
func CryptoRandS(l int) string {
	b := make([]byte, l)
	rand.Read(b)
	out := make([]byte, l)
	for i, c := range b {
		out[i] = uuidABC[c&0x3f]
	}
	return string(out)
}

// Checksum64 hashes b with the process-wide seed (the same xxhash
// GenFingerprintID uses).
func Checksum64(b []byte) uint64 { return xxhash.Checksum64S(b, MLCG32) }

func ChecksumHex(b []byte) string { return strconv.FormatUint(Checksum64(b), 16) }

func UnsafeB(s string) []byte {
	return unsafe.Slice(unsafe.StringData(s), len(s))
}

func UnsafeS(b []byte) string {
	return unsafe.String(unsafe.SliceData(b), len(b))
}
