package cryptoutil

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"io"
	"sort"
)

// HashEqual performs constant-time comparison of two hex-encoded hashes.
func HashEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// SHA256Hex computes the SHA-256 hash of data as lowercase hex
func SHA256Hex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// SHA256Reader hashes everything read from r and returns the hex digest and
// the number of bytes consumed.
func SHA256Reader(r io.Reader) (string, int64, error) {
	h := sha256.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return "", n, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// IsSHA256Hex reports whether s is a 64 character lowercase hex digest.
func IsSHA256Hex(s string) bool {
	if len(s) != sha256.Size*2 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// HexToBase64 converts a hex digest to the base64 form S3 expects in
// checksum headers. Returns "" when hexDigest is not valid hex.
func HexToBase64(hexDigest string) string {
	raw, err := hex.DecodeString(hexDigest)
	if err != nil {
		return ""
	}
	return base64.StdEncoding.EncodeToString(raw)
}

// ManifestDigest fingerprints a whole tree: SHA-256 over "path hash\n"
// lines sorted by path. Equal trees always yield equal digests.
func ManifestDigest(hashes map[string]string) string {
	paths := make([]string, 0, len(hashes))
	for p := range hashes {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	h := sha256.New()
	for _, p := range paths {
		_, _ = io.WriteString(h, p)
		_, _ = io.WriteString(h, " ")
		_, _ = io.WriteString(h, hashes[p])
		_, _ = io.WriteString(h, "\n")
	}
	return hex.EncodeToString(h.Sum(nil))
}
