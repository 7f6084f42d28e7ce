package blockhash

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrMalformedToken is returned when a fingerprint token cannot be parsed.
var ErrMalformedToken = errors.New("malformed block hash token")

const tokenSeparator = ":"

// String renders the fingerprint as "<block_size>:<hash_length>:<h1>:<h2>:...",
// each block hash in signed base 36.
func (f Fingerprint) String() string {
	var sb strings.Builder
	sb.WriteString(strconv.Itoa(f.BlockSize))
	sb.WriteString(tokenSeparator)
	sb.WriteString(strconv.Itoa(f.HashLength))
	for _, h := range f.Blocks {
		sb.WriteString(tokenSeparator)
		sb.WriteString(strconv.FormatInt(h, 36))
	}
	return sb.String()
}

// MarshalText implements encoding.TextMarshaler.
func (f Fingerprint) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (f *Fingerprint) UnmarshalText(data []byte) error {
	parsed, err := Parse(string(data))
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}

// Parse decodes a token produced by Fingerprint.String.
func Parse(token string) (Fingerprint, error) {
	parts := strings.Split(strings.TrimSpace(token), tokenSeparator)
	if len(parts) < 2 {
		return Fingerprint{}, fmt.Errorf("%w: expected at least block size and hash length", ErrMalformedToken)
	}

	blockSize, err := strconv.Atoi(parts[0])
	if err != nil || blockSize <= 0 {
		return Fingerprint{}, fmt.Errorf("%w: invalid block size %q", ErrMalformedToken, parts[0])
	}
	hashLength, err := strconv.Atoi(parts[1])
	if err != nil || hashLength <= 0 {
		return Fingerprint{}, fmt.Errorf("%w: invalid hash length %q", ErrMalformedToken, parts[1])
	}

	blocks := make([]int64, 0, len(parts)-2)
	for i, p := range parts[2:] {
		h, err := strconv.ParseInt(p, 36, 64)
		if err != nil {
			return Fingerprint{}, fmt.Errorf("%w: block %d: %v", ErrMalformedToken, i, err)
		}
		blocks = append(blocks, h)
	}

	return Fingerprint{
		BlockSize:  blockSize,
		HashLength: hashLength,
		Blocks:     blocks,
	}, nil
}
