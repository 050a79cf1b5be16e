package protocol

import (
	"strings"

	ierrors "github.com/agrill/sshjob/internal/errors"
)

// uuencode's per-character offset: each encoded byte is the raw 6-bit value
// plus a space (0x20), with a literal space remapped to a backtick so the
// encoded stream never contains a space, matching the classic `uuencode`
// utility's alphabet.
const uuOffset = 0x20

// EncodeUU produces a standard uuencoded representation of data, including
// the "begin MODE NAME" header, per-line length-prefixed groups, and the
// trailing "`\nend\n" footer the `uuencode` utility emits. STDOUT/STDERR
// replies carry exactly this format.
func EncodeUU(data []byte, name string) string {
	var b strings.Builder
	b.WriteString("begin 644 " + name + "\n")

	for i := 0; i < len(data); i += 45 {
		end := i + 45
		if end > len(data) {
			end = len(data)
		}
		encodeLine(&b, data[i:end])
	}

	b.WriteString("`\nend\n")
	return b.String()
}

func encodeLine(b *strings.Builder, chunk []byte) {
	b.WriteByte(uuChar(len(chunk)))
	for i := 0; i < len(chunk); i += 3 {
		var triple [3]byte
		n := copy(triple[:], chunk[i:])
		c0 := triple[0] >> 2
		c1 := (triple[0]<<4)&0x30 | (triple[1] >> 4)
		c2 := (triple[1]<<2)&0x3c | (triple[2] >> 6)
		c3 := triple[2] & 0x3f
		b.WriteByte(uuChar(int(c0)))
		b.WriteByte(uuChar(int(c1)))
		if n > 1 {
			b.WriteByte(uuChar(int(c2)))
		} else {
			b.WriteByte(uuChar(0))
		}
		if n > 2 {
			b.WriteByte(uuChar(int(c3)))
		} else {
			b.WriteByte(uuChar(0))
		}
	}
	b.WriteByte('\n')
}

func uuChar(v int) byte {
	v &= 0x3f
	if v == 0 {
		return '`'
	}
	return byte(v + uuOffset)
}

func uuVal(c byte) int {
	if c == '`' {
		return 0
	}
	return int(c-uuOffset) & 0x3f
}

// DecodeUU reverses EncodeUU, returning the original bytes carried by a
// STDOUT/STDERR payload. It tolerates the presence or absence of the
// "begin"/"end" framing lines, since callers may hand it either the full
// uuencode output or just the body.
func DecodeUU(payload string) ([]byte, error) {
	lines := strings.Split(payload, "\n")

	var out []byte
	for _, line := range lines {
		if line == "" || line == "`" {
			continue
		}
		if strings.HasPrefix(line, "begin ") || line == "end" {
			continue
		}

		n := uuVal(line[0])
		if n == 0 {
			continue
		}
		body := line[1:]

		decoded := make([]byte, 0, n)
		for i := 0; i < len(body) && len(decoded) < n; i += 4 {
			if i+4 > len(body) {
				return nil, ierrors.WithMessage(ierrors.ErrEncoding, "truncated uuencode group")
			}
			c0 := uuVal(body[i])
			c1 := uuVal(body[i+1])
			c2 := uuVal(body[i+2])
			c3 := uuVal(body[i+3])

			decoded = append(decoded, byte(c0<<2|c1>>4))
			if len(decoded) < n {
				decoded = append(decoded, byte(c1<<4|c2>>2))
			}
			if len(decoded) < n {
				decoded = append(decoded, byte(c2<<6|c3))
			}
		}
		out = append(out, decoded[:n]...)
	}

	return out, nil
}
