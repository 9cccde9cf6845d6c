package parser

import (
	"encoding/base64"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/ianaindex"
	"golang.org/x/text/transform"
)

// Decode decodes a transfer-encoded body into text. Supported encodings are
// base64 and quoted-printable; anything else is returned unchanged. Decode
// never fails: if the content cannot be decoded the original is returned.
func Decode(content, encoding string) string {
	return DecodeCharset(content, encoding, "")
}

// DecodeCharset is Decode with a declared charset. Decoded bytes are read in
// that charset when it is known and not a UTF-8 variant; otherwise they are
// read as UTF-8, falling back to ISO-8859-1 when they are not valid UTF-8.
func DecodeCharset(content, encoding, charset string) string {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "base64":
		raw, ok := decodeBase64(content)
		if !ok {
			return content
		}
		return bytesToText(raw, charset)
	case "quoted-printable":
		return bytesToText(decodeQuotedPrintable(content), charset)
	default:
		if enc := lookupCharset(charset); enc != nil {
			if text, err := decodeWith(enc, []byte(content)); err == nil {
				return text
			}
		}
		return content
	}
}

// decodeBase64 strips all whitespace and decodes, accepting unpadded input.
func decodeBase64(content string) ([]byte, bool) {
	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, content)

	decoded, err := base64.StdEncoding.DecodeString(cleaned)
	if err != nil {
		decoded, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(cleaned, "="))
		if err != nil {
			return nil, false
		}
	}
	return decoded, true
}

// decodeQuotedPrintable removes soft line breaks and replaces =XX escapes.
// Malformed escapes are kept as literal text.
func decodeQuotedPrintable(content string) []byte {
	content = strings.ReplaceAll(content, "=\r\n", "")
	content = strings.ReplaceAll(content, "=\n", "")

	out := make([]byte, 0, len(content))
	for i := 0; i < len(content); i++ {
		c := content[i]
		if c == '=' && i+2 < len(content) {
			hi, okHi := unhex(content[i+1])
			lo, okLo := unhex(content[i+2])
			if okHi && okLo {
				out = append(out, hi<<4|lo)
				i += 2
				continue
			}
		}
		out = append(out, c)
	}
	return out
}

func unhex(c byte) (byte, bool) {
	switch {
	case '0' <= c && c <= '9':
		return c - '0', true
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10, true
	case 'A' <= c && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}

// bytesToText interprets decoded bytes in the declared charset.
func bytesToText(raw []byte, charset string) string {
	if enc := lookupCharset(charset); enc != nil {
		if text, err := decodeWith(enc, raw); err == nil {
			return text
		}
	}
	if utf8.Valid(raw) {
		return string(raw)
	}
	return decodeLatin1(raw)
}

// lookupCharset returns the encoding for a declared charset, or nil when the
// charset is empty, a UTF-8/ASCII variant, or unknown.
func lookupCharset(charset string) encoding.Encoding {
	charset = strings.Trim(strings.ToLower(strings.TrimSpace(charset)), `"`)
	switch charset {
	case "", "utf-8", "utf8", "us-ascii", "ascii":
		return nil
	case "latin1", "latin-1":
		return charmap.ISO8859_1
	}

	enc, err := ianaindex.IANA.Encoding(charset)
	if err != nil || enc == nil {
		return nil
	}
	return enc
}

func decodeWith(enc encoding.Encoding, raw []byte) (string, error) {
	out, _, err := transform.Bytes(enc.NewDecoder(), raw)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// decodeLatin1 maps every byte to the rune of the same value.
func decodeLatin1(raw []byte) string {
	out, _, err := transform.Bytes(charmap.ISO8859_1.NewDecoder(), raw)
	if err != nil {
		var b strings.Builder
		for _, c := range raw {
			b.WriteRune(rune(c))
		}
		return b.String()
	}
	return string(out)
}
