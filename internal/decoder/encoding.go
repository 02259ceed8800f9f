package decoder

import (
	"bytes"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/unicode/norm"
)

const (
	croatianLetters = "čćšžđČĆŠŽĐ"
	// Glyphs produced when Central European text is read with a Western
	// code page: È for Č, æ for ć, Ð for Đ, ¹ for š and so on.
	misreadLetters = "ÈèÆæÐð¹¾"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// codePages maps accepted encoding labels to single-byte code pages
var codePages = map[string]*charmap.Charmap{
	"windows-1250": charmap.Windows1250,
	"cp1250":       charmap.Windows1250,
	"windows-1252": charmap.Windows1252,
	"cp1252":       charmap.Windows1252,
	"iso-8859-2":   charmap.ISO8859_2,
	"latin2":       charmap.ISO8859_2,
	"iso-8859-1":   charmap.ISO8859_1,
	"latin1":       charmap.ISO8859_1,
}

// fallbackPages are tried in order when the payload is not valid UTF-8
var fallbackPages = []*charmap.Charmap{charmap.Windows1250, charmap.ISO8859_2, charmap.Windows1252}

// DecodeText turns raw bytes into NFC-normalized UTF-8. UTF-8 and UTF-16
// payloads are detected regardless of the declared encoding; otherwise the
// declared code page competes with common Central European code pages and
// the decoding that yields the most plausible Croatian text wins.
func DecodeText(raw []byte, declared string) string {
	if bytes.HasPrefix(raw, []byte{0xFF, 0xFE}) || bytes.HasPrefix(raw, []byte{0xFE, 0xFF}) {
		dec := unicode.UTF16(unicode.LittleEndian, unicode.UseBOM).NewDecoder()
		if out, err := dec.Bytes(raw); err == nil {
			return norm.NFC.String(string(out))
		}
	}

	raw = bytes.TrimPrefix(raw, utf8BOM)
	if utf8.Valid(raw) {
		return norm.NFC.String(RepairText(string(raw)))
	}

	var pages []*charmap.Charmap
	if cm, ok := codePages[strings.ToLower(strings.TrimSpace(declared))]; ok {
		pages = append(pages, cm)
	}
	pages = append(pages, fallbackPages...)

	best, bestScore := "", 0
	for i, cm := range pages {
		text := decodePage(cm, raw)
		score := plausibility(text)
		if i == 0 || score > bestScore {
			best, bestScore = text, score
		}
	}
	return norm.NFC.String(best)
}

func decodePage(cm *charmap.Charmap, raw []byte) string {
	var sb strings.Builder
	sb.Grow(len(raw) + len(raw)/8)
	for _, b := range raw {
		sb.WriteRune(cm.DecodeByte(b))
	}
	return sb.String()
}

// plausibility scores decoded text: Croatian letters count for it, glyphs
// typical of a wrong code page, C1 controls and replacement runes against it.
func plausibility(s string) int {
	score := 0
	for _, r := range s {
		switch {
		case strings.ContainsRune(croatianLetters, r):
			score++
		case strings.ContainsRune(misreadLetters, r):
			score -= 2
		case r == utf8.RuneError, r >= 0x80 && r <= 0x9F:
			score -= 3
		}
	}
	return score
}

// RepairText undoes double-encoded UTF-8 ("ÄŒokolino" for "Čokolino") and
// maps stray C1 control characters through windows-1250.
func RepairText(s string) string {
	if strings.ContainsAny(s, "ÃÄÅ") {
		if fixed, ok := undoDoubleEncoding(s); ok && plausibility(fixed) > plausibility(s) {
			s = fixed
		}
	}
	if !hasC1(s) {
		return s
	}
	return strings.Map(func(r rune) rune {
		if r >= 0x80 && r <= 0x9F {
			return charmap.Windows1250.DecodeByte(byte(r))
		}
		return r
	}, s)
}

func undoDoubleEncoding(s string) (string, bool) {
	buf := make([]byte, 0, len(s))
	for _, r := range s {
		if b, ok := charmap.Windows1252.EncodeRune(r); ok {
			buf = append(buf, b)
			continue
		}
		if r < 0x100 {
			buf = append(buf, byte(r))
			continue
		}
		return "", false
	}
	if !utf8.Valid(buf) {
		return "", false
	}
	return string(buf), true
}

func hasC1(s string) bool {
	for _, r := range s {
		if r >= 0x80 && r <= 0x9F {
			return true
		}
	}
	return false
}
