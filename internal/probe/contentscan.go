package probe

// ScanText walks a PDF content stream and counts the characters shown
// by text operators (Tj, TJ, ' and "). It returns the total character
// count and how many of those characters fall outside printable ASCII.
// Hex strings count their decoded byte length.
func ScanText(stream []byte) (total, nonASCII int) {
	var pendTotal, pendNonASCII int
	i := 0
	n := len(stream)

	flush := func() {
		total += pendTotal
		nonASCII += pendNonASCII
		pendTotal, pendNonASCII = 0, 0
	}
	drop := func() {
		pendTotal, pendNonASCII = 0, 0
	}

	for i < n {
		c := stream[i]
		switch {
		case c == '%':
			for i < n && stream[i] != '\n' && stream[i] != '\r' {
				i++
			}
		case c == '(':
			t, na, next := scanLiteral(stream, i)
			pendTotal += t
			pendNonASCII += na
			i = next
		case c == '<' && i+1 < n && stream[i+1] == '<':
			i += 2 // dictionary open, not a string
		case c == '<':
			t, na, next := scanHex(stream, i)
			pendTotal += t
			pendNonASCII += na
			i = next
		case isRegular(c):
			start := i
			for i < n && isRegular(stream[i]) {
				i++
			}
			tok := stream[start:i]
			switch string(tok) {
			case "Tj", "TJ", "'", "\"":
				flush()
			case "BT", "ET", "Td", "TD", "Tm", "T*", "Tf", "Tc", "Tw", "TL", "Tz", "Ts", "Tr":
				// positioning and state operators keep pending strings
			default:
				if !isNumeric(tok) {
					drop()
				}
			}
		default:
			i++
		}
	}
	return total, nonASCII
}

// scanLiteral consumes a parenthesized string starting at stream[i].
func scanLiteral(stream []byte, i int) (total, nonASCII, next int) {
	depth := 0
	n := len(stream)
	for ; i < n; i++ {
		c := stream[i]
		switch c {
		case '\\':
			if i+1 < n {
				i++
				e := stream[i]
				if e >= '0' && e <= '7' {
					// octal escape, up to three digits
					v := int(e - '0')
					for k := 0; k < 2 && i+1 < n && stream[i+1] >= '0' && stream[i+1] <= '7'; k++ {
						i++
						v = v*8 + int(stream[i]-'0')
					}
					total++
					if v < 0x20 || v > 0x7e {
						nonASCII++
					}
				} else if e != '\n' && e != '\r' {
					total++
				}
			}
		case '(':
			if depth > 0 {
				total++
			}
			depth++
		case ')':
			depth--
			if depth == 0 {
				return total, nonASCII, i + 1
			}
			total++
		default:
			total++
			if c < 0x20 || c > 0x7e {
				nonASCII++
			}
		}
	}
	return total, nonASCII, n
}

// scanHex consumes a hex string starting at stream[i] (which is '<').
// Hex-encoded text almost always carries CID-keyed non-Latin glyphs,
// so its decoded bytes count as non-ASCII.
func scanHex(stream []byte, i int) (total, nonASCII, next int) {
	n := len(stream)
	digits := 0
	for i++; i < n; i++ {
		c := stream[i]
		if c == '>' {
			i++
			break
		}
		if isHexDigit(c) {
			digits++
		}
	}
	total = (digits + 1) / 2
	return total, total, i
}

// ExtractText assembles the text shown by a content stream into lines.
// Strings pending a Tj/TJ/quote operator are emitted in stream order;
// each line-positioning operator (Td, TD, T*, quote) starts a new line.
// Hex strings are skipped, their glyphs are CID-keyed and meaningless
// without the font's character map.
func ExtractText(stream []byte) string {
	var out []byte
	var pending []byte
	i := 0
	n := len(stream)

	newline := func() {
		if len(out) > 0 && out[len(out)-1] != '\n' {
			out = append(out, '\n')
		}
	}

	for i < n {
		c := stream[i]
		switch {
		case c == '%':
			for i < n && stream[i] != '\n' && stream[i] != '\r' {
				i++
			}
		case c == '(':
			lit, next := decodeLiteral(stream, i)
			pending = append(pending, lit...)
			i = next
		case c == '<' && i+1 < n && stream[i+1] == '<':
			i += 2
		case c == '<':
			_, _, next := scanHex(stream, i)
			i = next
		case isRegular(c):
			start := i
			for i < n && isRegular(stream[i]) {
				i++
			}
			tok := stream[start:i]
			switch string(tok) {
			case "Tj", "TJ":
				out = append(out, pending...)
				pending = pending[:0]
			case "'", "\"":
				newline()
				out = append(out, pending...)
				pending = pending[:0]
			case "Td", "TD", "T*":
				newline()
				pending = pending[:0]
			case "BT", "ET", "Tm", "Tf", "Tc", "Tw", "TL", "Tz", "Ts", "Tr":
				if string(tok) == "Tm" || string(tok) == "BT" {
					newline()
				}
			default:
				if !isNumeric(tok) {
					pending = pending[:0]
				}
			}
		default:
			i++
		}
	}
	newline()
	return string(out)
}

// decodeLiteral decodes a parenthesized string starting at stream[i]
// into its byte content.
func decodeLiteral(stream []byte, i int) (lit []byte, next int) {
	depth := 0
	n := len(stream)
	for ; i < n; i++ {
		c := stream[i]
		switch c {
		case '\\':
			if i+1 < n {
				i++
				e := stream[i]
				switch {
				case e >= '0' && e <= '7':
					v := int(e - '0')
					for k := 0; k < 2 && i+1 < n && stream[i+1] >= '0' && stream[i+1] <= '7'; k++ {
						i++
						v = v*8 + int(stream[i]-'0')
					}
					lit = append(lit, byte(v))
				case e == 'n':
					lit = append(lit, '\n')
				case e == 't':
					lit = append(lit, '\t')
				case e == 'r', e == '\n', e == '\r':
					// line continuation or carriage return, drop
				default:
					lit = append(lit, e)
				}
			}
		case '(':
			if depth > 0 {
				lit = append(lit, c)
			}
			depth++
		case ')':
			depth--
			if depth == 0 {
				return lit, i + 1
			}
			lit = append(lit, c)
		default:
			lit = append(lit, c)
		}
	}
	return lit, n
}

// isNumeric reports whether tok is a PDF numeric operand, such as the
// kerning adjustments interleaved with strings in a TJ array.
func isNumeric(tok []byte) bool {
	if len(tok) == 0 {
		return false
	}
	digits := 0
	for i, c := range tok {
		switch {
		case c >= '0' && c <= '9':
			digits++
		case c == '.':
		case (c == '+' || c == '-') && i == 0:
		default:
			return false
		}
	}
	return digits > 0
}

func isHexDigit(c byte) bool {
	return c >= '0' && c <= '9' || c >= 'a' && c <= 'f' || c >= 'A' && c <= 'F'
}

// isRegular reports whether c can appear in a PDF operator token.
func isRegular(c byte) bool {
	switch c {
	case ' ', '\t', '\r', '\n', '\f', 0,
		'(', ')', '<', '>', '[', ']', '{', '}', '/', '%':
		return false
	}
	return true
}
