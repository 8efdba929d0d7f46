package wire

import "strings"

// ValidateTopicName checks a topic name against the protocol rules:
// 1-64 characters of [.a-zA-Z0-9_-], optionally suffixed with #ephemeral.
func ValidateTopicName(name string) error {
	return validateName("topic", name)
}

// ValidateChannelName checks a channel name, same rules as topics.
func ValidateChannelName(name string) error {
	return validateName("channel", name)
}

func validateName(kind, name string) error {
	if name == "" {
		return &InvalidNameError{Kind: kind, Name: name, Msg: "name is empty"}
	}
	if len(name) > MaxNameLength {
		return &InvalidNameError{Kind: kind, Name: name, Msg: "name exceeds 64 characters"}
	}

	base := strings.TrimSuffix(name, EphemeralSuffix)
	if base == "" {
		return &InvalidNameError{Kind: kind, Name: name, Msg: "name is only a suffix"}
	}

	for i := 0; i < len(base); i++ {
		if !validNameChar(base[i]) {
			return &InvalidNameError{Kind: kind, Name: name, Msg: "invalid character " + strconvQuoteByte(base[i])}
		}
	}
	return nil
}

func validNameChar(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z':
	case c >= 'A' && c <= 'Z':
	case c >= '0' && c <= '9':
	case c == '.', c == '_', c == '-':
	default:
		return false
	}
	return true
}

func strconvQuoteByte(c byte) string {
	if c < 0x20 || c >= 0x7f {
		const hexdigits = "0123456789abcdef"
		return `'\x` + string(hexdigits[c>>4]) + string(hexdigits[c&0xf]) + `'`
	}
	return "'" + string(c) + "'"
}

// IsEphemeral reports whether a topic or channel name carries the #ephemeral suffix.
func IsEphemeral(name string) bool {
	return strings.HasSuffix(name, EphemeralSuffix)
}
