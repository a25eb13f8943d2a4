package util

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/url"
	"regexp"
	"strconv"
	"unicode/utf8"
)

var secretPattern = regexp.MustCompile(`(?i)(password|token|secret|key|pepper)=([^\s&]+)`)

// RedactPasteContent keeps a short head and tail of content for debug logs.
func RedactPasteContent(content string) string {
	n := utf8.RuneCountInString(content)
	if n == 0 {
		return ""
	}
	if n <= 20 {
		return "[REDACTED]"
	}
	r := []rune(content)
	return string(r[:5]) + "...[REDACTED " + strconv.Itoa(n) + " chars]..." + string(r[n-5:])
}
func RedactSecret(s string) string {
	return secretPattern.ReplaceAllString(s, "$1=[REDACTED]")
}

// RedactURL drops secret query values such as ?password= from u.
func RedactURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	if u.RawQuery == "" {
		return u.Path
	}
	q := u.Query()
	for k := range q {
		if secretPattern.MatchString(k + "=x") {
			q.Set(k, "[REDACTED]")
		}
	}
	return u.Path + "?" + q.Encode()
}

// RedactIP zeroes the host part of an address: the last octet for IPv4,
// everything past /32 for IPv6.
func RedactIP(ip string) string {
	host, _, err := net.SplitHostPort(ip)
	if err == nil {
		ip = host
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		hash := sha256.Sum256([]byte(ip))
		return "hash:" + hex.EncodeToString(hash[:8])
	}
	if ipv4 := parsed.To4(); ipv4 != nil {
		ipv4[3] = 0
		return ipv4.String()
	}
	ipv6 := parsed.To16()
	for i := 4; i < 16; i++ {
		ipv6[i] = 0
	}
	return ipv6.String()
}
