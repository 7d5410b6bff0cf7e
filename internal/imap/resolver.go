package imap

import (
	"net"
	"strings"
	"time"
)

// Common IMAP servers for popular email providers
var knownIMAPServers = map[string]string{
	"gmail.com":      "imap.gmail.com:993",
	"googlemail.com": "imap.gmail.com:993",
	"outlook.com":    "outlook.office365.com:993",
	"hotmail.com":    "outlook.office365.com:993",
	"live.com":       "outlook.office365.com:993",
	"msn.com":        "outlook.office365.com:993",
	"yahoo.com":      "imap.mail.yahoo.com:993",
	"yandex.ru":      "imap.yandex.ru:993",
	"yandex.com":     "imap.yandex.com:993",
	"mail.ru":        "imap.mail.ru:993",
	"icloud.com":     "imap.mail.me.com:993",
	"me.com":         "imap.mail.me.com:993",
	"aol.com":        "imap.aol.com:993",
	"zoho.com":       "imap.zoho.com:993",
	"fastmail.com":   "imap.fastmail.com:993",
	"gmx.com":        "imap.gmx.com:993",
	"gmx.de":         "imap.gmx.net:993",
	"web.de":         "imap.web.de:993",
}

// ResolveAddr determines the IMAP endpoint for an email address. Known
// providers map directly; for everything else the common host patterns are
// probed, falling back to imap.<domain>:993.
func ResolveAddr(email string) string {
	domain := domainOf(email)
	if domain == "" {
		return ""
	}

	if addr, ok := knownIMAPServers[domain]; ok {
		return addr
	}

	for _, host := range []string{"imap." + domain, "mail." + domain} {
		if reachable(host + ":993") {
			return host + ":993"
		}
	}

	return "imap." + domain + ":993"
}

func domainOf(email string) string {
	parts := strings.Split(email, "@")
	if len(parts) != 2 {
		return ""
	}
	return strings.ToLower(parts[1])
}

func reachable(addr string) bool {
	conn, err := net.DialTimeout("tcp", addr, 3*time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
