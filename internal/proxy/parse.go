package proxy

import (
	"bufio"
	"net/url"
	"strconv"
	"strings"

	"adaccount-provisioner/internal/models"
)

// ParseBulk reads one proxy URL per line, scheme://[user:pass@]host[:port].
// Lines that do not parse or use an unknown scheme are skipped.
func ParseBulk(text, owner string) []models.Proxy {
	var out []models.Proxy
	sc := bufio.NewScanner(strings.NewReader(text))
	for sc.Scan() {
		p, ok := ParseLine(sc.Text())
		if !ok {
			continue
		}
		p.Owner = owner
		out = append(out, p)
	}
	return out
}

// ParseLine parses a single proxy URL. The port defaults to 443 for https and 8080 otherwise.
func ParseLine(line string) (models.Proxy, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return models.Proxy{}, false
	}
	u, err := url.Parse(line)
	if err != nil || u.Host == "" {
		return models.Proxy{}, false
	}
	scheme := strings.ToLower(u.Scheme)
	if !models.ValidProtocol(scheme) {
		return models.Proxy{}, false
	}
	host := u.Hostname()
	if host == "" {
		return models.Proxy{}, false
	}
	port := 8080
	if scheme == models.ProtocolHTTPS {
		port = 443
	}
	if ps := u.Port(); ps != "" {
		n, err := strconv.Atoi(ps)
		if err != nil || n <= 0 || n > 65535 {
			return models.Proxy{}, false
		}
		port = n
	}

	p := models.Proxy{
		Name:     host + ":" + strconv.Itoa(port),
		Protocol: scheme,
		Host:     host,
		Port:     port,
		Active:   true,
	}
	if u.User != nil {
		p.Username = u.User.Username()
		p.Password, _ = u.User.Password()
	}
	return p, true
}
