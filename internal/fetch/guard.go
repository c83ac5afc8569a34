package fetch

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/doyensec/safeurl"
)

// ErrBlockedURL はチェック対象として許可されないURL。
var ErrBlockedURL = errors.New("許可されていないURLです")

// Guard は外部フィードへのリクエストをSSRFから保護する。
type Guard interface {
	// ValidateURL はDNS解決を伴わない静的な検証を行う。
	ValidateURL(rawURL string) error
	// NewClient はDial時に解決後のIPアドレスを検証するHTTPクライアントを返す。
	NewClient(timeout time.Duration) *http.Client
}

var allowedSchemes = []string{"http", "https"}

var blockedNetworks = mustParseCIDRs(
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"127.0.0.0/8",
	"169.254.0.0/16", // クラウドメタデータを含む
	"0.0.0.0/8",
	"::1/128",
	"fe80::/10",
	"fc00::/7",
)

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, cidr := range cidrs {
		_, n, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(fmt.Sprintf("invalid CIDR %s: %v", cidr, err))
		}
		nets = append(nets, n)
	}
	return nets
}

// SafeGuard はsafeurlを使ったGuardの実装。
type SafeGuard struct{}

var _ Guard = SafeGuard{}

// NewClient はプライベート・ループバック・リンクローカル宛ての接続を拒否するクライアントを返す。
func (SafeGuard) NewClient(timeout time.Duration) *http.Client {
	cfg := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes(allowedSchemes...).
		SetAllowedPorts(80, 443).
		Build()
	return safeurl.Client(cfg).Client
}

// ValidateURL はスキーム、ホスト、IPリテラルを検証する。
func (SafeGuard) ValidateURL(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrBlockedURL, err)
	}

	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("%w: scheme %q", ErrBlockedURL, parsed.Scheme)
	}

	host := parsed.Hostname()
	if host == "" {
		return fmt.Errorf("%w: empty host", ErrBlockedURL)
	}
	if strings.EqualFold(host, "localhost") {
		return fmt.Errorf("%w: host %s", ErrBlockedURL, host)
	}
	if ip := net.ParseIP(host); ip != nil {
		for _, n := range blockedNetworks {
			if n.Contains(ip) {
				return fmt.Errorf("%w: address %s", ErrBlockedURL, ip)
			}
		}
	}
	return nil
}
