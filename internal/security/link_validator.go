package security

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/doyensec/safeurl"
)

// ErrInvalidLink は論文PDFリンクが受け付けられないことを示す。
var ErrInvalidLink = errors.New("invalid link")

// LinkValidator は論文のPDFリンクを検証する。
type LinkValidator interface {
	// Validate はリンクを検証する。空文字列（リンクなし）は常に有効。
	Validate(ctx context.Context, rawURL string) error
}

// LinkValidatorConfig はリンク検証の設定。
type LinkValidatorConfig struct {
	// Probe がtrueの場合、SSRF防止付きクライアントでHEADリクエストを送り到達性も確認する。
	Probe   bool
	Timeout time.Duration
}

// allowedSchemes はリンクに許可するURLスキーム。
var allowedSchemes = []string{"http", "https"}

// blockedNetworks はリンク先として拒否するネットワーク範囲。
var blockedNetworks = mustParseCIDRs(
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"127.0.0.0/8",
	// クラウドメタデータIP (169.254.169.254) を含む
	"169.254.0.0/16",
	"0.0.0.0/8",
	"::1/128",
	"fe80::/10",
	"fc00::/7",
)

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, cidr := range cidrs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(fmt.Sprintf("invalid CIDR: %s: %v", cidr, err))
		}
		nets = append(nets, network)
	}
	return nets
}

// linkValidator はLinkValidatorの実装。
type linkValidator struct {
	probe  bool
	client *http.Client
}

// NewLinkValidator はLinkValidatorを生成する。
// 到達性確認にはsafeurlのクライアントを使い、DNS解決後のIPアドレスも検証する。
func NewLinkValidator(cfg LinkValidatorConfig) LinkValidator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	v := &linkValidator{probe: cfg.Probe}
	if cfg.Probe {
		v.client = NewSafeClient(cfg.Timeout)
	}
	return v
}

// NewSafeClient はSSRF防止機能付きのHTTPクライアントを生成する。
// プライベートIP、ループバック、リンクローカルへの接続はDialer段階で拒否される。
func NewSafeClient(timeout time.Duration) *http.Client {
	config := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes(allowedSchemes...).
		SetAllowedPorts(80, 443).
		Build()
	return safeurl.Client(config).Client
}

func (v *linkValidator) Validate(ctx context.Context, rawURL string) error {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return nil
	}
	if err := validateStatic(rawURL); err != nil {
		return err
	}
	if !v.probe {
		return nil
	}
	return v.head(ctx, rawURL)
}

// head はリンク先にHEADリクエストを送り、4xx/5xxを無効とみなす。
func (v *linkValidator) head(ctx context.Context, rawURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidLink, err)
	}
	resp, err := v.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: unreachable: %v", ErrInvalidLink, err)
	}
	resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("%w: status %d", ErrInvalidLink, resp.StatusCode)
	}
	return nil
}

// validateStatic はDNS解決を伴わない静的な検証を行う。
func validateStatic(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidLink, err)
	}

	scheme := strings.ToLower(parsed.Scheme)
	if !isAllowedScheme(scheme) {
		return fmt.Errorf("%w: disallowed scheme %q", ErrInvalidLink, scheme)
	}

	host := parsed.Hostname()
	if host == "" {
		return fmt.Errorf("%w: empty host", ErrInvalidLink)
	}

	if ip := net.ParseIP(host); ip != nil {
		if isBlockedIP(ip) {
			return fmt.Errorf("%w: blocked address %s", ErrInvalidLink, ip)
		}
		return nil
	}
	if strings.EqualFold(host, "localhost") {
		return fmt.Errorf("%w: blocked host %s", ErrInvalidLink, host)
	}
	return nil
}

func isAllowedScheme(scheme string) bool {
	for _, allowed := range allowedSchemes {
		if scheme == allowed {
			return true
		}
	}
	return false
}

func isBlockedIP(ip net.IP) bool {
	for _, network := range blockedNetworks {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}
