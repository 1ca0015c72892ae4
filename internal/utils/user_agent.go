package utils

import "strings"

const defaultDesktopUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"

// DefaultDesktopUserAgent 返回默认的桌面 Chrome UA。
func DefaultDesktopUserAgent() string {
	return defaultDesktopUserAgent
}

// NormalizeDesktopUserAgent 把 UA 规范为桌面浏览器风格；为空、像手机 UA 或像无头浏览器时返回默认 UA。
func NormalizeDesktopUserAgent(ua string) string {
	v := strings.TrimSpace(ua)
	if v == "" {
		return defaultDesktopUserAgent
	}
	if looksLikeMobileUA(v) || looksHeadless(v) {
		return defaultDesktopUserAgent
	}
	return v
}

func looksLikeMobileUA(ua string) bool {
	s := strings.ToLower(ua)
	if strings.Contains(s, "mobile") {
		return true
	}
	if strings.Contains(s, "iphone") || strings.Contains(s, "android") || strings.Contains(s, "ipad") {
		return true
	}
	return false
}

func looksHeadless(ua string) bool {
	s := strings.ToLower(ua)
	return strings.Contains(s, "headlesschrome") || strings.Contains(s, "phantomjs")
}
