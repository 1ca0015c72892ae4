package model

type EmailSettings struct {
	Enabled  bool   `json:"enabled"`
	Email    string `json:"email"`
	AuthCode string `json:"authCode,omitempty"`
	// SMTPHost defaults to smtp.qq.com when empty.
	SMTPHost string `json:"smtpHost,omitempty"`
	SMTPPort int    `json:"smtpPort,omitempty"`
}

type LimitsSettings struct {
	MaxInFlight int     `json:"maxInFlight"`
	SessionQPS  float64 `json:"sessionQPS"`
}

type NotifySettings struct {
	// MinRiskScore is the peak risk at which a high-risk event is emitted.
	MinRiskScore int `json:"minRiskScore"`
	// NewContent toggles new-content events; the other kinds are always sent.
	NewContent bool `json:"newContent"`
}
