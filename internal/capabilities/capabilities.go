// Package capabilities declares what this remediation component does, as
// reported to the CrowdSec LAPI.
package capabilities

// BouncerType is the `type` of the remediation component in usage metrics.
const BouncerType = "reqshield"

// Layer is the OSI layer remediations are applied at.
const Layer = "application"

// Service is the service name used in the LAPI user agent.
const Service = "reqshield"

// Remediation support. Challenges are answered with a 403 carrying a
// machine-readable code; no captcha is rendered.
const (
	SupportsBan                 = true
	SupportsCaptcha             = false
	SupportsAppSec              = false
	SupportsPerRequestDecisions = true
)

// Features lists the protection stages reported in usage metrics.
func Features() []string {
	return []string{"reputation", "ratelimit", "waf", "csrf"}
}

// UserAgent is the User-Agent sent to the LAPI.
func UserAgent(version string) string {
	return "crowdsec-" + Service + "-bouncer/v" + version
}
