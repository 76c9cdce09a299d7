package waf

// DefaultRuleSpecs is the built-in catalog. Every rule ships with a severity
// and action so the firewall is useful with no custom configuration.
func DefaultRuleSpecs() []RuleSpec {
	return []RuleSpec{
		{
			ID:            "scanner-user-agent",
			Name:          "Attack tool user agent",
			Pattern:       `(?im)^user-agent:.*\b(sqlmap|nikto|nmap|masscan|acunetix|nessus|openvas|w3af|dirbuster|gobuster|wpscan|zgrab|nuclei|havij|commix)\b`,
			Target:        TargetHeaders,
			Action:        ActionBlock,
			Severity:      SeverityHigh,
			Priority:      5,
			BlockDuration: "24h",
		},
		{
			ID:       "sqli-union-select",
			Name:     "SQL injection (UNION SELECT)",
			Pattern:  `(?i)\bunion\b[\s/*+()]+(all[\s/*+()]+|distinct[\s/*+()]+)?select\b`,
			Target:   TargetAll,
			Action:   ActionBlock,
			Severity: SeverityCritical,
			Priority: 10,
		},
		{
			ID:       "sqli-quote-breakout",
			Name:     "SQL injection (quote breakout)",
			Pattern:  `(?i)'\s*(or|and|xor)\s*'?\w+'?\s*(=|<|>|like)\s*'?\w+`,
			Target:   TargetAll,
			Action:   ActionBlock,
			Severity: SeverityCritical,
			Priority: 20,
		},
		{
			ID:       "sqli-stacked-statement",
			Name:     "SQL injection (stacked destructive statement)",
			Pattern:  `(?i);\s*(drop|truncate|alter|delete\s+from|insert\s+into|update\s+\w+\s+set|exec(ute)?|shutdown)\b`,
			Target:   TargetAll,
			Action:   ActionBlock,
			Severity: SeverityHigh,
			Priority: 30,
		},
		{
			ID:       "sqli-comment",
			Name:     "SQL comment sequence",
			Pattern:  `(?i)(['"]\s*--(\s|$)|['"]\s*#\s*$|/\*!?\d*.*?\*/)`,
			Target:   TargetAll,
			Action:   ActionChallenge,
			Severity: SeverityHigh,
			Priority: 40,
		},
		{
			ID:       "xss-script-tag",
			Name:     "Script injection (script tag)",
			Pattern:  `(?i)<\s*/?\s*script\b`,
			Target:   TargetAll,
			Action:   ActionBlock,
			Severity: SeverityCritical,
			Priority: 50,
		},
		{
			ID:       "xss-script-scheme",
			Name:     "Script injection (javascript/vbscript URI)",
			Pattern:  `(?i)\b(javascript|vbscript)\s*:`,
			Target:   TargetAll,
			Action:   ActionBlock,
			Severity: SeverityHigh,
			Priority: 60,
		},
		{
			ID:       "xss-event-handler",
			Name:     "Script injection (inline event handler)",
			Pattern:  `(?i)<[^>]*\bon[a-z]{3,24}\s*=`,
			Target:   TargetAll,
			Action:   ActionChallenge,
			Severity: SeverityHigh,
			Priority: 70,
		},
		{
			ID:       "path-traversal",
			Name:     "Path traversal",
			Pattern:  `(?i)(\.\.[/\\]|[/\\]\.\.$|%2e%2e)`,
			Target:   TargetURL,
			Action:   ActionBlock,
			Severity: SeverityHigh,
			Priority: 80,
		},
		{
			ID:       "command-injection",
			Name:     "Command injection",
			Pattern:  "(?i)(;|\\||&&|\\$\\(|`)\\s*(cat|ls|id|whoami|uname|wget|curl|nc|ncat|bash|sh|zsh|powershell|cmd(\\.exe)?|rm|chmod|python[23]?|perl)(\\s|$|[);|&<>])",
			Target:   TargetAll,
			Action:   ActionBlock,
			Severity: SeverityCritical,
			Priority: 90,
		},
		{
			ID:       "upload-disallowed-extension",
			Name:     "Disallowed upload extension",
			Pattern:  `(?i)filename\s*=\s*"?[^"\r\n;]*\.(php[0-9]?|phtml|phar|jsp|jspx|asp|aspx|exe|bat|cmd|com|sh|cgi|pl|dll|scr|msi|vbs|ps1)"?(\s|;|$)`,
			Target:   TargetBody,
			Action:   ActionBlock,
			Severity: SeverityMedium,
			Priority: 100,
		},
		{
			ID:              "login-bruteforce",
			Name:            "Login brute force",
			Pattern:         `(?i)^/(api/)?(v\d+/)?auth/login\b`,
			Target:          TargetURL,
			Action:          ActionRateLimit,
			Severity:        SeverityLow,
			Priority:        200,
			BlockDuration:   "15m",
			RateLimitWindow: "1m",
			RateLimitMax:    10,
		},
		{
			ID:       "sensitive-file-probe",
			Name:     "Sensitive file probe",
			Pattern:  `(?i)/(\.env|\.git/|\.svn/|\.htaccess|\.htpasswd|\.aws/|\.ssh/|wp-config\.php|id_rsa|\.ds_store|web\.config)`,
			Target:   TargetURL,
			Action:   ActionLog,
			Severity: SeverityMedium,
			Priority: 300,
		},
		{
			ID:       "null-byte",
			Name:     "Null byte encoding",
			Pattern:  `(\x00|(?i:%00))`,
			Target:   TargetAll,
			Action:   ActionLog,
			Severity: SeverityLow,
			Priority: 310,
		},
	}
}

// scriptedClientSpec is added in emergency mode. It refuses common command-line
// and library HTTP clients.
var scriptedClientSpec = RuleSpec{
	ID:       "emergency-scripted-client",
	Name:     "Scripted client during emergency",
	Pattern:  `(?im)^user-agent:\s*(curl|wget|python-requests|python-urllib|aiohttp|go-http-client|libwww-perl|java/|okhttp|apache-httpclient|httpie|scrapy|node-fetch|axios)`,
	Target:   TargetHeaders,
	Action:   ActionBlock,
	Severity: SeverityHigh,
	Priority: 1,
}

// emergencyRules builds the stricter subset: every built-in rule of medium
// severity or above becomes a block rule, plus the scripted-client rule.
func emergencyRules() []*Rule {
	out := []*Rule{MustCompile(scriptedClientSpec)}
	for _, spec := range DefaultRuleSpecs() {
		r := MustCompile(spec)
		if r.Severity.Rank() < SeverityMedium.Rank() {
			continue
		}
		r.Action = ActionBlock
		out = append(out, r)
	}
	for i, r := range out {
		r.seq = uint64(i)
	}
	return out
}
