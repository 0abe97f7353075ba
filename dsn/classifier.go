package dsn

import (
	"regexp"
	"strconv"
	"strings"
)

// BounceCategory is the provider-pattern categorisation carried over from
// the teacher's dsn.Classifier, used to fill in the bounce webhook's
// category field (spec.md §4.5) with something more useful than a bare
// defer/reject.
type BounceCategory string

const (
	CategoryAddressFailure BounceCategory = "address_failure"
	CategoryMailboxFull    BounceCategory = "mailbox_full"
	CategoryContentReject  BounceCategory = "content_rejection"
	CategoryNetworkFailure BounceCategory = "network_failure"
	CategoryProtocolError  BounceCategory = "protocol_error"
	CategorySpamReject     BounceCategory = "spam_rejection"
	CategoryAuthFailure    BounceCategory = "auth_failure"
	CategoryRateLimit      BounceCategory = "rate_limit"
	CategoryServerError    BounceCategory = "server_error"
	CategoryUnknown        BounceCategory = "unknown"
)

type providerRule struct {
	pattern  *regexp.Regexp
	category BounceCategory
	action   Action
}

var providerRules = compileProviderRules([]struct {
	pattern  string
	category BounceCategory
	action   Action
}{
	// Google/Gmail
	{`The email account that you tried to reach does not exist`, CategoryAddressFailure, ActionReject},
	{`try again later.*gsmtp`, CategoryRateLimit, ActionDefer},
	{`Our system has detected that this message is likely.*spam`, CategorySpamReject, ActionReject},

	// Microsoft/Outlook
	{`Mailbox not found`, CategoryAddressFailure, ActionReject},
	{`Recipient rejected`, CategoryAddressFailure, ActionReject},
	{`Message rejected due to content restrictions`, CategoryContentReject, ActionReject},

	// Yahoo
	{`delivery error.*this user doesn'?t have a yahoo.com account`, CategoryAddressFailure, ActionReject},
	{`temporarily deferred`, CategoryRateLimit, ActionDefer},

	// Generic
	{`greylisted`, CategoryRateLimit, ActionDefer},
	{`Service unavailable.*client host.*blocked`, CategorySpamReject, ActionReject},
	{`Access denied.*sending limit`, CategoryRateLimit, ActionDefer},
})

func compileProviderRules(rules []struct {
	pattern  string
	category BounceCategory
	action   Action
}) []providerRule {
	compiled := make([]providerRule, 0, len(rules))
	for _, r := range rules {
		re, err := regexp.Compile("(?i)" + r.pattern)
		if err != nil {
			continue
		}
		compiled = append(compiled, providerRule{pattern: re, category: r.category, action: r.action})
	}
	return compiled
}

// Classify analyses a raw SMTP reply line (e.g. "550 5.1.1 No such user
// here") and returns the defer/reject action and a best-effort category.
// It is a pure function of reply: Classify(Normalise(r)) == Classify(r)
// for every reply, since Classify normalises its input first and
// Normalise is idempotent.
func Classify(reply string) Classification {
	reply = Normalise(reply)
	code, hasCode := ExtractSMTPCode(reply)
	enhanced, hasEnhanced := ExtractEnhancedCode(reply)

	if !hasCode {
		return Classification{Action: ActionDefer, Category: CategoryUnknown, Message: reply}
	}

	if category, action, ok := matchProviderRules(reply); ok {
		return Classification{
			Action: action, Category: category, SMTPCode: code, Message: reply,
			Description: describe(category, action),
		}
	}

	var status StatusCode
	if hasEnhanced {
		status = parseStatusCode(enhanced)
	} else {
		status = StatusCode{Class: code / 100}
	}

	action := actionForClass(status.Class)
	category := categorizeMessage(code, reply)
	if hasEnhanced {
		if c := categorizeStatusCode(status); c != CategoryUnknown {
			category = c
		}
	}

	return Classification{
		Action: action, Category: category, StatusCode: status, SMTPCode: code,
		Message: reply, Description: describe(category, action),
	}
}

func actionForClass(class int) Action {
	switch {
	case class == 2:
		return ActionAccept
	case class == 4:
		return ActionDefer
	default:
		return ActionReject
	}
}

func matchProviderRules(message string) (BounceCategory, Action, bool) {
	for _, rule := range providerRules {
		if rule.pattern.MatchString(message) {
			return rule.category, rule.action, true
		}
	}
	return "", "", false
}

func parseStatusCode(enhanced string) StatusCode {
	parts := strings.SplitN(enhanced, ".", 3)
	if len(parts) != 3 {
		return StatusCode{}
	}
	class, _ := strconv.Atoi(parts[0])
	subject, _ := strconv.Atoi(parts[1])
	detail, _ := strconv.Atoi(parts[2])
	return StatusCode{Class: class, Subject: subject, Detail: detail}
}

func categorizeMessage(smtpCode int, message string) BounceCategory {
	lower := strings.ToLower(message)

	switch {
	case containsAny(lower, "user unknown", "no such user", "mailbox not found",
		"recipient rejected", "address rejected", "does not exist",
		"invalid recipient", "unknown user", "no mailbox"):
		return CategoryAddressFailure
	case containsAny(lower, "mailbox full", "over quota", "quota exceeded",
		"insufficient storage", "storage limit", "mailbox is full"):
		return CategoryMailboxFull
	case containsAny(lower, "spam", "spamhaus", "barracuda", "blacklist",
		"blocklist", "dnsbl", "rbl", "spf fail", "dkim fail", "dmarc fail", "reputation"):
		return CategorySpamReject
	case containsAny(lower, "content rejected", "message rejected", "policy",
		"prohibited", "attachment", "virus", "malware", "phishing"):
		return CategoryContentReject
	case containsAny(lower, "authentication", "relay denied", "not authorized",
		"relay access denied", "not permitted", "authentication required"):
		return CategoryAuthFailure
	case containsAny(lower, "rate limit", "too many", "throttl",
		"try again later", "too many connections", "too many messages"):
		return CategoryRateLimit
	case containsAny(lower, "connection timeout", "connection refused",
		"network unreachable", "dns", "mx lookup", "no route"):
		return CategoryNetworkFailure
	case containsAny(lower, "protocol error", "syntax error", "command not recognized",
		"command sequence", "tls required"):
		return CategoryProtocolError
	case smtpCode >= 400 && smtpCode < 600:
		return CategoryServerError
	default:
		return CategoryUnknown
	}
}

func categorizeStatusCode(code StatusCode) BounceCategory {
	switch code.Subject {
	case 1:
		return CategoryAddressFailure
	case 2:
		if code.Detail == 2 || code.Detail == 3 {
			return CategoryMailboxFull
		}
		return CategoryAddressFailure
	case 3:
		if code.Detail == 4 {
			return CategoryMailboxFull
		}
		return CategoryServerError
	case 4:
		return CategoryNetworkFailure
	case 5:
		return CategoryProtocolError
	case 6:
		return CategoryContentReject
	case 7:
		if code.Detail == 1 {
			return CategoryAuthFailure
		}
		return CategorySpamReject
	}
	return CategoryUnknown
}

func describe(category BounceCategory, action Action) string {
	switch category {
	case CategoryAddressFailure:
		return "the recipient address does not exist or is not accepting mail"
	case CategoryMailboxFull:
		if action == ActionReject {
			return "the recipient's mailbox is full and cannot accept new messages"
		}
		return "the recipient's mailbox is temporarily full; delivery will be retried"
	case CategoryContentReject:
		return "the message was rejected due to content policy restrictions"
	case CategorySpamReject:
		return "the message was rejected as suspected spam or due to sender reputation"
	case CategoryNetworkFailure:
		return "a network error prevented delivery"
	case CategoryProtocolError:
		return "an SMTP protocol error occurred during delivery"
	case CategoryAuthFailure:
		return "the sending server is not authorized to relay mail to this destination"
	case CategoryRateLimit:
		return "delivery was throttled due to rate limiting"
	case CategoryServerError:
		if action == ActionReject {
			return "the remote server permanently rejected the message"
		}
		return "the remote server encountered a temporary error"
	default:
		return "an unclassified delivery error occurred"
	}
}

// Normalise collapses internal whitespace and trims trailing whitespace
// from a raw SMTP reply, preserving the 3-digit code and any RFC 3463
// enhanced-status prefix intact (spec.md §7's normalisation rule).
func Normalise(reply string) string {
	fields := strings.Fields(reply)
	return strings.Join(fields, " ")
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

var smtpCodeRE = regexp.MustCompile(`^([2-5]\d{2})\b`)
var enhancedCodeRE = regexp.MustCompile(`\b([245]\.\d{1,3}\.\d{1,3})\b`)

// ExtractSMTPCode extracts a leading 3-digit SMTP reply code.
func ExtractSMTPCode(reply string) (int, bool) {
	m := smtpCodeRE.FindStringSubmatch(reply)
	if len(m) < 2 {
		return 0, false
	}
	code, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return code, true
}

// ExtractEnhancedCode extracts an RFC 3463 enhanced status code, e.g. "5.1.1".
func ExtractEnhancedCode(reply string) (string, bool) {
	m := enhancedCodeRE.FindStringSubmatch(reply)
	if len(m) < 2 {
		return "", false
	}
	return m[1], true
}
