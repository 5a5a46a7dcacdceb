// Package guard validates outgoing message text against the marketplace
// content policy: contact details and off-platform links are blocked before
// a message is ever dispatched. The check is deterministic and runs both on
// every keystroke (live feedback) and once more right before send. The
// server enforces the same policy; its verdict wins for user messaging.
package guard

import "regexp"

// Category identifies which pattern class blocked the text.
type Category string

const (
	CategoryEmail     Category = "email"
	CategoryPhone     Category = "phone"
	CategoryMessenger Category = "messenger"
	CategorySocial    Category = "social"
	CategoryURL       Category = "url"
)

// Violation is a non-empty validation result. The zero value means the
// text passed.
type Violation struct {
	Category Category
	Warning  string
}

// Blocked reports whether the violation should block the send.
func (v Violation) Blocked() bool {
	return v.Category != ""
}

type rule struct {
	category Category
	warning  string
	re       *regexp.Regexp
}

// rules are evaluated in order; the first match decides which single
// warning the user sees when several categories would match.
var rules = []rule{
	{
		category: CategoryEmail,
		warning:  "Sharing email addresses is not allowed. Please keep communication on the platform.",
		re:       regexp.MustCompile(`(?i)[a-z0-9._%+-]+@[a-z0-9.-]+\.[a-z]{2,}`),
	},
	{
		category: CategoryPhone,
		warning:  "Sharing phone numbers is not allowed. Please keep communication on the platform.",
		re:       regexp.MustCompile(`(\+?\d[\d\s().-]{7,}\d)`),
	},
	{
		category: CategoryMessenger,
		warning:  "Mentioning external messaging apps is not allowed.",
		re:       regexp.MustCompile(`(?i)\b(whats\s?app|telegram|signal\s+app|wa\.me|t\.me)\b`),
	},
	{
		category: CategorySocial,
		warning:  "Mentioning social media platforms is not allowed.",
		re:       regexp.MustCompile(`(?i)\b(instagram|insta|facebook|fb\.com|twitter|linkedin|snapchat|discord|skype)\b`),
	},
	{
		category: CategoryURL,
		warning:  "Sharing links is not allowed. Please keep communication on the platform.",
		re:       regexp.MustCompile(`(?i)(https?://\S+|www\.\S+|\b[a-z0-9-]+\.(com|net|org|io|me|co|in)\b)`),
	},
}

// Validate scans text against the ordered pattern categories and returns
// the first matching violation, or the zero Violation when the text is
// clean.
func Validate(text string) Violation {
	for _, r := range rules {
		if r.re.MatchString(text) {
			return Violation{Category: r.category, Warning: r.warning}
		}
	}
	return Violation{}
}
