package extractor

import "regexp"

type categoryRule struct {
	category    string
	subCategory string
	keywords    *regexp.Regexp
}

// Rules are tried in order; the first match wins.
var categoryRules = []categoryRule{
	{"income", "salary", regexp.MustCompile(`(?i)salary|wages|payroll|staff\s*pay`)},
	{"income", "business", regexp.MustCompile(`(?i)payment\s*received|invoice|client|sales\s*proceed`)},
	{"income", "rental", regexp.MustCompile(`(?i)rent\s*(received|income)|tenant`)},
	{"income", "investment", regexp.MustCompile(`(?i)dividend|interest\s*(earned|income|credit)|investment\s*return`)},

	{"bank_charges", "stamp_duty", regexp.MustCompile(`(?i)stamp\s*duty|emtl|electronic\s*money\s*transfer`)},
	{"bank_charges", "maintenance", regexp.MustCompile(`(?i)account\s*maintenance|monthly\s*fee|\bcot\b|commission\s*on\s*turnover`)},
	{"bank_charges", "transfer_fee", regexp.MustCompile(`(?i)transfer\s*fee|inter[\s-]*bank\s*transfer`)},
	{"bank_charges", "sms_alert", regexp.MustCompile(`(?i)sms\s*alert|e[\s-]*alert|notification\s*fee`)},
	{"bank_charges", "card_fee", regexp.MustCompile(`(?i)card\s*maintenance|annual\s*card`)},
	{"bank_charges", "atm_fee", regexp.MustCompile(`(?i)atm\s*(withdrawal\s*)?fee|inter[\s-]*bank\s*atm`)},

	{"deduction", "pension", regexp.MustCompile(`(?i)pension|pencom|\brsf\b|retirement`)},
	{"deduction", "nhf", regexp.MustCompile(`(?i)\bnhf\b|national\s*housing`)},
	{"deduction", "nhis", regexp.MustCompile(`(?i)\bnhis\b|health\s*insurance`)},
	{"deduction", "tax", regexp.MustCompile(`(?i)\bpaye\b|tax\s*deduct|withholding`)},
	{"deduction", "insurance", regexp.MustCompile(`(?i)life\s*insurance|insurance\s*premium`)},

	{"expense", "rent", regexp.MustCompile(`(?i)^rent|rent\s*payment|house\s*rent`)},
	{"expense", "utilities", regexp.MustCompile(`(?i)electricity|nepa|phcn|water\s*bill|gas\s*bill|dstv|gotv`)},
	{"expense", "transport", regexp.MustCompile(`(?i)uber|bolt|fuel|petrol|diesel|transport`)},
	{"expense", "food", regexp.MustCompile(`(?i)food|restaurant|grocery|market`)},
	{"expense", "transfer", regexp.MustCompile(`(?i)transfer|\btrf\b|\bnip\b|nibss`)},
}

// Categorize infers category and sub-category from a statement description.
func Categorize(description string) (category, subCategory string) {
	for _, rule := range categoryRules {
		if rule.keywords.MatchString(description) {
			return rule.category, rule.subCategory
		}
	}
	return "uncategorized", ""
}
