package chat

import (
	"encoding/json"
	"strings"

	"github.com/taxbracket/backend/internal/domain"
)

const corePrompt = `You are TaxBracket AI, a financial analyst and tax assistant specializing in Nigerian financial regulations, tax codes and banking practices.

Analyze Nigerian bank statements, calculate personal income tax under the Nigeria Tax Act 2025 (effective 1 January 2026) and give practical advice for the Nigerian context. Amounts are in Naira (₦) and the tax year runs from 1 January to 31 December.

Personal income tax bands:
- ₦0 - ₦800,000: 0%
- ₦800,001 - ₦3,000,000: 15%
- ₦3,000,001 - ₦12,000,000: 18%
- ₦12,000,001 - ₦25,000,000: 21%
- ₦25,000,001 - ₦50,000,000: 23%
- Above ₦50,000,000: 25%

Rent relief is the lesser of ₦500,000 or 20% of annual rent paid. The consolidated relief allowance and minimum tax are abolished.`

const noContextSection = `# FINANCIAL DATA CONTEXT

No aggregated summary is available yet. Encourage the user to upload a bank statement to begin.`

const contextSection = "# FINANCIAL DATA CONTEXT (AUTHORITATIVE)\n\n" +
	"Use this exact data for calculations. Do not make up numbers.\n\n```json\n%s\n```\n\n" +
	"- Use only the numbers from this context\n" +
	"- If a value is missing, say the data is unavailable\n" +
	"- Never fabricate transaction data"

// SystemPrompt builds the system message, embedding the compact context when
// one has been built.
func SystemPrompt(tc *domain.TaxContext) string {
	var b strings.Builder
	b.WriteString(corePrompt)
	b.WriteString("\n\n")
	if tc == nil || len(tc.Context) == 0 {
		b.WriteString(noContextSection)
		return b.String()
	}

	var pretty strings.Builder
	var v any
	if err := json.Unmarshal(tc.Context, &v); err == nil {
		enc := json.NewEncoder(&pretty)
		enc.SetIndent("", "  ")
		enc.SetEscapeHTML(false)
		_ = enc.Encode(v)
	} else {
		pretty.Write(tc.Context)
	}
	b.WriteString(strings.Replace(contextSection, "%s", strings.TrimSpace(pretty.String()), 1))
	return b.String()
}
