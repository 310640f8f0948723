package triage

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/linnemanlabs/loandesk/internal/taxonomy"
)

// buildClassificationPrompt asks for one JSON verdict over the whole taxonomy.
func buildClassificationPrompt(tax *taxonomy.Taxonomy, emailText string) string {
	return fmt.Sprintf(`You are an expert email classifier for a Commercial Bank Lending Service.
Analyze the following email and classify it based on the request type and sub-request type.

Classification Criteria:
%s

Email Content:
%s

Important Instructions:
1. Analyze the email content carefully
2. Choose the most appropriate request type and sub-request type from the provided criteria
3. Provide a confidence score between 0 and 1
4. Include a detailed reason for your classification
5. Return ONLY a valid JSON object with no additional text or formatting
6. The JSON response MUST follow this EXACT format:
{
    "request_type": "<classified request type>",
    "sub_request_type": "<classified sub-request type if applicable, otherwise null>",
    "confidence_score": <float between 0 and 1>,
    "reason": "<detailed explanation for the classification>"
}

Remember: Return ONLY the JSON object, no other text or explanation.`,
		tax.CriteriaJSON(),
		emailText,
	)
}

// buildExtractionPrompt asks for exactly the given fields of requestType.
func buildExtractionPrompt(fields []taxonomy.Field, requestType, emailText string) string {
	names := make([]string, len(fields))
	descs := make([]string, len(fields))
	shape := make([]string, len(fields))
	for i, f := range fields {
		name := quote(f.Name)
		names[i] = "  " + name
		descs[i] = fmt.Sprintf("  %s: %s", name, quote(f.Description))
		shape[i] = fmt.Sprintf(`    %s: "<appropriate value>"`, name)
	}

	return fmt.Sprintf(`You are an expert financial data extractor for a Commercial Bank Lending Service.
Extract specific transaction details from the email content based on the request type: %[1]s

Email Content:
%[2]s

Required Fields for %[1]s:
[
%[3]s
]

Field Descriptions:
{
%[4]s
}

Instructions:
1. Carefully analyze the email content
2. Extract ONLY the fields listed above for %[1]s
3. Format numeric values as numbers (not strings)
4. Use null for any required fields not found in the email
5. Ensure dates are in YYYY-MM-DD format
6. Return ONLY a valid JSON object

The JSON response MUST contain exactly these fields:
{
%[5]s
}

Important:
- All monetary values should be numeric (e.g., 1000000.00)
- Dates must be in YYYY-MM-DD format
- Use null for any fields not found in the email
- Do not include any fields not listed in the requirements

Remember: Return ONLY the JSON object, no other text or explanation.`,
		requestType,
		emailText,
		strings.Join(names, ",\n"),
		strings.Join(descs, ",\n"),
		strings.Join(shape, ",\n"),
	)
}

func quote(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
