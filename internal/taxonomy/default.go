package taxonomy

// fieldDescriptions are shown to the model next to each requested field.
var fieldDescriptions = map[string]string{
	"deal_id":               "Deal identifier or reference number",
	"transfer_amount":       "Amount to be transferred (numeric value)",
	"from_account":          "Source account details",
	"to_account":            "Destination account details",
	"effective_date":        "Date when transfer takes effect (YYYY-MM-DD)",
	"new_commitment_amount": "Updated commitment amount (numeric value)",
	"change_reason":         "Reason for commitment change",
	"fee_type":              "Type of fee being paid",
	"amount":                "Payment amount (numeric value)",
	"due_date":              "Date when payment is due (YYYY-MM-DD)",
	"payment_reference":     "Reference number for the payment",
	"funding_amount":        "Amount being funded (numeric value)",
	"currency":              "Currency code (e.g., USD, EUR)",
	"credit_account":        "Account to be credited",
	"value_date":            "Date of value (YYYY-MM-DD)",
	"remitter_name":         "Name of the remitting party",
	"disbursement_amount":   "Amount to be disbursed (numeric value)",
	"debit_account":         "Account to be debited",
	"beneficiary_name":      "Name of the beneficiary",
	"payment_method":        "Method of payment",
}

var defaultTypes = []RequestType{
	{
		Name:   "Adjustment",
		Fields: []string{"deal_id", "transfer_amount", "from_account", "to_account", "effective_date"},
		Team:   "ADJUSTMENT_TEAM",
	},
	{
		Name:     "AU Transfer",
		SubTypes: []string{"Reallocation Fees", "Amendment Fees", "Reallocation Principal"},
		Fields:   []string{"deal_id", "transfer_amount", "from_account", "to_account", "effective_date"},
		Team:     "TRANSFER_TEAM",
	},
	{
		Name:   "Closing Notice",
		Fields: []string{"deal_id", "new_commitment_amount", "change_reason", "effective_date"},
		Team:   "CLOSING_TEAM",
	},
	{
		Name:     "Commitment Change",
		SubTypes: []string{"Cashless Roll", "Decrease", "Increase"},
		Fields:   []string{"deal_id", "new_commitment_amount", "change_reason", "effective_date"},
		Team:     "COMMITMENT_TEAM",
	},
	{
		Name: "Fee Payment",
		SubTypes: []string{
			"Ongoing Fee",
			"Letter of Credit Fee",
			"Principal",
			"Interest",
			"Principal + Interest",
			"Principal + Interest + Fee",
		},
		Fields: []string{"deal_id", "fee_type", "amount", "due_date", "payment_reference"},
		Team:   "FEE_TEAM",
	},
	{
		Name:   "Money Movement - Inbound",
		Fields: []string{"deal_id", "funding_amount", "currency", "credit_account", "value_date", "remitter_name"},
		Team:   "INBOUND_TEAM",
	},
	{
		Name:     "Money Movement - Outbound",
		SubTypes: []string{"Timebound", "Foreign Currency"},
		Fields: []string{
			"deal_id", "disbursement_amount", "currency", "debit_account",
			"beneficiary_name", "payment_method", "value_date",
		},
		Team: "OUTBOUND_TEAM",
	},
}

// Default returns the built-in commercial lending taxonomy.
func Default() *Taxonomy {
	t, err := New(defaultTypes, fieldDescriptions, DefaultTeam)
	if err != nil {
		panic(err)
	}
	return t
}
