package ledger

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// =============================================================================
// PAYOUT METHOD - Payment rail channel
// =============================================================================

type PayoutMethod string

const (
	MethodMobileMoney  PayoutMethod = "mobile_money"
	MethodBankTransfer PayoutMethod = "bank_transfer"
)

func (m PayoutMethod) Valid() bool {
	return m == MethodMobileMoney || m == MethodBankTransfer
}

// AccountDetails is the destination of a payout. The concrete type is fixed
// by the method: MobileMoney or BankTransfer.
type AccountDetails interface {
	Method() PayoutMethod
	Validate() error
	isAccountDetails()
}

// MobileMoney is a mobile-money wallet destination.
type MobileMoney struct {
	Provider    string `json:"provider"`
	PhoneNumber string `json:"phone_number"`
	AccountName string `json:"account_name"`
}

func (MobileMoney) Method() PayoutMethod { return MethodMobileMoney }
func (MobileMoney) isAccountDetails()    {}

// Number prefixes accepted per provider.
var mobileMoneyNumbers = map[string]*regexp.Regexp{
	"MTN":      regexp.MustCompile(`^0(24|54|55|59)\d{7}$`),
	"Airtel":   regexp.MustCompile(`^0(26|56|66)\d{7}$`),
	"Vodafone": regexp.MustCompile(`^0(20|50|57)\d{7}$`),
}

// MobileMoneyProviders lists the supported providers in display order.
var MobileMoneyProviders = []string{"MTN", "Airtel", "Vodafone"}

func (m MobileMoney) Validate() error {
	pattern, ok := mobileMoneyNumbers[m.Provider]
	if !ok {
		return &AccountDetailsError{Field: "provider", Reason: fmt.Sprintf("unsupported provider %q", m.Provider)}
	}
	number := strings.ReplaceAll(m.PhoneNumber, " ", "")
	if !pattern.MatchString(number) {
		return &AccountDetailsError{Field: "phone_number", Reason: "invalid phone number for provider " + m.Provider}
	}
	if strings.TrimSpace(m.AccountName) == "" {
		return &AccountDetailsError{Field: "account_name", Reason: "required"}
	}
	return nil
}

// BankTransfer is a bank account destination.
type BankTransfer struct {
	BankName      string `json:"bank_name"`
	AccountNumber string `json:"account_number"`
	AccountName   string `json:"account_name"`
	RoutingNumber string `json:"routing_number,omitempty"`
}

func (BankTransfer) Method() PayoutMethod { return MethodBankTransfer }
func (BankTransfer) isAccountDetails()    {}

var accountNumberPattern = regexp.MustCompile(`^[0-9A-Za-z-]{6,34}$`)

func (b BankTransfer) Validate() error {
	if strings.TrimSpace(b.BankName) == "" {
		return &AccountDetailsError{Field: "bank_name", Reason: "required"}
	}
	if !accountNumberPattern.MatchString(b.AccountNumber) {
		return &AccountDetailsError{Field: "account_number", Reason: "must be 6-34 letters, digits or dashes"}
	}
	if strings.TrimSpace(b.AccountName) == "" {
		return &AccountDetailsError{Field: "account_name", Reason: "required"}
	}
	return nil
}

// =============================================================================
// ENCODING - Stores keep account details as opaque JSON
// =============================================================================

// MarshalAccountDetails encodes details for storage.
func MarshalAccountDetails(d AccountDetails) ([]byte, error) {
	if d == nil {
		return nil, &AccountDetailsError{Field: "account_details", Reason: "required"}
	}
	return json.Marshal(d)
}

// UnmarshalAccountDetails decodes stored details for the given method.
func UnmarshalAccountDetails(method PayoutMethod, data []byte) (AccountDetails, error) {
	switch method {
	case MethodMobileMoney:
		var m MobileMoney
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("decode mobile money details: %w", err)
		}
		return m, nil
	case MethodBankTransfer:
		var b BankTransfer
		if err := json.Unmarshal(data, &b); err != nil {
			return nil, fmt.Errorf("decode bank transfer details: %w", err)
		}
		return b, nil
	}
	return nil, &AccountDetailsError{Field: "method", Reason: fmt.Sprintf("unknown payout method %q", method)}
}

// ValidateAccountDetails checks that details are present, match method and
// pass their own field validation.
func ValidateAccountDetails(method PayoutMethod, d AccountDetails) error {
	if !method.Valid() {
		return &AccountDetailsError{Field: "method", Reason: fmt.Sprintf("unknown payout method %q", method)}
	}
	if d == nil {
		return &AccountDetailsError{Field: "account_details", Reason: "required"}
	}
	if d.Method() != method {
		return &AccountDetailsError{Field: "account_details",
			Reason: fmt.Sprintf("details for %s given with method %s", d.Method(), method)}
	}
	return d.Validate()
}

// =============================================================================
// METHOD CATALOGUE
// =============================================================================

type MethodField struct {
	Name     string   `json:"name"`
	Label    string   `json:"label"`
	Type     string   `json:"type"`
	Options  []string `json:"options,omitempty"`
	Required bool     `json:"required"`
}

type MethodType struct {
	ID          PayoutMethod  `json:"id"`
	Name        string        `json:"name"`
	Description string        `json:"description"`
	Fields      []MethodField `json:"fields"`
}

// MethodCatalogue describes the payout channels a doctor can pick from.
func MethodCatalogue() []MethodType {
	return []MethodType{
		{
			ID:          MethodMobileMoney,
			Name:        "Mobile Money",
			Description: "MTN, Airtel, Vodafone Mobile Money",
			Fields: []MethodField{
				{Name: "provider", Label: "Provider", Type: "select", Options: MobileMoneyProviders, Required: true},
				{Name: "phone_number", Label: "Phone Number", Type: "tel", Required: true},
				{Name: "account_name", Label: "Account Name", Type: "text", Required: true},
			},
		},
		{
			ID:          MethodBankTransfer,
			Name:        "Bank Transfer",
			Description: "Direct bank account transfer",
			Fields: []MethodField{
				{Name: "bank_name", Label: "Bank Name", Type: "text", Required: true},
				{Name: "account_number", Label: "Account Number", Type: "text", Required: true},
				{Name: "account_name", Label: "Account Name", Type: "text", Required: true},
				{Name: "routing_number", Label: "Routing Number", Type: "text"},
			},
		},
	}
}
