package payment

import (
	"math/big"
	"regexp"
	"strings"
)

var (
	bicPattern     = regexp.MustCompile(`^[A-Z]{6}[A-Z0-9]{2}([A-Z0-9]{3})?$`)
	ibanPattern    = regexp.MustCompile(`^[A-Z]{2}[0-9]{2}[A-Z0-9]{11,30}$`)
	digitsPattern  = regexp.MustCompile(`^[0-9]+$`)
	currencyFormat = regexp.MustCompile(`^[A-Z]{3}$`)
)

// Normalise strips spacing from routing fields and canonicalises codes.
func (a *BankAccount) Normalise() {
	a.BankName = normaliseSpace(a.BankName)
	a.AccountHolder = normaliseSpace(a.AccountHolder)
	a.IBAN = compact(a.IBAN)
	a.BIC = compact(a.BIC)
	a.RoutingNumber = compact(a.RoutingNumber)
	a.AccountNumber = compact(a.AccountNumber)
	a.CLABE = compact(a.CLABE)
	a.Currency = strings.ToUpper(normaliseSpace(a.Currency))
	if a.Region == "" {
		a.Region = RegionOther
	}
}

// Validate checks that the account carries the routing fields its region
// needs: IBAN and BIC in europe, routing and account number in usa and an
// 18-digit CLABE in mexico.
func (a BankAccount) Validate() error {
	if _, err := ParseRegion(string(a.Region)); err != nil {
		return err
	}
	if a.BankName == "" {
		return &ValidationError{Field: "bankName", Message: "bankName is required"}
	}
	if a.AccountHolder == "" {
		return &ValidationError{Field: "accountHolder", Message: "accountHolder is required"}
	}
	if !currencyFormat.MatchString(a.Currency) {
		return &ValidationError{Field: "currency", Message: "currency must be an ISO 4217 code"}
	}
	switch a.Region {
	case RegionEurope:
		if !validIBAN(a.IBAN) {
			return &ValidationError{Field: "iban", Message: "iban is missing or invalid"}
		}
		if !bicPattern.MatchString(a.BIC) {
			return &ValidationError{Field: "bic", Message: "bic is missing or invalid"}
		}
	case RegionUSA:
		if !validABARouting(a.RoutingNumber) {
			return &ValidationError{Field: "routingNumber", Message: "routingNumber must be a valid 9-digit ABA number"}
		}
		if !digitsPattern.MatchString(a.AccountNumber) || len(a.AccountNumber) < 4 || len(a.AccountNumber) > 17 {
			return &ValidationError{Field: "accountNumber", Message: "accountNumber must be 4 to 17 digits"}
		}
	case RegionMexico:
		if !validCLABE(a.CLABE) {
			return &ValidationError{Field: "clabe", Message: "clabe must be a valid 18-digit code"}
		}
	default:
		if a.IBAN == "" && a.AccountNumber == "" {
			return &ValidationError{Field: "accountNumber", Message: "accountNumber or iban is required"}
		}
	}
	return nil
}

func compact(value string) string {
	return strings.ToUpper(strings.Join(strings.Fields(value), ""))
}

// validIBAN applies the ISO 13616 mod-97 check.
func validIBAN(iban string) bool {
	if !ibanPattern.MatchString(iban) {
		return false
	}
	rearranged := iban[4:] + iban[:4]
	var digits strings.Builder
	for _, r := range rearranged {
		if r >= 'A' && r <= 'Z' {
			digits.WriteString(big.NewInt(int64(r - 'A' + 10)).String())
			continue
		}
		digits.WriteRune(r)
	}
	n, ok := new(big.Int).SetString(digits.String(), 10)
	if !ok {
		return false
	}
	return new(big.Int).Mod(n, big.NewInt(97)).Int64() == 1
}

// validABARouting applies the 3-7-1 checksum.
func validABARouting(routing string) bool {
	if len(routing) != 9 || !digitsPattern.MatchString(routing) {
		return false
	}
	weights := [9]int{3, 7, 1, 3, 7, 1, 3, 7, 1}
	sum := 0
	for i, r := range routing {
		sum += int(r-'0') * weights[i]
	}
	return sum%10 == 0
}

// validCLABE checks length and the weighted 3-7-1 control digit.
func validCLABE(clabe string) bool {
	if len(clabe) != 18 || !digitsPattern.MatchString(clabe) {
		return false
	}
	weights := [3]int{3, 7, 1}
	sum := 0
	for i := 0; i < 17; i++ {
		sum += (int(clabe[i]-'0') * weights[i%3]) % 10
	}
	control := (10 - sum%10) % 10
	return control == int(clabe[17]-'0')
}
