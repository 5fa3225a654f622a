package gateway

import "sort"

// CountryProfile describes one MercadoPago market.
type CountryProfile struct {
	Code     string   `json:"code"`
	Name     string   `json:"name"`
	Currency string   `json:"currency"`
	Methods  []string `json:"methods"`
}

var countryProfiles = map[string]CountryProfile{
	"AR": {Code: "AR", Name: "Argentina", Currency: "ARS", Methods: []string{"account_money", "rapipago", "pagofacil", "debin_transfer"}},
	"BR": {Code: "BR", Name: "Brazil", Currency: "BRL", Methods: []string{"pix", "bolbradesco", "pec"}},
	"CL": {Code: "CL", Name: "Chile", Currency: "CLP", Methods: []string{"servipag", "webpay", "khipu"}},
	"CO": {Code: "CO", Name: "Colombia", Currency: "COP", Methods: []string{"efecty", "pse", "baloto"}},
	"MX": {Code: "MX", Name: "Mexico", Currency: "MXN", Methods: []string{"oxxo", "spei", "paycash"}},
	"PE": {Code: "PE", Name: "Peru", Currency: "PEN", Methods: []string{"pagoefectivo_atm", "yape"}},
	"UY": {Code: "UY", Name: "Uruguay", Currency: "UYU", Methods: []string{"abitab", "redpagos"}},
	"VE": {Code: "VE", Name: "Venezuela", Currency: "VES", Methods: []string{"bank_transfer"}},
}

// Country returns the profile for an ISO 3166 alpha-2 code.
func Country(code string) (CountryProfile, bool) {
	p, ok := countryProfiles[code]
	return p, ok
}

// Countries lists every supported market ordered by code.
func Countries() []CountryProfile {
	out := make([]CountryProfile, 0, len(countryProfiles))
	for _, p := range countryProfiles {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}
