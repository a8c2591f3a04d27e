package nettrace

import (
	"encoding/json"
	"strconv"
	"strings"
)

const maxWalkDepth = 12

// moneyKeys are the numeric field names the extractor looks for.
var moneyKeys = map[string]bool{
	"amount":   true,
	"price":    true,
	"total":    true,
	"subtotal": true,
	"tax":      true,
	"vat":      true,
}

// minorUnits is the ISO 4217 minor-unit table for the currencies that do not
// use two decimals. Anything absent defaults to 2.
var minorUnits = map[string]int{
	"BIF": 0, "CLP": 0, "DJF": 0, "GNF": 0, "ISK": 0, "JPY": 0,
	"KMF": 0, "KRW": 0, "PYG": 0, "RWF": 0, "UGX": 0, "UYI": 0,
	"VND": 0, "VUV": 0, "XAF": 0, "XOF": 0, "XPF": 0,
	"BHD": 3, "IQD": 3, "JOD": 3, "KWD": 3, "LYD": 3, "OMR": 3, "TND": 3,
}

// mismatchRatio flags a cart/payment divergence worth surfacing.
const mismatchRatio = 1.20

// MoneyField is one extracted monetary value.
type MoneyField struct {
	Path     string  `json:"path"`
	Key      string  `json:"key"`
	Raw      float64 `json:"raw"`
	Major    float64 `json:"major"`
	Currency string  `json:"currency,omitempty"`
}

// MoneyInsights summarizes monetary fields found across a trace's JSON
// bodies.
type MoneyInsights struct {
	Fields       []MoneyField `json:"fields"`
	CartMajor    float64      `json:"cartMajor,omitempty"`
	PaymentMajor float64      `json:"paymentMajor,omitempty"`
	Mismatch     bool         `json:"mismatch,omitempty"`
	Ratio        float64      `json:"ratio,omitempty"`
}

var cartHints = []string{"cart", "basket"}
var paymentHints = []string{"payment", "pay/", "/pay", "charge", "checkout"}

// ExtractMoneyInsights walks the JSON bodies of a trace for monetary fields
// and flags cart-vs-payment mismatches. Non-JSON bodies are skipped.
func ExtractMoneyInsights(items []ArtifactItem) *MoneyInsights {
	insights := &MoneyInsights{}
	for _, item := range items {
		currency := ""
		var fields []MoneyField
		for _, body := range []string{item.RequestBody, item.ResponseBody} {
			if body == "" {
				continue
			}
			var root any
			if err := json.Unmarshal([]byte(body), &root); err != nil {
				continue
			}
			if currency == "" {
				currency = findCurrency(root, 0)
			}
			fields = append(fields, walkMoney(root, "", 0, currency)...)
		}
		if len(fields) == 0 {
			continue
		}
		insights.Fields = append(insights.Fields, fields...)

		// The item's largest total (falling back to amount/price) represents
		// it in the mismatch check.
		repr := representative(fields)
		url := strings.ToLower(item.URLFull)
		if url == "" {
			url = strings.ToLower(item.URL)
		}
		switch {
		case hasHint(url, cartHints):
			if repr > insights.CartMajor {
				insights.CartMajor = repr
			}
		case hasHint(url, paymentHints):
			if repr > insights.PaymentMajor {
				insights.PaymentMajor = repr
			}
		}
	}
	if len(insights.Fields) == 0 {
		return nil
	}
	if insights.CartMajor > 0 && insights.PaymentMajor > 0 {
		ratio := insights.CartMajor / insights.PaymentMajor
		if ratio < 1 {
			ratio = 1 / ratio
		}
		insights.Ratio = ratio
		insights.Mismatch = ratio >= mismatchRatio
	}
	return insights
}

// walkMoney recursively collects money-named numeric fields down to
// maxWalkDepth.
func walkMoney(node any, path string, depth int, currency string) []MoneyField {
	if depth > maxWalkDepth {
		return nil
	}
	var out []MoneyField
	switch v := node.(type) {
	case map[string]any:
		for key, child := range v {
			childPath := key
			if path != "" {
				childPath = path + "." + key
			}
			if moneyKeys[strings.ToLower(key)] {
				if raw, ok := asNumber(child); ok {
					out = append(out, MoneyField{
						Path:     childPath,
						Key:      strings.ToLower(key),
						Raw:      raw,
						Major:    toMajor(raw, currency),
						Currency: currency,
					})
					continue
				}
			}
			out = append(out, walkMoney(child, childPath, depth+1, currency)...)
		}
	case []any:
		for i, child := range v {
			childPath := path + "[" + strconv.Itoa(i) + "]"
			out = append(out, walkMoney(child, childPath, depth+1, currency)...)
		}
	}
	return out
}

// findCurrency locates the first "currency" string field in the payload.
func findCurrency(node any, depth int) string {
	if depth > maxWalkDepth {
		return ""
	}
	switch v := node.(type) {
	case map[string]any:
		if c, ok := v["currency"].(string); ok && c != "" {
			return strings.ToUpper(c)
		}
		for _, child := range v {
			if c := findCurrency(child, depth+1); c != "" {
				return c
			}
		}
	case []any:
		for _, child := range v {
			if c := findCurrency(child, depth+1); c != "" {
				return c
			}
		}
	}
	return ""
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		return parsed, true
	}
	return 0, false
}

// toMajor converts a minor-unit integer amount to major units. Values that
// already carry decimals are assumed to be major-unit.
func toMajor(raw float64, currency string) float64 {
	if raw != float64(int64(raw)) {
		return raw
	}
	decimals, ok := minorUnits[currency]
	if !ok {
		decimals = 2
	}
	divisor := 1.0
	for i := 0; i < decimals; i++ {
		divisor *= 10
	}
	return raw / divisor
}

func hasHint(url string, hints []string) bool {
	for _, hint := range hints {
		if strings.Contains(url, hint) {
			return true
		}
	}
	return false
}

func representative(fields []MoneyField) float64 {
	best := 0.0
	bestRank := -1
	rank := func(key string) int {
		switch key {
		case "total":
			return 3
		case "amount":
			return 2
		case "subtotal":
			return 1
		default:
			return 0
		}
	}
	for _, f := range fields {
		if r := rank(f.Key); r > bestRank || (r == bestRank && f.Major > best) {
			best = f.Major
			bestRank = r
		}
	}
	return best
}
