// Package plan holds the subscription tiers sold through Stripe and the credit
// allowance each one grants.
package plan

import (
	"sort"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// UnlimitedThreshold is the balance from which credits are shown as unlimited.
const UnlimitedThreshold int64 = 1_000_000

type Tier string

const (
	Starter      Tier = "STARTER"
	Professional Tier = "PROFESSIONAL"
	Enterprise   Tier = "ENTERPRISE"
	TestProduct  Tier = "TEST_PRODUCT"
)

type Plan struct {
	Tier        Tier            `json:"tier"`
	Name        string          `json:"name"`
	Price       decimal.Decimal `json:"price"`
	PriceID     string          `json:"priceId"`
	ProductID   string          `json:"productId"`
	CreditLimit int64           `json:"creditLimit"`
	Description string          `json:"description"`
}

var catalog = map[Tier]Plan{
	Starter: {
		Tier:        Starter,
		Name:        "Starter",
		Price:       decimal.RequireFromString("1.29"),
		PriceID:     "price_1RRlDw5RmLx3D9SH2BQiFTKP",
		ProductID:   "prod_SMUCJvjUO3b10X",
		CreditLimit: 10_000,
		Description: "For small teams exploring AI chatbot capabilities.",
	},
	Professional: {
		Tier:        Professional,
		Name:        "Professional",
		Price:       decimal.RequireFromString("2.99"),
		PriceID:     "price_1RRlEF5RmLx3D9SHqHonamX0",
		ProductID:   "prod_SMUCgGg7VyCXlm",
		CreditLimit: 50_000,
		Description: "Ideal for growing businesses with advanced AI needs.",
	},
	Enterprise: {
		Tier:        Enterprise,
		Name:        "Enterprise",
		Price:       decimal.RequireFromString("11.99"),
		PriceID:     "price_1RRlET5RmLx3D9SHeEeJrMEB",
		ProductID:   "prod_SMUCwCBX9XED4d",
		CreditLimit: UnlimitedThreshold,
		Description: "For organizations with complex AI requirements and large teams.",
	},
	TestProduct: {
		Tier:        TestProduct,
		Name:        "Test Product",
		Price:       decimal.RequireFromString("0.15"),
		PriceID:     "price_1RRllZ5RmLx3D9SHTTT1pJxc",
		ProductID:   "prod_SMUljCmE8mcxv3",
		CreditLimit: 1_000,
		Description: "Test product for development and testing.",
	},
}

// All returns the catalog ordered by price.
func All() []Plan {
	out := make([]Plan, 0, len(catalog))
	for _, p := range catalog {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Price.LessThan(out[j].Price) })
	return out
}

func Get(t Tier) (Plan, bool) {
	p, ok := catalog[t]
	return p, ok
}

func ByPriceID(priceID string) (Plan, bool) {
	for _, p := range catalog {
		if p.PriceID == priceID {
			return p, true
		}
	}
	return Plan{}, false
}

// CreditLimitByPriceID returns 0 for unknown price ids.
func CreditLimitByPriceID(priceID string) int64 {
	p, _ := ByPriceID(priceID)
	return p.CreditLimit
}

func NameByPriceID(priceID string) string {
	if p, ok := ByPriceID(priceID); ok {
		return p.Name
	}
	return "Unknown Plan"
}

func IsUnlimited(credits int64) bool {
	return credits >= UnlimitedThreshold
}

// FormatCredits renders a balance for display: "Unlimited" at or above the
// threshold, otherwise the number with thousands separators.
func FormatCredits(credits int64) string {
	if IsUnlimited(credits) {
		return "Unlimited"
	}

	neg := credits < 0
	if neg {
		credits = -credits
	}
	s := strconv.FormatInt(credits, 10)

	var b strings.Builder
	if neg {
		b.WriteByte('-')
	}
	lead := len(s) % 3
	if lead == 0 {
		lead = 3
	}
	b.WriteString(s[:lead])
	for i := lead; i < len(s); i += 3 {
		b.WriteByte(',')
		b.WriteString(s[i : i+3])
	}
	return b.String()
}

// Label is FormatCredits plus the unit, singular for exactly one credit.
func Label(credits int64) string {
	unit := "credits"
	if credits == 1 {
		unit = "credit"
	}
	return FormatCredits(credits) + " " + unit
}

type Variant string

const (
	VariantDestructive Variant = "destructive"
	VariantSecondary   Variant = "secondary"
	VariantDefault     Variant = "default"
)

// BadgeVariant classifies a balance for display: empty, running low, fine.
func BadgeVariant(credits int64) Variant {
	switch {
	case credits <= 0:
		return VariantDestructive
	case credits <= 5:
		return VariantSecondary
	default:
		return VariantDefault
	}
}
