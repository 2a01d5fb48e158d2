package enums

// PaymentMethodStatus classifies the latest invoice's payment intent state.
type PaymentMethodStatus string

const (
	PaymentMethodStatusValid          PaymentMethodStatus = "valid"
	PaymentMethodStatusRequiresAction PaymentMethodStatus = "requires_action"
	PaymentMethodStatusDeclined       PaymentMethodStatus = "declined"
)

func (s PaymentMethodStatus) String() string {
	return string(s)
}
