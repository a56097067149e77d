package domain

type ShippingForm struct {
	FullName    string `json:"full_name" validate:"required,min=2,max=120"`
	Phone       string `json:"phone" validate:"required,min=7,max=20,phone"`
	Email       string `json:"email" validate:"required,email"`
	AddressLine string `json:"address_line" validate:"required,min=5,max=255"`
	City        string `json:"city" validate:"required,max=100"`
	PostalCode  string `json:"postal_code" validate:"omitempty,max=12"`
	Note        string `json:"note,omitempty" validate:"max=500"`
}
