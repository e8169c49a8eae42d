package models

import "time"

// Product is the catalog entry a checkout pays for. This service only reads it.
type Product struct {
	ID             string    `json:"id" gorm:"primaryKey"`
	Name           string    `json:"name" gorm:"not null"`
	Price          int64     `json:"price" gorm:"not null"` // minor units
	Currency       string    `json:"currency" gorm:"size:3;not null"`
	PayWhatYouWant bool      `json:"pay_what_you_want"`
	MinPrice       int64     `json:"min_price"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// IsFree reports whether the product can be claimed without payment.
func (p *Product) IsFree() bool {
	return !p.PayWhatYouWant && p.Price == 0
}

func (p *Product) TableName() string { return "products" }
