package model

import "time"

// Item represents a single lost-or-found report.
type Item struct {
	ID           string    `json:"id,omitempty"`
	OwnerID      string    `json:"owner_id"`
	Title        string    `json:"title"`
	Description  string    `json:"description"`
	Location     string    `json:"location,omitempty"`
	ContactName  string    `json:"contact_name"`
	ContactPhone string    `json:"contact_phone"`
	ContactEmail string    `json:"contact_email,omitempty"`
	Status       Status    `json:"status"`
	Photo        string    `json:"photo,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Complete reports whether all required fields are present. Legacy records
// may decode incomplete; those stay readable but are rejected on any write
// path until corrected.
func (i Item) Complete() bool {
	return i.Title != "" && i.Description != "" &&
		i.ContactName != "" && i.ContactPhone != ""
}
