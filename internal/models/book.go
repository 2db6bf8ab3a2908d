package models

import "time"

// Book carries the denormalized copy counts owned by the inventory ledger.
// AvailableCopies is only ever written inside the same database transaction
// as the loan row that justifies the change; Version backs the optimistic
// lock on those writes.
type Book struct {
	ID              int       `json:"id" db:"id" example:"1"`                        // Book ID
	ISBN            string    `json:"isbn" db:"isbn" example:"9780441172719"`        // Globally unique ISBN
	Title           string    `json:"title" db:"title" example:"Dune"`               // Book title
	Author          string    `json:"author" db:"author" example:"Frank Herbert"`    // Book author
	Publisher       string    `json:"publisher,omitempty" db:"publisher"`            // Optional publisher
	Year            int       `json:"year,omitempty" db:"year"`                      // Optional publication year
	CategoryID      int       `json:"category_id" db:"category_id" example:"1"`      // Category reference
	TotalCopies     int       `json:"total_copies" db:"total_copies" example:"3"`    // Physical copies owned
	AvailableCopies int       `json:"available_copies" db:"available_copies"`        // Copies not out on loan
	Version         int       `json:"-" db:"version"`                                // Optimistic lock counter
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
}
