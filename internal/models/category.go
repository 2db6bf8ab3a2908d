package models

type Category struct {
	ID          int    `json:"id" db:"id" example:"1"`                          // Category ID
	Name        string `json:"name" db:"name" example:"Science Fiction"`        // Unique category name
	Description string `json:"description,omitempty" db:"description"`          // Optional description
}
