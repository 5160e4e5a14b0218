package model

import "time"

// MaxTemplateBody is the body limit in characters.
const MaxTemplateBody = 1100

// CustomTemplateID marks a broadcast whose body was typed ad hoc.
const CustomTemplateID = "custom"

type MessageTemplate struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"createdAt"`
}
